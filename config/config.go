// Package config loads engine configuration with the priority
// defaults, then YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every configuration environment variable,
// e.g. TASKWRIGHT_ENGINE_MAX_WORKERS.
const EnvPrefix = "TASKWRIGHT"

// Config is the complete engine configuration.
type Config struct {
	Engine  EngineConfig  `yaml:"engine" env:"ENGINE"`
	Log     LogConfig     `yaml:"log" env:"LOG"`
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
	History HistoryConfig `yaml:"history" env:"HISTORY"`
}

// EngineConfig tunes the interpreter and its run lifecycle.
type EngineConfig struct {
	// MaxWorkers bounds concurrent parallel-block members; a hard ceiling
	// applies regardless of this value.
	MaxWorkers int `yaml:"max_workers" env:"MAX_WORKERS"`
	// RetryPollInterval is the granularity at which retry waits check for
	// shutdown requests.
	RetryPollInterval time.Duration `yaml:"retry_poll_interval" env:"RETRY_POLL_INTERVAL"`
	// SpillThreshold is the captured-output size in bytes above which
	// stdout/stderr move to temporary files.
	SpillThreshold int `yaml:"spill_threshold" env:"SPILL_THRESHOLD"`
	// DispatchRate limits parallel member dispatches per second; 0 is
	// unlimited.
	DispatchRate float64 `yaml:"dispatch_rate" env:"DISPATCH_RATE"`
	// TerminateGrace is how long running tasks get after SIGTERM before
	// they are killed.
	TerminateGrace time.Duration `yaml:"terminate_grace" env:"TERMINATE_GRACE"`
	// InterruptGrace is the shorter grace applied on SIGINT.
	InterruptGrace time.Duration `yaml:"interrupt_grace" env:"INTERRUPT_GRACE"`
	// StateDir holds lock files and recovery records.
	StateDir string `yaml:"state_dir" env:"STATE_DIR"`
	// TempDir holds spilled task output; empty means the system default.
	TempDir string `yaml:"temp_dir" env:"TEMP_DIR"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" env:"ADDR"`
}

// HistoryConfig controls the run history store.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" env:"PATH"`
}

// Default returns the configuration used when nothing else is given.
func Default() *Config {
	stateDir := filepath.Join(os.TempDir(), "taskwright")
	return &Config{
		Engine: EngineConfig{
			MaxWorkers:        8,
			RetryPollInterval: 100 * time.Millisecond,
			SpillThreshold:    1 << 20,
			DispatchRate:      0,
			TerminateGrace:    10 * time.Second,
			InterruptGrace:    3 * time.Second,
			StateDir:          stateDir,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9464",
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    filepath.Join(stateDir, "history.db"),
		},
	}
}

// Loader loads configuration with the builder pattern.
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a loader with the default environment prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: EnvPrefix}
}

// WithConfigPath sets the YAML file to load. A missing file is not an error.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load resolves the configuration: defaults, then the YAML file when one is
// set, then environment variables, then validation.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}
	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	}
	return nil
}

// MustLoad loads config from path, panicking on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	var errs []string

	if c.Engine.MaxWorkers < 1 {
		errs = append(errs, "engine.max_workers must be positive")
	}
	if c.Engine.RetryPollInterval <= 0 {
		errs = append(errs, "engine.retry_poll_interval must be positive")
	}
	if c.Engine.SpillThreshold < 0 {
		errs = append(errs, "engine.spill_threshold must not be negative")
	}
	if c.Engine.DispatchRate < 0 {
		errs = append(errs, "engine.dispatch_rate must not be negative")
	}
	if c.Engine.TerminateGrace <= 0 || c.Engine.InterruptGrace <= 0 {
		errs = append(errs, "grace periods must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("unknown log level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("unknown log format %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
