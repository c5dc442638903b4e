// Command taskwright runs workflow definition files.
//
// Usage:
//
//	taskwright run <file> [--set NAME=value]...   # execute a workflow
//	taskwright resume <file>                      # continue an interrupted run
//	taskwright validate <file>                    # parse and validate only
//	taskwright history [--path <file>] [--limit N]
//	taskwright version
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/taskwright/taskwright/config"
	"github.com/taskwright/taskwright/engine"
	"github.com/taskwright/taskwright/history"
	"github.com/taskwright/taskwright/internal/metrics"
	"github.com/taskwright/taskwright/types"
	"github.com/taskwright/taskwright/workflow"
	"github.com/taskwright/taskwright/workflow/taskfile"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(types.ExitValidation)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(runWorkflow(os.Args[2:], false))
	case "resume":
		os.Exit(runWorkflow(os.Args[2:], true))
	case "validate":
		os.Exit(runValidate(os.Args[2:]))
	case "history":
		os.Exit(runHistory(os.Args[2:]))
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(types.ExitValidation)
	}
}

// paramFlags collects repeatable --set NAME=value assignments.
type paramFlags map[string]string

func (p paramFlags) String() string {
	parts := make([]string, 0, len(p))
	for k, v := range p {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (p paramFlags) Set(value string) error {
	name, val, ok := strings.Cut(value, "=")
	if !ok || name == "" {
		return fmt.Errorf("expected NAME=value, got %q", value)
	}
	p[name] = val
	return nil
}

func runWorkflow(args []string, resume bool) int {
	name := "run"
	if resume {
		name = "resume"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	params := paramFlags{}
	fs.Var(params, "set", "Override a global variable (NAME=value, repeatable)")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: taskwright %s <file> [flags]\n", name)
		return types.ExitValidation
	}
	path := fs.Arg(0)

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return types.ExitValidation
	}
	logger, err := cfg.BuildLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		return types.ExitValidation
	}
	defer logger.Sync()

	wf, err := taskfile.Load(path, params)
	if err != nil {
		logger.Error("workflow rejected", zap.String("path", path), zap.Error(err))
		return types.ExitCodeFor(err)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector("taskwright", logger)
		go collector.Serve(cfg.Metrics.Addr)
	}

	eng := engine.New(engine.Options{
		MaxWorkers:     cfg.Engine.MaxWorkers,
		RetryPoll:      cfg.Engine.RetryPollInterval,
		SpillThreshold: cfg.Engine.SpillThreshold,
		DispatchRate:   cfg.Engine.DispatchRate,
		TerminateGrace: cfg.Engine.TerminateGrace,
		InterruptGrace: cfg.Engine.InterruptGrace,
		StateDir:       cfg.Engine.StateDir,
		TempDir:        cfg.Engine.TempDir,
		Metrics:        collector,
		Logger:         logger,
	})

	started := time.Now()
	var report *engine.RunReport
	var runErr error
	if resume {
		report, runErr = eng.Resume(context.Background(), wf)
	} else {
		report, runErr = eng.Run(context.Background(), wf)
	}

	if cfg.History.Enabled && report != nil {
		appendHistory(cfg, logger, wf, report, started)
	}

	if runErr != nil {
		logger.Error("run finished with error",
			zap.String("run_id", report.RunID),
			zap.Int("exit_code", report.ExitCode),
			zap.Error(runErr),
		)
	}
	return report.ExitCode
}

func appendHistory(cfg *config.Config, logger *zap.Logger, wf *workflow.Workflow, report *engine.RunReport, started time.Time) {
	store, err := history.Open(cfg.History.Path, logger)
	if err != nil {
		logger.Warn("history unavailable", zap.Error(err))
		return
	}
	defer store.Close()

	status := "failed"
	switch {
	case report.Succeeded:
		status = "succeeded"
	case report.ExitCode > 128:
		status = "interrupted"
	}
	err = store.Append(&history.Run{
		RunID:       report.RunID,
		Path:        wf.Path,
		Fingerprint: wf.Fingerprint,
		Status:      status,
		Resumed:     report.Resumed,
		TasksRun:    report.TasksRun,
		ExitCode:    report.ExitCode,
		DurationMS:  report.Duration.Milliseconds(),
		StartedAt:   started,
	})
	if err != nil {
		logger.Warn("failed to append history", zap.Error(err))
	}
}

func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	params := paramFlags{}
	fs.Var(params, "set", "Override a global variable (NAME=value, repeatable)")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: taskwright validate <file> [flags]")
		return types.ExitValidation
	}
	path := fs.Arg(0)

	wf, err := taskfile.Load(path, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid: %v\n", err)
		return types.ExitCodeFor(err)
	}
	fmt.Printf("OK: %s (%d tasks, fingerprint %.12s)\n", path, wf.Len(), wf.Fingerprint)
	return types.ExitSuccess
}

func runHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	pathFilter := fs.String("path", "", "Only show runs of this workflow file")
	limit := fs.Int("limit", 20, "Maximum runs to show")
	fs.Parse(args)

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return types.ExitValidation
	}

	store, err := history.Open(cfg.History.Path, zap.NewNop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open history: %v\n", err)
		return types.ExitInternal
	}
	defer store.Close()

	runs, err := store.List(*pathFilter, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list history: %v\n", err)
		return types.ExitInternal
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return types.ExitSuccess
	}

	fmt.Printf("%-36s  %-11s  %-7s  %5s  %8s  %s\n",
		"RUN ID", "STATUS", "RESUMED", "TASKS", "ELAPSED", "WORKFLOW")
	for _, r := range runs {
		resumed := ""
		if r.Resumed {
			resumed = "yes"
		}
		fmt.Printf("%-36s  %-11s  %-7s  %5d  %7dms  %s\n",
			r.RunID, r.Status, resumed, r.TasksRun, r.DurationMS, r.Path)
	}
	return types.ExitSuccess
}

func printVersion() {
	fmt.Printf("taskwright %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
}

func printUsage() {
	fmt.Fprint(os.Stderr, `taskwright - workflow task runner

Usage:
  taskwright run <file> [--set NAME=value]...   Execute a workflow file
  taskwright resume <file>                      Continue an interrupted run
  taskwright validate <file>                    Parse and validate a file
  taskwright history [--path f] [--limit N]     Show recent runs
  taskwright version                            Show version

Flags common to run/resume:
  --config path    Configuration file (YAML)
  --set NAME=val   Override a workflow variable (repeatable)
`)
}
