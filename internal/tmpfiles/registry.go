// Package tmpfiles tracks temporary files holding over-threshold task
// output, so they are swept both on normal completion and on shutdown.
package tmpfiles

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Registry is the process-wide cleanup registry. Files are owned by the task
// that created them; registration and sweeping share one mutex.
type Registry struct {
	mu     sync.Mutex
	dir    string
	files  []string
	logger *zap.Logger
}

// NewRegistry creates a registry writing into dir (os.TempDir when empty).
func NewRegistry(dir string, logger *zap.Logger) *Registry {
	if dir == "" {
		dir = os.TempDir()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		dir:    dir,
		logger: logger.With(zap.String("component", "tmpfiles")),
	}
}

// Spill writes data to a new temporary file and registers it for cleanup.
// The returned path is handed to @<id>_stdout_file@-style references.
func (r *Registry) Spill(taskID int, stream string, data []byte) (string, error) {
	f, err := os.CreateTemp(r.dir, fmt.Sprintf("taskwright-%d-%s-*.out", taskID, stream))
	if err != nil {
		return "", fmt.Errorf("create spill file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write spill file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close spill file: %w", err)
	}

	r.mu.Lock()
	r.files = append(r.files, f.Name())
	r.mu.Unlock()
	return f.Name(), nil
}

// Track registers an externally created file for the final sweep.
func (r *Registry) Track(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = append(r.files, path)
}

// Sweep removes every registered file. Best effort: missing files are not
// errors, failures are logged and counted.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	files := r.files
	r.files = nil
	r.mu.Unlock()

	removed := 0
	for _, path := range files {
		err := os.Remove(path)
		switch {
		case err == nil:
			removed++
		case os.IsNotExist(err):
		default:
			r.logger.Warn("failed to remove temp file", zap.String("path", path), zap.Error(err))
		}
	}
	if removed > 0 {
		r.logger.Debug("swept temp files", zap.Int("removed", removed))
	}
	return removed
}

// Count returns the number of currently registered files.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.files)
}
