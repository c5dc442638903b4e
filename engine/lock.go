package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/taskwright/taskwright/types"
)

// LockRecord identifies the process holding a workflow instance.
type LockRecord struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Identity  string    `json:"workflow_identity"`
	RunID     string    `json:"run_id"`
}

// LockManager enforces at most one concurrent run per workflow identity.
// A record left by a dead process, or an unparseable record, is treated as
// stale and overwritten.
type LockManager struct {
	dir    string
	logger *zap.Logger

	mu   sync.Mutex
	path string
	held bool
}

// NewLockManager creates a lock manager writing records under dir.
func NewLockManager(dir string, logger *zap.Logger) *LockManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LockManager{
		dir:    dir,
		logger: logger.With(zap.String("component", "lock_manager")),
	}
}

// IdentityKey computes the deterministic instance identity from the
// workflow's absolute path and its resolved global variables, so the same
// file run with different parameters is a different instance.
func IdentityKey(path string, globals map[string]string) string {
	keys := make([]string, 0, len(globals))
	for k := range globals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(path))
	for _, k := range keys {
		fmt.Fprintf(h, "\n%s=%s", k, globals[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Acquire takes the instance lock, overriding stale records. A live holder
// fails immediately with a LOCK_CONFLICT error.
func (m *LockManager) Acquire(identity, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return types.NewError(types.ErrInternal, "create lock directory").WithCause(err)
	}
	m.path = filepath.Join(m.dir, "taskwright-"+shortKey(identity)+".lock")

	record := LockRecord{
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC(),
		Identity:  identity,
		RunID:     runID,
	}
	data, err := json.Marshal(record)
	if err != nil {
		return types.NewError(types.ErrInternal, "encode lock record").WithCause(err)
	}

	f, err := os.OpenFile(m.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		defer f.Close()
		if _, err := f.Write(data); err != nil {
			return types.NewError(types.ErrInternal, "write lock record").WithCause(err)
		}
		m.held = true
		m.logger.Debug("instance lock acquired", zap.String("path", m.path))
		return nil
	}
	if !errors.Is(err, os.ErrExist) {
		return types.NewError(types.ErrInternal, "open lock file").WithCause(err)
	}

	prev, stale := m.inspect()
	if !stale {
		return types.Errorf(types.ErrLockConflict,
			"workflow already running (pid %d since %s)", prev.PID, prev.StartedAt.Format(time.RFC3339))
	}

	m.logger.Warn("overriding stale instance lock",
		zap.String("path", m.path),
		zap.Int("stale_pid", prev.PID),
	)
	if err := writeAtomic(m.path, data); err != nil {
		return types.NewError(types.ErrInternal, "override stale lock").WithCause(err)
	}
	m.held = true
	return nil
}

// inspect reads the existing record and reports whether it is stale. A
// corrupt record is always stale; it never blocks acquisition.
func (m *LockManager) inspect() (LockRecord, bool) {
	var record LockRecord
	data, err := os.ReadFile(m.path)
	if err != nil {
		return record, true
	}
	if err := json.Unmarshal(data, &record); err != nil {
		m.logger.Warn("unparseable lock record, treating as stale", zap.Error(err))
		return record, true
	}
	if record.PID <= 0 || !pidAlive(record.PID) {
		return record, true
	}
	return record, false
}

// Release removes the lock record. Safe on every exit path, including
// signal-triggered shutdown; releasing an unheld lock is a no-op.
func (m *LockManager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.held {
		return
	}
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("failed to remove lock record", zap.Error(err))
		return
	}
	m.held = false
	m.logger.Debug("instance lock released", zap.String("path", m.path))
}

// Path returns the lock file path once Acquire has been attempted.
func (m *LockManager) Path() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.path
}

// pidAlive probes the pid with signal 0. EPERM still means the process
// exists.
func pidAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func shortKey(identity string) string {
	if len(identity) > 16 {
		return identity[:16]
	}
	return identity
}

// writeAtomic writes data via a temporary file and rename, so readers never
// observe a partial record.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".taskwright-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
