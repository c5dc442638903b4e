// Package history persists run summaries in a local SQLite database so
// operators can inspect past runs without scraping logs.
package history

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Run is one finished (or interrupted) workflow run.
type Run struct {
	ID          uint      `gorm:"primaryKey"`
	RunID       string    `gorm:"index;size:64"`
	Path        string    `gorm:"index"`
	Fingerprint string    `gorm:"size:64"`
	Status      string    `gorm:"index;size:16"` // succeeded, failed, interrupted
	Resumed     bool      ``
	TasksRun    int       ``
	ExitCode    int       ``
	DurationMS  int64     ``
	StartedAt   time.Time `gorm:"index"`
}

// Store is the run history database.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the history database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := db.AutoMigrate(&Run{}); err != nil {
		return nil, fmt.Errorf("failed to migrate history schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "history")),
	}, nil
}

// Append records one finished run.
func (s *Store) Append(run *Run) error {
	if err := s.db.Create(run).Error; err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	s.logger.Debug("history appended",
		zap.String("run_id", run.RunID),
		zap.String("status", run.Status),
	)
	return nil
}

// List returns the most recent runs, newest first, optionally filtered by
// workflow path. limit <= 0 means a default of 20.
func (s *Store) List(path string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	q := s.db.Order("started_at desc").Limit(limit)
	if path != "" {
		q = q.Where("path = ?", path)
	}
	var runs []Run
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	return runs, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
