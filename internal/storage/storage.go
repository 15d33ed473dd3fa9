// Package storage persists conversation threads. Every backend writes a
// thread record atomically so a failed write never corrupts the previous
// good copy.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/db"
	"github.com/zulandar/roundhouse/internal/models"
)

// Storage is durable persistence for threads keyed by thread id.
type Storage interface {
	// Save overwrites the full record for t.ID.
	Save(ctx context.Context, t *models.Thread) error
	// Load returns the stored thread, or (nil, nil) when no record exists.
	Load(ctx context.Context, threadID string) (*models.Thread, error)
	// ListThreads returns every stored thread id in ascending order.
	ListThreads(ctx context.Context) ([]string, error)
	// Delete removes the record and reports whether one existed.
	Delete(ctx context.Context, threadID string) (bool, error)
	Close() error
}

// StorageError is returned for any persistence I/O failure.
type StorageError struct {
	Op       string
	ThreadID string
	Err      error
}

func (e *StorageError) Error() string {
	if e.ThreadID == "" {
		return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage: %s %q: %v", e.Op, e.ThreadID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ErrEmptyID is wrapped in a StorageError when a thread has no id.
var ErrEmptyID = errors.New("thread id is empty")

func wrap(op, threadID string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, ThreadID: threadID, Err: err}
}

// Open builds the backend selected by cfg.Driver.
func Open(cfg config.StorageConfig) (Storage, error) {
	switch cfg.Driver {
	case "file", "":
		return NewFileStore(cfg.Path)
	case "bolt":
		return OpenBolt(cfg.Path)
	case "sqlite":
		gdb, err := db.ConnectSQLite(cfg.Path)
		if err != nil {
			return nil, wrap("open", "", err)
		}
		return NewSQLStore(gdb)
	case "mysql":
		m := cfg.MySQL
		gdb, err := db.ConnectMySQL(m.Host, m.Port, m.Database, m.User, m.Password)
		if err != nil {
			return nil, wrap("open", "", err)
		}
		return NewSQLStore(gdb)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
}
