package storage

import (
	"context"
	"errors"
	"time"

	"taskd/internal/job"
)

// ErrNoSnapshot is returned by Load when nothing has been saved yet.
var ErrNoSnapshot = errors.New("no snapshot")

// Config configures storage.
//
// Driver values:
//   - "file": flat pipe-delimited snapshot (default)
//   - "sqlite": SQLite database file
//   - "none": keep jobs in memory only
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Backend persists full snapshots of the job list.
//
// Save replaces the previous snapshot as a whole; it is never called
// concurrently by the store.
type Backend interface {
	Load(ctx context.Context) ([]job.Job, error)
	Save(ctx context.Context, jobs []job.Job) error
	Close() error
}
