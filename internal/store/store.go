// Package store persists runs, doubles as the job queue for queued runs,
// and holds the result cache table.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/compete-cli/internal/model"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = eris.New("store: not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status     model.RunStatus `json:"status,omitempty"`
	Competitor string          `json:"competitor,omitempty"`
	// CreatedAfter excludes runs created at or before this time when set.
	CreatedAfter time.Time `json:"created_after,omitempty"`
	Limit        int       `json:"limit,omitempty"`
	Offset       int       `json:"offset,omitempty"`
}

// Store defines the persistence interface for analysis runs.
type Store interface {
	// Runs
	// CreateRun stores a new run in the given status, queued when empty.
	CreateRun(ctx context.Context, req model.Request, status model.RunStatus) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	// FinishRun records the final status, result and error message.
	FinishRun(ctx context.Context, runID string, status model.RunStatus, result *model.RunResult, errMsg string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Queue
	// ClaimQueuedRun marks the oldest queued run as running and returns it,
	// or returns nil when the queue is empty.
	ClaimQueuedRun(ctx context.Context) (*model.Run, error)

	// Result cache
	GetCachedResult(ctx context.Context, key string) ([]byte, error)
	SetCachedResult(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteExpiredResults(ctx context.Context) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
