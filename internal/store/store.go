package store

import "context"

// RunStore persists workflow run history and their execution traces.
// Implementations must be safe for concurrent use.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, id string, update RunUpdate) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRunsBefore(ctx context.Context, cutoff int64) (int64, error)
	Close() error
}
