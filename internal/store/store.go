package store

import (
	"context"
	"time"

	"github.com/seantiz/anvil/internal/model"
)

// EventFilter narrows an engine event listing. Zero fields match everything.
type EventFilter struct {
	HandleID string
	Kind     string
	Limit    int
	Offset   int
}

// Store persists the engine lifecycle log.
type Store interface {
	RecordEngineEvent(ctx context.Context, ev *model.EngineEvent) error
	ListEngineEvents(ctx context.Context, f EventFilter) ([]*model.EngineEvent, int, error)
	CountEngineEvents(ctx context.Context) (map[string]int, error)
	PruneEngineEvents(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
