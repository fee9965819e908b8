package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func record(t *testing.T, s *SQLiteStore, handleID, kind string, at time.Time) *model.EngineEvent {
	t.Helper()
	ev := &model.EngineEvent{
		ID:        model.NewID(),
		HandleID:  handleID,
		Kind:      kind,
		Detail:    "detail for " + kind,
		CreatedAt: at,
	}
	if err := s.RecordEngineEvent(context.Background(), ev); err != nil {
		t.Fatalf("RecordEngineEvent: %v", err)
	}
	return ev
}

func TestRecordAndListEngineEvents(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC().Truncate(time.Second)

	first := record(t, s, "h1", model.EventStarted, base)
	second := record(t, s, "h1", model.EventCrashed, base.Add(time.Second))

	got, total, err := s.ListEngineEvents(context.Background(), EventFilter{})
	if err != nil {
		t.Fatalf("ListEngineEvents: %v", err)
	}
	if total != 2 {
		t.Errorf("total = %d, want 2", total)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != second.ID || got[1].ID != first.ID {
		t.Errorf("order = [%s %s], want newest first", got[0].Kind, got[1].Kind)
	}
	if got[1].Detail != first.Detail || got[1].HandleID != "h1" {
		t.Errorf("round trip mismatch: %+v", got[1])
	}
	if !got[1].CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got[1].CreatedAt, first.CreatedAt)
	}
}

func TestRecordFillsIDAndTimestamp(t *testing.T) {
	s := newTestStore(t)
	ev := &model.EngineEvent{HandleID: "h1", Kind: model.EventStarted}
	if err := s.RecordEngineEvent(context.Background(), ev); err != nil {
		t.Fatalf("RecordEngineEvent: %v", err)
	}
	if ev.ID == "" || ev.CreatedAt.IsZero() {
		t.Errorf("event not filled in: %+v", ev)
	}
}

func TestRecordRejectsIncompleteEvent(t *testing.T) {
	s := newTestStore(t)
	for _, ev := range []*model.EngineEvent{
		{Kind: model.EventStarted},
		{HandleID: "h1"},
	} {
		if err := s.RecordEngineEvent(context.Background(), ev); !errors.Is(err, ErrInvalidEvent) {
			t.Errorf("RecordEngineEvent(%+v) = %v, want ErrInvalidEvent", ev, err)
		}
	}
}

func TestListEngineEventsFilters(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()
	record(t, s, "h1", model.EventStarted, base)
	record(t, s, "h1", model.EventTimedOut, base.Add(time.Second))
	record(t, s, "h2", model.EventStarted, base.Add(2*time.Second))

	tests := []struct {
		name   string
		filter EventFilter
		want   int
	}{
		{"by handle", EventFilter{HandleID: "h1"}, 2},
		{"by kind", EventFilter{Kind: model.EventStarted}, 2},
		{"by handle and kind", EventFilter{HandleID: "h2", Kind: model.EventStarted}, 1},
		{"no match", EventFilter{HandleID: "h3"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, total, err := s.ListEngineEvents(context.Background(), tt.filter)
			if err != nil {
				t.Fatalf("ListEngineEvents: %v", err)
			}
			if total != tt.want || len(got) != tt.want {
				t.Errorf("got %d events (total %d), want %d", len(got), total, tt.want)
			}
		})
	}
}

func TestListEngineEventsPagination(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		record(t, s, "h1", model.EventStarted, base.Add(time.Duration(i)*time.Second))
	}

	page, total, err := s.ListEngineEvents(context.Background(), EventFilter{Limit: 2, Offset: 4})
	if err != nil {
		t.Fatalf("ListEngineEvents: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page) != 1 {
		t.Errorf("len = %d, want 1", len(page))
	}
}

func TestCountEngineEvents(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	record(t, s, "h1", model.EventStarted, now)
	record(t, s, "h2", model.EventStarted, now)
	record(t, s, "h1", model.EventCrashed, now)

	counts, err := s.CountEngineEvents(context.Background())
	if err != nil {
		t.Fatalf("CountEngineEvents: %v", err)
	}
	if counts[model.EventStarted] != 2 || counts[model.EventCrashed] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestPruneEngineEvents(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	record(t, s, "h1", model.EventStarted, now.Add(-48*time.Hour))
	record(t, s, "h1", model.EventRecycled, now.Add(-25*time.Hour))
	record(t, s, "h2", model.EventStarted, now)

	n, err := s.PruneEngineEvents(context.Background(), now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneEngineEvents: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d, want 2", n)
	}
	_, total, err := s.ListEngineEvents(context.Background(), EventFilter{})
	if err != nil {
		t.Fatalf("ListEngineEvents: %v", err)
	}
	if total != 1 {
		t.Errorf("total = %d after prune, want 1", total)
	}
}

func TestStoreReopensFileDatabase(t *testing.T) {
	path := t.TempDir() + "/anvil.db"
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	ev := &model.EngineEvent{HandleID: "h1", Kind: model.EventStarted}
	if err := s.RecordEngineEvent(context.Background(), ev); err != nil {
		t.Fatalf("RecordEngineEvent: %v", err)
	}
	s.Close()

	s2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	_, total, err := s2.ListEngineEvents(context.Background(), EventFilter{})
	if err != nil {
		t.Fatalf("ListEngineEvents: %v", err)
	}
	if total != 1 {
		t.Errorf("total = %d after reopen, want 1", total)
	}
}
