package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	es.Record(Event{JobKey: "k", Type: TypeSubmitted})
	if events, err := es.ListJobEvents(ctx, "k", 10); err != nil || len(events) != 0 {
		t.Fatalf("expected no events in ephemeral mode, got %v %v", events, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "persistent"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	if err := es.AppendRun(context.Background(), "run-1", "loqa-voice"); err != nil {
		t.Fatalf("append run: %v", err)
	}
	events := []Event{
		{RunID: "run-1", JobKey: "abc", Type: TypeSubmitted, Priority: "prefetch"},
		{RunID: "run-1", JobKey: "abc", Type: TypeFailed, Attempt: 1, ErrorKind: "provider_rejected", Detail: "status 400"},
	}
	for _, e := range events {
		if err := es.AppendEvent(context.Background(), e); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	got, err := es.ListJobEvents(context.Background(), "abc", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[1].ErrorKind != "provider_rejected" || got[1].Attempt != 1 {
		t.Fatalf("unexpected event: %+v", got[1])
	}
}

func TestRecordFlushesOnShutdown(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "persistent"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	for i := 0; i < 5; i++ {
		es.Record(Event{RunID: "run-1", JobKey: "abc", Type: TypeClaimed, Attempt: i + 1})
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := es.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, err := es.ListJobEvents(context.Background(), "abc", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 flushed events, got %d", len(got))
	}
}

func TestPruneByDays(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "persistent", RetentionDays: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendEvent(context.Background(), Event{RunID: "old", JobKey: "old-key", Type: TypeSubmitted}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendEvent(context.Background(), Event{RunID: "new", JobKey: "new-key", Type: TypeSubmitted}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	if events, _ := es.ListJobEvents(context.Background(), "old-key", 10); len(events) != 0 {
		t.Fatalf("expected old events pruned")
	}
	if events, _ := es.ListJobEvents(context.Background(), "new-key", 10); len(events) != 1 {
		t.Fatalf("expected recent event kept")
	}
}

func TestPruneSessionKeepsLatestRun(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	_ = es.AppendRun(ctx, "run-1", "loqa-voice")
	_ = es.AppendEvent(ctx, Event{RunID: "run-1", JobKey: "k", Type: TypeSubmitted})
	es.clock = func() time.Time { return time.Date(2025, 1, 1, 1, 0, 0, 0, time.UTC) }
	_ = es.AppendRun(ctx, "run-2", "loqa-voice")
	_ = es.AppendEvent(ctx, Event{RunID: "run-2", JobKey: "k", Type: TypeCompleted})

	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	events, _ := es.ListJobEvents(ctx, "k", 10)
	if len(events) != 1 || events[0].RunID != "run-2" {
		t.Fatalf("expected only run-2 events, got %+v", events)
	}
}
