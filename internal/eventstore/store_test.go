package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
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
	if err := es.BeginConversion(ctx, Conversion{ID: "c"}); err != nil {
		t.Fatalf("ephemeral begin must be a no-op: %v", err)
	}
	if events, err := es.ListEvents(ctx, "c", 10); err != nil || events != nil {
		t.Fatalf("expected no events, got %v %v", events, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	ctx := context.Background()
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "session"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	conv := Conversion{ID: "conv-123", MediaType: "application/pdf", Language: "en-IN", Voice: "anushka"}
	if err := es.BeginConversion(ctx, conv); err != nil {
		t.Fatalf("begin conversion: %v", err)
	}
	for _, typ := range []string{EventExtractCompleted, EventChunkCompleted, EventSynthesizeCompleted} {
		if err := es.AppendEvent(ctx, Event{ConversionID: conv.ID, Type: typ, Payload: []byte(`{"ok":true}`)}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	if err := es.FinishConversion(ctx, conv.ID, "completed"); err != nil {
		t.Fatalf("finish: %v", err)
	}

	events, err := es.ListEvents(ctx, conv.ID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 || events[0].Type != EventExtractCompleted || events[2].Type != EventSynthesizeCompleted {
		t.Fatalf("unexpected events %+v", events)
	}
	if string(events[1].Payload) != `{"ok":true}` || events[1].CreatedAt.IsZero() {
		t.Fatalf("unexpected event %+v", events[1])
	}

	got, err := es.GetConversion(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get conversion: %v", err)
	}
	if got.Outcome != "completed" || got.Voice != "anushka" || got.CreatedAt.IsZero() {
		t.Fatalf("unexpected conversion %+v", got)
	}
	if _, err := es.GetConversion(ctx, "missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected no rows, got %v", err)
	}
}

func TestPruneByDaysAndConversions(t *testing.T) {
	ctx := context.Background()
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "persistent", RetentionDays: 1, MaxConversions: 1}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginConversion(ctx, Conversion{ID: "old"}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{ConversionID: "old", Type: EventExtractCompleted}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, id := range []string{"mid", "new"} {
		if err := es.BeginConversion(ctx, Conversion{ID: id}); err != nil {
			t.Fatalf("begin: %v", err)
		}
		es.clock = func() time.Time { return time.Date(2025, 1, 3, 1, 0, 0, 0, time.UTC) }
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListEvents(ctx, "old", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old conversion pruned")
	}
	if _, err := es.GetConversion(ctx, "mid"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected mid trimmed by max_conversions, got %v", err)
	}
	if _, err := es.GetConversion(ctx, "new"); err != nil {
		t.Fatalf("expected newest conversion kept: %v", err)
	}
}
