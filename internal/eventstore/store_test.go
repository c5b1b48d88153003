package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-translate/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	es, err := Open(ctx, config.EventStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.AppendTranslation(ctx, Record{SessionID: "s"}); err != nil {
		t.Fatalf("ephemeral append should be a no-op: %v", err)
	}
	records, err := es.ListSessionTranslations(ctx, "s", 10)
	if err != nil || records != nil {
		t.Fatalf("expected no records, got %v (%v)", records, err)
	}
}

func TestAppendAndList(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "audit.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	first := Record{SessionID: "session-123", Origin: "http", SourceLang: "en-US", TargetLang: "es-ES", Outcome: "ok", Status: 200, TextLength: 41, Latency: 350 * time.Millisecond}
	second := Record{SessionID: "session-123", Origin: "http", TargetLang: "es-ES", Outcome: "upstream_error", Status: 500, TextLength: 5}
	for _, rec := range []Record{first, second} {
		if err := es.AppendTranslation(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	records, err := es.ListSessionTranslations(ctx, "session-123", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Outcome != "ok" || records[0].Latency != 350*time.Millisecond || records[0].TextLength != 41 {
		t.Fatalf("unexpected first record %+v", records[0])
	}
	if records[1].Status != 500 {
		t.Fatalf("unexpected second record %+v", records[1])
	}
	if records[0].CreatedAt.IsZero() {
		t.Fatal("expected created_at to round-trip")
	}
}

func TestAppendRequiresSession(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "audit.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.AppendTranslation(context.Background(), Record{}); err == nil {
		t.Fatal("expected error for missing session id")
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "audit.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendTranslation(ctx, Record{SessionID: "old-session", Outcome: "ok", Status: 200}); err != nil {
		t.Fatalf("append: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, id := range []string{"mid-session", "new-session"} {
		if err := es.AppendTranslation(ctx, Record{SessionID: id, Outcome: "ok", Status: 200}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	old, err := es.ListSessionTranslations(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(old) != 0 {
		t.Fatalf("expected old session pruned by age")
	}
	var remaining int
	for _, id := range []string{"mid-session", "new-session"} {
		records, err := es.ListSessionTranslations(ctx, id, 10)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		remaining += len(records)
	}
	if remaining != 1 {
		t.Fatalf("expected max_sessions to keep one session, got %d records", remaining)
	}
}
