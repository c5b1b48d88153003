package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/loqalabs/loqa-translate/internal/config"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so stored timestamps order lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Record is the audit entry for one translation. It holds metadata only:
// transcript and translation text are never stored.
type Record struct {
	ID         int64         `json:"id"`
	SessionID  string        `json:"session_id"`
	TraceID    string        `json:"trace_id,omitempty"`
	Origin     string        `json:"origin"`
	SourceLang string        `json:"source_lang"`
	TargetLang string        `json:"target_lang"`
	Outcome    string        `json:"outcome"`
	Status     int           `json:"status"`
	TextLength int           `json:"text_length"`
	Latency    time.Duration `json:"latency"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Store wraps a SQLite-backed translation audit trail.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. Ephemeral mode keeps no
// database and every write is a no-op.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    origin TEXT,
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS translations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    trace_id TEXT,
    origin TEXT,
    source_lang TEXT,
    target_lang TEXT,
    outcome TEXT NOT NULL,
    status INTEGER NOT NULL,
    text_length INTEGER NOT NULL,
    latency_ms INTEGER NOT NULL,
    created_at TEXT NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_translations_session_created ON translations(session_id, created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendTranslation records one gateway call, creating its session row on
// first use.
func (s *Store) AppendTranslation(ctx context.Context, rec Record) error {
	if s.disabled() {
		return nil
	}
	if rec.SessionID == "" {
		return errors.New("audit record without session id")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock()
	}
	created := rec.CreatedAt.UTC().Format(timeLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query, args, err := sq.Insert("sessions").
		Columns("session_id", "origin", "created_at").
		Values(rec.SessionID, rec.Origin, created).
		Suffix("ON CONFLICT(session_id) DO NOTHING").
		ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	query, args, err = sq.Insert("translations").
		Columns("session_id", "trace_id", "origin", "source_lang", "target_lang", "outcome", "status", "text_length", "latency_ms", "created_at").
		Values(rec.SessionID, rec.TraceID, rec.Origin, rec.SourceLang, rec.TargetLang, rec.Outcome, rec.Status, rec.TextLength, rec.Latency.Milliseconds(), created).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert translation: %w", err)
	}
	return tx.Commit()
}

// ListSessionTranslations retrieves up to limit records for a session ordered
// ascending by time.
func (s *Store) ListSessionTranslations(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	query, args, err := sq.Select("id", "session_id", "trace_id", "origin", "source_lang", "target_lang", "outcome", "status", "text_length", "latency_ms", "created_at").
		From("translations").
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("created_at ASC", "id ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var latencyMS int64
		var created string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.TraceID, &r.Origin, &r.SourceLang, &r.TargetLang, &r.Outcome, &r.Status, &r.TextLength, &latencyMS, &created); err != nil {
			return nil, err
		}
		r.Latency = time.Duration(latencyMS) * time.Millisecond
		if ts, err := time.Parse(timeLayout, created); err == nil {
			r.CreatedAt = ts
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().Format(timeLayout)
		for _, table := range []string{"translations", "sessions"} {
			query, args, buildErr := sq.Delete(table).Where(sq.Lt{"created_at": cutoff}).ToSql()
			if buildErr != nil {
				return buildErr
			}
			if _, err = tx.ExecContext(ctx, query, args...); err != nil {
				return err
			}
		}
	}
	if s.cfg.MaxSessions > 0 {
		query, args, buildErr := sq.Delete("sessions").
			Where("session_id IN (SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?)", s.cfg.MaxSessions).
			ToSql()
		if buildErr != nil {
			return buildErr
		}
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return tx.Commit()
}
