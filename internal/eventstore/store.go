package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	_ "modernc.org/sqlite"
)

const (
	EventExtractCompleted    = "extract.completed"
	EventChunkCompleted      = "chunk.completed"
	EventSynthesizeCompleted = "synthesize.completed"
	EventConversionFailed    = "conversion.failed"
	EventConversionCompleted = "conversion.completed"
)

// Timestamps are stored as fixed-width UTC text so they order lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Conversion is one document-to-speech request.
type Conversion struct {
	ID        string
	MediaType string
	Language  string
	Voice     string
	Outcome   string
	CreatedAt time.Time
}

// Event represents a recorded timeline entry of a conversion.
type Event struct {
	ID           int64
	ConversionID string
	Type         string
	Payload      []byte
	CreatedAt    time.Time
}

// Store wraps a SQLite-backed conversion timeline.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "event-store"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
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

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

func (s *Store) now() string {
	return s.clock().UTC().Format(timeLayout)
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS conversions (
    conversion_id TEXT PRIMARY KEY,
    media_type TEXT,
    language TEXT,
    voice TEXT,
    outcome TEXT NOT NULL DEFAULT 'pending',
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversion_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at TEXT NOT NULL,
    FOREIGN KEY(conversion_id) REFERENCES conversions(conversion_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_conversion_created ON events(conversion_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginConversion ensures a conversion row exists.
func (s *Store) BeginConversion(ctx context.Context, c Conversion) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversions(conversion_id, media_type, language, voice, created_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(conversion_id) DO UPDATE SET media_type=excluded.media_type, language=excluded.language, voice=excluded.voice`,
		c.ID, c.MediaType, c.Language, c.Voice, s.now())
	return err
}

// FinishConversion records the outcome: "completed" or an error kind.
func (s *Store) FinishConversion(ctx context.Context, id, outcome string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE conversions SET outcome = ? WHERE conversion_id = ?`, outcome, id)
	return err
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	created := s.now()
	if !evt.CreatedAt.IsZero() {
		created = evt.CreatedAt.UTC().Format(timeLayout)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(conversion_id, event_type, payload, created_at) VALUES(?, ?, ?, ?)`,
		evt.ConversionID, evt.Type, evt.Payload, created)
	return err
}

// GetConversion returns the conversion row, or sql.ErrNoRows.
func (s *Store) GetConversion(ctx context.Context, id string) (Conversion, error) {
	if s.disabled() {
		return Conversion{}, sql.ErrNoRows
	}
	var c Conversion
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT conversion_id, media_type, language, voice, outcome, created_at FROM conversions WHERE conversion_id = ?`, id).
		Scan(&c.ID, &c.MediaType, &c.Language, &c.Voice, &c.Outcome, &created)
	if err != nil {
		return Conversion{}, err
	}
	c.CreatedAt = parseTime(created)
	return c, nil
}

// ListEvents retrieves up to limit events for a conversion ordered ascending by time.
func (s *Store) ListEvents(ctx context.Context, conversionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversion_id, event_type, payload, created_at
		 FROM events WHERE conversion_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, conversionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.ConversionID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

func parseTime(v string) time.Time {
	ts, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
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
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM conversions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxConversions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM conversions WHERE conversion_id IN (
			SELECT conversion_id FROM conversions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxConversions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
