// Package journal keeps a SQLite record of listening sessions and their
// transcripts.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-listen/internal/config"
	_ "modernc.org/sqlite"
)

const (
	RetentionEphemeral  = "ephemeral"
	RetentionSession    = "session"
	RetentionPersistent = "persistent"
)

// Session is one row of the sessions table.
type Session struct {
	ID        string
	Locale    string
	Backend   string
	Outcome   string
	FinalText string
	StartedAt time.Time
	EndedAt   time.Time
}

// Event is one transcript or failure recorded for a session.
type Event struct {
	ID        int64
	SessionID string
	Kind      string
	Text      string
	CreatedAt time.Time
}

// Store is a SQLite-backed session journal. With ephemeral retention it has
// no database and every method is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open prepares the journal. Session retention starts every run with an empty
// journal; persistent retention prunes by age and count.
func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Store, error) {
	s := &Store{cfg: cfg, log: log.With(slog.String("component", "journal")), clock: time.Now}
	if cfg.RetentionMode == RetentionEphemeral {
		return s, nil
	}

	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
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
	s.db = db

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}

	if cfg.RetentionMode == RetentionSession {
		if err := s.clear(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("clear journal: %w", err)
		}
	}
	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			s.log.Warn("journal vacuum failed", slogError(err))
		}
	}
	if err := s.Prune(ctx); err != nil {
		s.log.Warn("journal prune on start failed", slogError(err))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    locale TEXT NOT NULL,
    backend TEXT,
    outcome TEXT,
    final_text TEXT,
    started_at INTEGER NOT NULL,
    ended_at INTEGER
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    text TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions`)
	return err
}

func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

func (s *Store) Close() error {
	if !s.Enabled() {
		return nil
	}
	return s.db.Close()
}

// StartSession inserts the session row.
func (s *Store) StartSession(ctx context.Context, id, locale, backend string) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, locale, backend, started_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET locale=excluded.locale, backend=excluded.backend`,
		id, locale, backend, s.now())
	return err
}

// AppendEvent records a transcript or failure for a session.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.Enabled() {
		return nil
	}
	created := evt.CreatedAt
	if created.IsZero() {
		created = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, kind, text, created_at) VALUES(?, ?, ?, ?)`,
		evt.SessionID, evt.Kind, evt.Text, created.UnixMilli())
	return err
}

// EndSession stamps the outcome. finalText is kept only when non-empty so a
// transcript recorded earlier is not erased by a later outcome update.
func (s *Store) EndSession(ctx context.Context, id, outcome, finalText string) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET outcome = ?, final_text = COALESCE(NULLIF(?, ''), final_text), ended_at = ?
		 WHERE session_id = ?`,
		outcome, finalText, s.now(), id)
	return err
}

// Sessions lists the most recent sessions first.
func (s *Store) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, locale, COALESCE(backend, ''), COALESCE(outcome, ''), COALESCE(final_text, ''),
		        started_at, COALESCE(ended_at, 0)
		 FROM sessions ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var started, ended int64
		if err := rows.Scan(&sess.ID, &sess.Locale, &sess.Backend, &sess.Outcome, &sess.FinalText, &started, &ended); err != nil {
			return nil, err
		}
		sess.StartedAt = time.UnixMilli(started).UTC()
		if ended > 0 {
			sess.EndedAt = time.UnixMilli(ended).UTC()
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SessionEvents returns up to limit events for a session, oldest first.
func (s *Store) SessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, kind, COALESCE(text, ''), created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &e.Text, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies retention_days and max_sessions.
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, tx.Rollback())
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC, rowid DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) now() int64 {
	return s.clock().UnixMilli()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
