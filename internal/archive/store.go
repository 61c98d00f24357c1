package archive

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
	"github.com/loqalabs/loqa-listen/internal/events"
	_ "modernc.org/sqlite"
)

// Session is an archived listening session.
type Session struct {
	ID         string
	StartedAt  time.Time
	EndedAt    time.Time
	State      string
	Reason     string
	Utterances int
}

// Transcript is one archived finalized utterance.
type Transcript struct {
	ID         int64
	SessionID  string
	Text       string
	Confidence float64
	CreatedAt  time.Time
}

// ErrReadOnly is returned by writes to an archive opened with ReadOnly.
var ErrReadOnly = errors.New("archive opened read-only")

// Store wraps a SQLite-backed transcript archive.
type Store struct {
	db       *sql.DB
	cfg      config.HistoryConfig
	log      *slog.Logger
	clock    func() time.Time
	readOnly bool
}

// Option adjusts how Open prepares the archive.
type Option func(*Store)

// ReadOnly opens the archive for listing: no vacuum, no pruning, and writes fail with
// ErrReadOnly.
func ReadOnly() Option {
	return func(s *Store) { s.readOnly = true }
}

// Open initializes the archive according to config. Ephemeral mode never touches disk.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger, opts ...Option) (*Store, error) {
	log = log.With(slog.String("component", "archive"))
	s := &Store{cfg: cfg, log: log, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.RetentionMode == "ephemeral" {
		return s, nil
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

	s.db = db

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if s.readOnly {
		return s, nil
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("archive vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("archive prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    started_at INTEGER NOT NULL,
    ended_at INTEGER,
    state TEXT NOT NULL DEFAULT 'listening',
    reason TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS transcripts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    text TEXT NOT NULL,
    confidence REAL NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_transcripts_session_created ON transcripts(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// writable returns ErrReadOnly for read-only archives.
func (s *Store) writable() error {
	if s.readOnly {
		return ErrReadOnly
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginSession records a session row. Calling it again for the same ID is a no-op.
func (s *Store) BeginSession(ctx context.Context, sessionID string) error {
	if err := s.writable(); err != nil {
		return err
	}
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, started_at) VALUES(?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sessionID, s.clock().UTC().UnixNano())
	return err
}

// EndSession stores the terminal state and reason of a session.
func (s *Store) EndSession(ctx context.Context, sessionID, state, reason string) error {
	if err := s.writable(); err != nil {
		return err
	}
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, state = ?, reason = ? WHERE session_id = ?`,
		s.clock().UTC().UnixNano(), state, reason, sessionID)
	return err
}

// AppendTranscript writes a finalized utterance.
func (s *Store) AppendTranscript(ctx context.Context, tr Transcript) error {
	if err := s.writable(); err != nil {
		return err
	}
	if s.disabled() {
		return nil
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts(session_id, text, confidence, created_at) VALUES(?, ?, ?, ?)`,
		tr.SessionID, tr.Text, tr.Confidence, tr.CreatedAt.UTC().UnixNano())
	return err
}

// Consume archives a session from its event stream: the session row on entry, every final
// transcript in order, and the terminal state once it arrives. It returns when the channel
// closes or ctx is done, reporting how many transcripts were written.
func (s *Store) Consume(ctx context.Context, sessionID string, ch <-chan events.Event) (int, error) {
	if err := s.BeginSession(ctx, sessionID); err != nil {
		return 0, fmt.Errorf("archive session: %w", err)
	}
	written := 0
	var errs []error
	for {
		select {
		case <-ctx.Done():
			return written, errors.Join(errs...)
		case e, ok := <-ch:
			if !ok {
				return written, errors.Join(errs...)
			}
			switch {
			case e.Kind == events.KindFinal:
				err := s.AppendTranscript(ctx, Transcript{
					SessionID:  sessionID,
					Text:       e.Text,
					Confidence: e.Confidence,
					CreatedAt:  e.Timestamp,
				})
				if err != nil {
					s.log.Warn("failed to archive transcript", slog.String("session_id", sessionID), slog.String("error", err.Error()))
					errs = append(errs, err)
					continue
				}
				written++
			case e.Terminal():
				if err := s.EndSession(ctx, sessionID, e.State, e.Reason); err != nil {
					s.log.Warn("failed to archive session end", slog.String("session_id", sessionID), slog.String("error", err.Error()))
					errs = append(errs, err)
				}
			}
		}
	}
}

// ListSessions returns up to limit sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.session_id, s.started_at, s.ended_at, s.state, s.reason,
		        (SELECT COUNT(*) FROM transcripts t WHERE t.session_id = s.session_id)
		 FROM sessions s ORDER BY s.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			sess    Session
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&sess.ID, &started, &ended, &sess.State, &sess.Reason, &sess.Utterances); err != nil {
			return nil, err
		}
		sess.StartedAt = time.Unix(0, started).UTC()
		if ended.Valid {
			sess.EndedAt = time.Unix(0, ended.Int64).UTC()
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ListTranscripts retrieves up to limit transcripts for a session in recognition order.
func (s *Store) ListTranscripts(ctx context.Context, sessionID string, limit int) ([]Transcript, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, text, confidence, created_at
		 FROM transcripts WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transcripts []Transcript
	for rows.Next() {
		var (
			tr      Transcript
			created int64
		)
		if err := rows.Scan(&tr.ID, &tr.SessionID, &tr.Text, &tr.Confidence, &created); err != nil {
			return nil, err
		}
		tr.CreatedAt = time.Unix(0, created).UTC()
		transcripts = append(transcripts, tr)
	}
	return transcripts, rows.Err()
}

// Prune applies configured retention (called on startup).
func (s *Store) Prune(ctx context.Context) (err error) {
	if err := s.writable(); err != nil {
		return err
	}
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
