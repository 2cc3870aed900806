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

	"github.com/loqalabs/loqa-voice/internal/config"
	_ "modernc.org/sqlite"
)

// Event types recorded on the job timeline.
const (
	TypeSubmitted      = "job.submitted"
	TypeClaimed        = "job.claimed"
	TypeCompleted      = "job.completed"
	TypeRetryScheduled = "job.retry_scheduled"
	TypeFailed         = "job.failed"
	TypeCacheHit       = "cache.hit"
	TypeCacheDeleted   = "cache.deleted"
)

const recordBuffer = 1024

// Event represents a recorded timeline entry.
type Event struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	JobKey    string    `json:"job_key"`
	AttemptID string    `json:"attempt_id,omitempty"`
	Type      string    `json:"type"`
	Priority  string    `json:"priority,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store wraps a SQLite-backed audit timeline of job lifecycle events. It is
// write-mostly: nothing in the server reads it back to rebuild state.
type Store struct {
	db      *sql.DB
	cfg     config.EventStoreConfig
	log     *slog.Logger
	clock   func() time.Time
	pending chan Event
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now, pending: make(chan Event, recordBuffer)}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now, pending: make(chan Event, recordBuffer)}

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
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    runtime_name TEXT,
    started_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS job_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    job_key TEXT NOT NULL,
    attempt_id TEXT,
    event_type TEXT NOT NULL,
    priority TEXT,
    attempt INTEGER,
    error_kind TEXT,
    detail TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_events_key_created ON job_events(job_key, created_at);
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

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// AppendRun records a server process start.
func (s *Store) AppendRun(ctx context.Context, runID, runtimeName string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, runtime_name, started_at) VALUES(?, ?, ?)
		 ON CONFLICT(run_id) DO NOTHING`,
		runID, runtimeName, s.clock().UTC().UnixNano())
	return err
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_events(run_id, job_key, attempt_id, event_type, priority, attempt, error_kind, detail, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.RunID, evt.JobKey, evt.AttemptID, evt.Type, evt.Priority, evt.Attempt, evt.ErrorKind, evt.Detail, evt.CreatedAt.UnixNano())
	return err
}

// Record queues evt for the background writer without blocking. Events are
// dropped when the buffer is full.
func (s *Store) Record(evt Event) {
	if s == nil || s.disabled() {
		return
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	select {
	case s.pending <- evt:
	default:
		s.log.Warn("event buffer full, dropping event", slog.String("type", evt.Type))
	}
}

// Run writes recorded events until ctx is done, then flushes what is left.
func (s *Store) Run(ctx context.Context) error {
	for {
		select {
		case evt := <-s.pending:
			s.write(ctx, evt)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			for {
				select {
				case evt := <-s.pending:
					s.write(flushCtx, evt)
				default:
					return nil
				}
			}
		}
	}
}

func (s *Store) write(ctx context.Context, evt Event) {
	if err := s.AppendEvent(ctx, evt); err != nil {
		s.log.Warn("failed to append event", slog.String("type", evt.Type), slog.String("error", err.Error()))
	}
}

// ListJobEvents retrieves up to limit events for a job key ordered ascending by time.
func (s *Store) ListJobEvents(ctx context.Context, jobKey string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, job_key, attempt_id, event_type, priority, attempt, error_kind, detail, created_at
		 FROM job_events WHERE job_key = ? ORDER BY created_at ASC, id ASC LIMIT ?`, jobKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			created int64
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.JobKey, &e.AttemptID, &e.Type, &e.Priority, &e.Attempt, &e.ErrorKind, &e.Detail, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
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
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM job_events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.RetentionMode == "session" {
		// Session mode keeps only the latest run's history once a newer run exists.
		_, err = tx.ExecContext(ctx, `DELETE FROM job_events WHERE run_id NOT IN (
			SELECT run_id FROM runs ORDER BY started_at DESC LIMIT 1
		)`)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
