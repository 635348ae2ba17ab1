// Package runlog persists runs and their event streams for post-hoc
// inspection. Writes go through an async queue so the research path never
// blocks on the database; when the queue is full the write is dropped and
// counted. The log is an observability journal, not the source of truth.
package runlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/metrics"
)

// ErrRunNotFound is returned when a run row does not exist.
var ErrRunNotFound = errors.New("runlog: run not found")

// Config holds run log settings.
type Config struct {
	Driver    string // sqlite3 or postgres
	DSN       string
	QueueSize int
	Workers   int
}

// RunRecord is one row of the runs table.
type RunRecord struct {
	ID         string    `db:"id"`
	Query      string    `db:"query"`
	Status     string    `db:"status"`
	ReportPath string    `db:"report_path"`
	Error      string    `db:"error"`
	TokensUsed int       `db:"tokens_used"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// EventRecord is one row of the run_events table.
type EventRecord struct {
	ID        int64     `db:"id"`
	RunID     string    `db:"run_id"`
	Seq       uint64    `db:"seq"`
	Type      string    `db:"type"`
	AgentID   string    `db:"agent_id"`
	Tool      string    `db:"tool"`
	Message   string    `db:"message"`
	Payload   string    `db:"payload"`
	Timestamp time.Time `db:"timestamp"`
}

type writeKind int

const (
	writeRun writeKind = iota
	writeEvent
	writeBarrier
)

type writeReq struct {
	kind     writeKind
	run      *RunRecord
	event    *EventRecord
	callback func(error)
}

// Store is the run log backed by sqlite or postgres through sqlx.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger

	queue  chan writeReq
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open connects, applies the schema, and starts the write workers.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Driver != "sqlite3" && cfg.Driver != "postgres" {
		return nil, fmt.Errorf("runlog: unsupported driver %q", cfg.Driver)
	}
	db, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("runlog: connect: %w", err)
	}
	if cfg.Driver == "sqlite3" {
		// Serialized writes; sqlite tolerates exactly one writer.
		db.SetMaxOpenConns(1)
	}
	s, err := newStore(db, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// newStore wires an already-open database. Split from Open so tests can
// inject a mock connection.
func newStore(db *sqlx.DB, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}

	s := &Store{
		db:     db,
		logger: logger,
		queue:  make(chan writeReq, cfg.QueueSize),
		stopCh: make(chan struct{}),
	}
	if err := s.applySchema(cfg.Driver); err != nil {
		return nil, err
	}
	s.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go s.writeWorker()
	}
	logger.Info("run log initialized",
		zap.String("driver", cfg.Driver),
		zap.Int("queue_size", cfg.QueueSize),
		zap.Int("workers", cfg.Workers))
	return s, nil
}

func (s *Store) applySchema(driver string) error {
	eventsPK := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if driver == "postgres" {
		eventsPK = "id BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			query TEXT NOT NULL,
			status TEXT NOT NULL,
			report_path TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			tokens_used INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS run_events (
			%s,
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			tool TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '',
			timestamp TIMESTAMP NOT NULL,
			UNIQUE (run_id, seq)
		)`, eventsPK),
		`CREATE INDEX IF NOT EXISTS idx_run_events_run_id ON run_events (run_id, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("runlog: apply schema: %w", err)
		}
	}
	return nil
}

// RecordRun queues an upsert of the run row.
func (s *Store) RecordRun(run RunRecord) {
	s.enqueue(writeReq{kind: writeRun, run: &run})
}

// AppendEvent queues an event insert. Duplicate (run, seq) pairs are ignored.
func (s *Store) AppendEvent(evt EventRecord) {
	s.enqueue(writeReq{kind: writeEvent, event: &evt})
}

// enqueue is non-blocking; when the queue is full the write is dropped and
// counted so the research path never stalls on the database.
func (s *Store) enqueue(req writeReq) {
	select {
	case s.queue <- req:
		metrics.RunLogQueueDepth.Set(float64(len(s.queue)))
	default:
		metrics.RunLogWritesDropped.Inc()
		s.logger.Warn("run log queue full, dropping write")
	}
}

// Flush waits until the queue has drained past this point. With a single
// worker that means every earlier write has been applied; with more workers a
// write picked up just before the barrier may still be in flight.
func (s *Store) Flush(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case s.queue <- writeReq{kind: writeBarrier, callback: func(err error) { done <- err }}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetRun loads one run row.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	var rec RunRecord
	query := s.db.Rebind(`SELECT id, query, status, report_path, error, tokens_used, created_at, updated_at
		FROM runs WHERE id = ?`)
	if err := s.db.GetContext(ctx, &rec, query, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("runlog: get run: %w", err)
	}
	return &rec, nil
}

// RecentRuns returns the most recently updated runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []RunRecord
	query := s.db.Rebind(`SELECT id, query, status, report_path, error, tokens_used, created_at, updated_at
		FROM runs ORDER BY updated_at DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &out, query, limit); err != nil {
		return nil, fmt.Errorf("runlog: recent runs: %w", err)
	}
	return out, nil
}

// ListEvents returns a run's events with Seq > since, in sequence order.
func (s *Store) ListEvents(ctx context.Context, runID string, since uint64) ([]EventRecord, error) {
	var out []EventRecord
	query := s.db.Rebind(`SELECT id, run_id, seq, type, agent_id, tool, message, payload, timestamp
		FROM run_events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`)
	if err := s.db.SelectContext(ctx, &out, query, runID, since); err != nil {
		return nil, fmt.Errorf("runlog: list events: %w", err)
	}
	return out, nil
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close drains pending writes and closes the database.
func (s *Store) Close() error {
	close(s.stopCh)
	s.wg.Wait()
	s.drainQueue()
	return s.db.Close()
}

func (s *Store) writeWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case req := <-s.queue:
			metrics.RunLogQueueDepth.Set(float64(len(s.queue)))
			s.process(req)
		}
	}
}

// drainQueue applies remaining writes during shutdown, bounded in time.
func (s *Store) drainQueue() {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case req := <-s.queue:
			s.process(req)
		case <-timeout:
			s.logger.Warn("timeout draining run log queue")
			return
		default:
			return
		}
	}
}

func (s *Store) process(req writeReq) {
	var err error
	switch req.kind {
	case writeRun:
		err = s.saveRun(context.Background(), req.run)
	case writeEvent:
		err = s.saveEvent(context.Background(), req.event)
	case writeBarrier:
		// No write; the callback signals that earlier queue entries ran.
	}
	if req.callback != nil {
		req.callback(err)
	}
	if err != nil {
		metrics.RunLogWritesDropped.Inc()
		s.logger.Error("run log write failed", zap.Error(err))
	}
}

func (s *Store) saveRun(ctx context.Context, run *RunRecord) error {
	if run == nil {
		return nil
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = time.Now()
	}
	query := s.db.Rebind(`INSERT INTO runs (id, query, status, report_path, error, tokens_used, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			report_path = excluded.report_path,
			error = excluded.error,
			tokens_used = excluded.tokens_used,
			updated_at = excluded.updated_at`)
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.Query, run.Status, run.ReportPath, run.Error, run.TokensUsed, run.CreatedAt, run.UpdatedAt)
	return err
}

func (s *Store) saveEvent(ctx context.Context, evt *EventRecord) error {
	if evt == nil {
		return nil
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	query := s.db.Rebind(`INSERT INTO run_events (run_id, seq, type, agent_id, tool, message, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, seq) DO NOTHING`)
	_, err := s.db.ExecContext(ctx, query,
		evt.RunID, evt.Seq, evt.Type, evt.AgentID, evt.Tool, evt.Message, evt.Payload, evt.Timestamp)
	return err
}
