package runlog

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.MatchExpectationsInOrder(false)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS runs")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS run_events")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX IF NOT EXISTS idx_run_events_run_id")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	s, err := newStore(sqlx.NewDb(db, "sqlmock"), Config{Driver: "sqlite3", Workers: 1, QueueSize: 8}, nil)
	require.NoError(t, err)
	return s, mock
}

func flush(t *testing.T, s *Store) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Flush(ctx))
}

func TestRecordRunUpserts(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO runs")).
		WithArgs("run-1", "what is raft", "planning", "", "", 0, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	s.RecordRun(RunRecord{ID: "run-1", Query: "what is raft", Status: "planning"})
	flush(t, s)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEventInserts(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO run_events")).
		WithArgs("run-1", 3, "TOOL_INVOKED", "Beagle", "research", "step 1", `{"q":1}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	s.AppendEvent(EventRecord{
		RunID:   "run-1",
		Seq:     3,
		Type:    "TOOL_INVOKED",
		AgentID: "Beagle",
		Tool:    "research",
		Message: "step 1",
		Payload: `{"q":1}`,
	})
	flush(t, s)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRun(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, query, status, report_path, error, tokens_used, created_at, updated_at")).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "query", "status", "report_path", "error", "tokens_used", "created_at", "updated_at",
		}).AddRow("run-1", "q", "done", "/reports/run-1/final_report.md", "", 123, now, now))

	rec, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "done", rec.Status)
	assert.Equal(t, 123, rec.TokensUsed)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, query, status")).
		WithArgs("run-missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = s.GetRun(context.Background(), "run-missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRecentRuns(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM runs ORDER BY updated_at DESC LIMIT ?")).
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "query", "status", "report_path", "error", "tokens_used", "created_at", "updated_at",
		}).
			AddRow("run-2", "newer", "running", "", "", 0, now, now).
			AddRow("run-1", "older", "done", "", "", 50, now.Add(-time.Hour), now.Add(-time.Hour)))

	runs, err := s.RecentRuns(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Equal(t, "done", runs[1].Status)
}

func TestListEvents(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, run_id, seq, type, agent_id, tool, message, payload, timestamp")).
		WithArgs("run-1", 1).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "run_id", "seq", "type", "agent_id", "tool", "message", "payload", "timestamp",
		}).
			AddRow(10, "run-1", 2, "STEP_STARTED", "", "", "", "", now).
			AddRow(11, "run-1", 3, "STEP_COMPLETED", "", "", "", "", now))

	events, err := s.ListEvents(context.Background(), "run-1", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(2), events[0].Seq)
	assert.Equal(t, "STEP_COMPLETED", events[1].Type)
}

func TestQueueOverflowDropsWrites(t *testing.T) {
	// A store whose worker never runs: once the queue fills, further writes
	// must be dropped rather than stalling the caller.
	s := &Store{
		logger: zap.NewNop(),
		queue:  make(chan writeReq, 1),
		stopCh: make(chan struct{}),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.AppendEvent(EventRecord{RunID: "run-1", Seq: 1, Type: "STEP_STARTED"})
		s.AppendEvent(EventRecord{RunID: "run-1", Seq: 2, Type: "STEP_STARTED"})
		s.RecordRun(RunRecord{ID: "run-1", Query: "q", Status: "running"})
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}

	// Only the first write made it in; the overflow never reached the queue.
	require.Len(t, s.queue, 1)
	req := <-s.queue
	assert.Equal(t, uint64(1), req.event.Seq)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle", DSN: "x"}, nil)
	require.Error(t, err)
}

// TestSQLiteRoundTrip exercises the real driver when it is available.
func TestSQLiteRoundTrip(t *testing.T) {
	s, err := Open(Config{Driver: "sqlite3", DSN: ":memory:", Workers: 1}, nil)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	s.RecordRun(RunRecord{ID: "run-1", Query: "q", Status: "planning"})
	s.RecordRun(RunRecord{ID: "run-1", Query: "q", Status: "done", TokensUsed: 9})
	for i := 1; i <= 3; i++ {
		s.AppendEvent(EventRecord{RunID: "run-1", Seq: uint64(i), Type: "STEP_STARTED"})
	}
	// Duplicate seq is ignored.
	s.AppendEvent(EventRecord{RunID: "run-1", Seq: 2, Type: "STEP_STARTED"})
	flush(t, s)

	rec, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "done", rec.Status)
	assert.Equal(t, 9, rec.TokensUsed)

	events, err := s.ListEvents(ctx, "run-1", 0)
	require.NoError(t, err)
	assert.Len(t, events, 3)

	events, err = s.ListEvents(ctx, "run-1", 2)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(3), events[0].Seq)

	require.NoError(t, s.Ping(ctx))
}
