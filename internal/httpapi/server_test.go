package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathomlabs/fathom/internal/artifact"
	"github.com/fathomlabs/fathom/internal/runlog"
	"github.com/fathomlabs/fathom/internal/session"
)

type stubStarter struct {
	run *session.Run
	err error
}

func (s *stubStarter) Start(ctx context.Context, query string) (*session.Run, error) {
	return s.run, s.err
}

func newTestServer(t *testing.T, starter Starter) (*http.ServeMux, *session.Manager, *artifact.Store) {
	t.Helper()
	sessions, err := session.NewManager(session.Config{}, nil)
	require.NoError(t, err)
	artifacts, err := artifact.NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewServer(starter, sessions, artifacts, nil, "final_report.md", nil).RegisterRoutes(mux)
	return mux, sessions, artifacts
}

func TestSubmitAccepted(t *testing.T) {
	starter := &stubStarter{run: &session.Run{ID: "run-42", Status: session.StatusPlanning}}
	mux, _, _ := newTestServer(t, starter)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/research",
		strings.NewReader(`{"query":"compare X and Y"}`)))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "run-42", resp.RunID)
	assert.Equal(t, "running", resp.Status)
	assert.Equal(t, "/stream/sse?run_id=run-42", resp.StreamURL)
}

func TestSubmitRejectsEmptyQuery(t *testing.T) {
	mux, _, _ := newTestServer(t, &stubStarter{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/research",
		strings.NewReader(`{"query":"   "}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/research",
		strings.NewReader(`not json`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitStarterFailure(t *testing.T) {
	mux, _, _ := newTestServer(t, &stubStarter{err: errors.New("pool stopped")})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/research",
		strings.NewReader(`{"query":"anything"}`)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStatusRoundTrip(t *testing.T) {
	mux, sessions, _ := newTestServer(t, &stubStarter{})
	run, err := sessions.CreateRun(context.Background(), "quantum networking")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/research/"+run.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got session.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "quantum networking", got.Query)
}

func TestStatusUnknownRun(t *testing.T) {
	mux, _, _ := newTestServer(t, &stubStarter{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/research/run-nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReportConflictWhileRunning(t *testing.T) {
	mux, sessions, _ := newTestServer(t, &stubStarter{})
	run, err := sessions.CreateRun(context.Background(), "topic")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/research/"+run.ID+"/report", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestReportServedWhenDone(t *testing.T) {
	mux, sessions, artifacts := newTestServer(t, &stubStarter{})
	run, err := sessions.CreateRun(context.Background(), "topic")
	require.NoError(t, err)

	_, err = artifacts.Write(run.ID, "final_report.md", []byte("# Report\n\nfindings"))
	require.NoError(t, err)
	run.Status = session.StatusDone
	require.NoError(t, sessions.UpdateRun(context.Background(), run))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/research/"+run.ID+"/report", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/markdown")
	assert.Contains(t, rec.Body.String(), "findings")
}

func TestRecentRunsDisabledWithoutRunLog(t *testing.T) {
	mux, _, _ := newTestServer(t, &stubStarter{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/research", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRecentRunsListed(t *testing.T) {
	sessions, err := session.NewManager(session.Config{}, nil)
	require.NoError(t, err)
	artifacts, err := artifact.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	runLog, err := runlog.Open(runlog.Config{
		Driver: "sqlite3",
		DSN:    filepath.Join(t.TempDir(), "runs.db"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { runLog.Close() })

	runLog.RecordRun(runlog.RunRecord{ID: "run-a", Query: "first", Status: "done"})
	runLog.RecordRun(runlog.RunRecord{ID: "run-b", Query: "second", Status: "failed"})
	require.NoError(t, runLog.Flush(context.Background()))

	mux := http.NewServeMux()
	NewServer(&stubStarter{}, sessions, artifacts, runLog, "final_report.md", nil).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/research?limit=10", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Runs []map[string]any `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Runs, 2)
}

func TestCORSPreflight(t *testing.T) {
	mux, _, _ := newTestServer(t, &stubStarter{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/v1/research", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
