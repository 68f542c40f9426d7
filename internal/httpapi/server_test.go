package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelquant/backtestlab/internal/backtest/core"
	"github.com/kestrelquant/backtestlab/internal/persistence"
)

type fakeRunRepo struct {
	runs map[string]core.BacktestResults
}

func (f *fakeRunRepo) SaveRun(ctx context.Context, result core.BacktestResults) error {
	f.runs[result.RunID] = result
	return nil
}
func (f *fakeRunRepo) GetRun(ctx context.Context, runID string) (*core.BacktestResults, error) {
	r, ok := f.runs[runID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}
func (f *fakeRunRepo) ListRuns(ctx context.Context, tr persistence.TimeRange, limit int) ([]persistence.RunSummary, error) {
	return nil, nil
}
func (f *fakeRunRepo) DeleteRun(ctx context.Context, runID string) error { return nil }

type fakeHealth struct{ healthy bool }

func (f *fakeHealth) Health(ctx context.Context) persistence.HealthCheck {
	return persistence.HealthCheck{Healthy: f.healthy, LastCheck: time.Unix(0, 0).UTC()}
}
func (f *fakeHealth) Ping(ctx context.Context) error { return nil }

func serverForTest(runs persistence.RunRepo, health persistence.RepositoryHealth) *Server {
	s := &Server{
		router: mux.NewRouter(),
		runs:   runs,
		health: health,
		logger: zerolog.Nop(),
	}
	s.setupRoutes()
	return s
}

func TestHandleGetRun_Found(t *testing.T) {
	repo := &fakeRunRepo{runs: map[string]core.BacktestResults{
		"BT_1": {RunID: "BT_1", TotalReturn: 0.1},
	}}
	s := serverForTest(repo, &fakeHealth{healthy: true})

	req := httptest.NewRequest(http.MethodGet, "/runs/BT_1", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got core.BacktestResults
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "BT_1", got.RunID)
	assert.InDelta(t, 0.1, got.TotalReturn, 1e-9)
}

func TestHandleGetRun_NotFound(t *testing.T) {
	repo := &fakeRunRepo{runs: map[string]core.BacktestResults{}}
	s := serverForTest(repo, &fakeHealth{healthy: true})

	req := httptest.NewRequest(http.MethodGet, "/runs/missing", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleHealthz_Unhealthy(t *testing.T) {
	s := serverForTest(&fakeRunRepo{runs: map[string]core.BacktestResults{}}, &fakeHealth{healthy: false})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNotFoundHandler(t *testing.T) {
	s := serverForTest(&fakeRunRepo{runs: map[string]core.BacktestResults{}}, &fakeHealth{healthy: true})

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
