// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/fleet/dispatch"
	"github.com/fetcharr/fetcharr/internal/pipeline/model"
	"github.com/fetcharr/fetcharr/internal/pipeline/store"
	"github.com/fetcharr/fetcharr/internal/pipeline/template"
	"github.com/fetcharr/fetcharr/internal/pipeline/worker"
	"github.com/fetcharr/fetcharr/internal/resilience"
)

func newTestServer(t *testing.T) (*Server, *worker.Orchestrator) {
	t.Helper()
	breakers := resilience.NewCircuitBreakerService(resilience.NewMemoryBreakerStore())
	retry := resilience.NewRetryStrategy(breakers)
	orch := worker.New(store.NewMemoryStore(), template.NewStatic(template.Defaults()), retry)
	return New(orch, dispatch.New(), breakers), orch
}

func doJSON(t *testing.T, handler http.Handler, method, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Router(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCorrelationIDGenerated(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Router(), http.MethodGet, "/healthz", nil)
	assert.NotEmpty(t, rec.Header().Get(HeaderCorrelationID))
}

func TestCorrelationIDEchoed(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(HeaderCorrelationID, "corr-42")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, "corr-42", rec.Header().Get(HeaderCorrelationID))
}

func TestReadyz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Router(), http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Router(), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestFleetEmpty(t *testing.T) {
	s, _ := newTestServer(t)
	var body struct {
		Total    int                 `json:"total"`
		Encoders []dispatch.NodeInfo `json:"encoders"`
	}
	rec := doJSON(t, s.Router(), http.MethodGet, "/api/fleet", &body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, body.Total)
}

func TestRequestStats(t *testing.T) {
	s, orch := newTestServer(t)
	req, err := orch.CreateRequest(context.Background(), model.RequestSpec{
		MediaType: model.RequestTV,
		Title:     "Show",
		Episodes:  []model.EpisodeSpec{{Season: 1, Episode: 1}, {Season: 1, Episode: 2}},
	})
	require.NoError(t, err)

	var stats model.RequestStats
	rec := doJSON(t, s.Router(), http.MethodGet, "/api/requests/"+req.ID+"/stats", &stats)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Pending)
}

func TestItemLookupAndErrors(t *testing.T) {
	s, orch := newTestServer(t)
	req, err := orch.CreateRequest(context.Background(), model.RequestSpec{
		MediaType: model.RequestMovie,
		Title:     "Movie",
	})
	require.NoError(t, err)
	itemID := req.Items[0].ID

	var item model.ProcessingItem
	rec := doJSON(t, s.Router(), http.MethodGet, "/api/items/"+itemID, &item)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.StatusPending, item.Status)

	rec = doJSON(t, s.Router(), http.MethodGet, "/api/items/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetryConflict(t *testing.T) {
	s, orch := newTestServer(t)
	req, err := orch.CreateRequest(context.Background(), model.RequestSpec{
		MediaType: model.RequestMovie,
		Title:     "Movie",
	})
	require.NoError(t, err)
	itemID := req.Items[0].ID

	// Retrying a PENDING item is an illegal state move.
	rec := doJSON(t, s.Router(), http.MethodPost, "/api/items/"+itemID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, s.Router(), http.MethodPost, "/api/items/"+itemID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Cancelling twice conflicts.
	rec = doJSON(t, s.Router(), http.MethodPost, "/api/items/"+itemID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBreakersView(t *testing.T) {
	s, _ := newTestServer(t)
	var body struct {
		Breakers []resilience.BreakerRecord `json:"breakers"`
	}
	rec := doJSON(t, s.Router(), http.MethodGet, "/api/breakers", &body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body.Breakers)
}
