package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubQueueStats struct {
	depth int64
	err   error
}

func (s *stubQueueStats) Len(context.Context) (int64, error) {
	return s.depth, s.err
}

func TestHealthCheckReportsQueueDepth(t *testing.T) {
	h := NewHealthHandler("queue", &stubQueueStats{depth: 7}, time.Now())

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "queue", resp["scheduler"])
	assert.Equal(t, float64(7), resp["queue_depth"])
}

func TestHealthCheckWithoutQueue(t *testing.T) {
	h := NewHealthHandler("poller", nil, time.Now())

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "poller", resp["scheduler"])
	assert.NotContains(t, resp, "queue_depth")
}

func TestHealthCheckToleratesBrokenQueue(t *testing.T) {
	// A broker hiccup must not fail liveness; the depth field is just dropped.
	h := NewHealthHandler("queue", &stubQueueStats{err: errors.New("redis down")}, time.Now())

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.NotContains(t, resp, "queue_depth")
}
