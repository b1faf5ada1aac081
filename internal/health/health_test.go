package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/devrev/pairdoc/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLivenessHandler(t *testing.T) {
	hc := NewHealthCheck(nil, nil, zap.NewNop())

	w := httptest.NewRecorder()
	hc.LivenessHandler(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())
}

func TestReadinessHandler(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	var dbDown atomic.Bool
	dbDown.Store(true)

	hc := NewHealthCheck(map[string]Pinger{
		"redis": PingFunc(func(ctx context.Context) error { return client.Ping(ctx).Err() }),
		"postgres": PingFunc(func(ctx context.Context) error {
			if dbDown.Load() {
				return errors.New("connection refused")
			}
			return nil
		}),
	}, metrics.NewMetrics(prometheus.NewRegistry()), zap.NewNop())

	t.Run("not ready while a dependency fails", func(t *testing.T) {
		w := httptest.NewRecorder()
		hc.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		var resp ReadinessResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "not_ready", resp.Status)
		assert.Equal(t, "healthy", resp.Checks["redis"])
		assert.Equal(t, "unhealthy", resp.Checks["postgres"])
		assert.Contains(t, resp.Error, "connection refused")
	})

	t.Run("ready once every dependency answers", func(t *testing.T) {
		dbDown.Store(false)

		w := httptest.NewRecorder()
		hc.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		var resp ReadinessResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "ready", resp.Status)
		assert.True(t, hc.IsReady())
	})

	t.Run("redis outage is noticed", func(t *testing.T) {
		mr.SetError("ERR server is down")
		assert.False(t, hc.Check(context.Background()))
		assert.False(t, hc.IsReady())
	})
}

func TestRunStopsOnCancel(t *testing.T) {
	var calls atomic.Int32
	hc := NewHealthCheck(map[string]Pinger{
		"redis": PingFunc(func(ctx context.Context) error {
			calls.Add(1)
			return nil
		}),
	}, nil, zap.NewNop())
	hc.checkInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hc.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, hc.IsReady())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("health loop did not stop")
	}
}
