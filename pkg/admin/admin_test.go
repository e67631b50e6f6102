package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodieshq/graphmailer/pkg/logger"
	"github.com/goodieshq/graphmailer/pkg/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	t.Run("no checks", func(t *testing.T) {
		rec := get(t, NewRouter(logger.Nop(), nil), "/healthz")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
	})

	t.Run("failing check", func(t *testing.T) {
		checks := Checks{
			"ok":   func(context.Context) error { return nil },
			"down": func(context.Context) error { return errors.New("connection refused") },
		}
		rec := get(t, NewRouter(logger.Nop(), checks), "/healthz")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var resp Response
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, StatusUnhealthy, resp.Status)
		assert.Equal(t, Check{Status: StatusHealthy}, resp.Checks["ok"])
		assert.Equal(t, Check{Status: StatusUnhealthy, Error: "connection refused"}, resp.Checks["down"])
	})

	t.Run("redis ping", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()

		checks := Checks{"redis": func(ctx context.Context) error { return client.Ping(ctx).Err() }}
		h := NewRouter(logger.Nop(), checks)

		assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)

		mr.Close()
		assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/healthz").Code)
	})
}

func TestMetrics(t *testing.T) {
	metrics.IncTokenLookup(metrics.TokenHit)

	rec := get(t, NewRouter(logger.Nop(), nil), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `graphmailer_token_lookups_total{result="hit"}`)
}
