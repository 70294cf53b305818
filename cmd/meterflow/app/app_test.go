package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridwatt/meterflow/modules/maintenance"
	"github.com/gridwatt/meterflow/modules/worker"
	"github.com/gridwatt/meterflow/pkg/meterstore"
)

const testMeter = "100000001"

func newTestApp(t *testing.T) *App {
	t.Helper()

	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	cfg := Config{
		Store: meterstore.Config{
			Host:         mr.Host(),
			Port:         port,
			DialTimeout:  time.Second,
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
		},
		Worker: worker.Config{
			Workers:            1,
			BatchSize:          100,
			PopTimeout:         100 * time.Millisecond,
			MaxRetries:         3,
			LockAcquireTimeout: 200 * time.Millisecond,
			LockHoldTimeout:    5 * time.Second,
			Backoff: backoff.Config{
				MinBackoff: 10 * time.Millisecond,
				MaxBackoff: 100 * time.Millisecond,
			},
		},
		Maintenance: maintenance.Config{
			Duration:           100 * time.Millisecond,
			KeepDays:           365,
			RollupConcurrency:  4,
			LockAcquireTimeout: 200 * time.Millisecond,
			LockHoldTimeout:    5 * time.Second,
		},
	}
	cfg.Ingress.MaxBulkSize = 1000
	cfg.Querier.QueryTimeout = 10 * time.Second

	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.store.Close() })
	return a
}

func do(t *testing.T, a *App, method, target, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))

	resp := map[string]interface{}{}
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestEndToEnd_RegisterSubmitQuery(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	rec, resp := do(t, a, "POST", "/api/user/register",
		`{"meter_id":"100000001","region":"north","area":"riverside","dwelling_type":"apartment"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Registration successful!", resp["message"])

	require.NoError(t, services.StartAndAwaitRunning(ctx, a.worker))
	defer func() {
		require.NoError(t, services.StopAndAwaitTerminated(ctx, a.worker))
	}()

	now := time.Now().UTC()
	for i, reading := range []float64{100.00, 102.50, 105.00} {
		ts := now.Add(time.Duration(i-3) * time.Hour).Format("2006-01-02T15:04:05")
		rec, _ := do(t, a, "POST", "/meter/reading",
			fmt.Sprintf(`{"meter_id":"100000001","timestamp":"%s","reading":%v}`, ts, reading))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	require.Eventually(t, func() bool {
		rec, resp := do(t, a, "GET", "/api/user/query?meter_id="+testMeter+"&period=1d", "")
		return rec.Code == http.StatusOK && resp["total_usage"] == 5.0
	}, 5*time.Second, 50*time.Millisecond)

	rec, resp = do(t, a, "GET", "/api/user/query?meter_id="+testMeter+"&period=30m", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2.5, resp["latest_increment"])
}

func TestMaintenanceMiddleware_BlocksOutsideAllowlist(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	require.NoError(t, a.state.Enter(ctx, time.Minute))

	rec, resp := do(t, a, "GET", "/api/user/query?meter_id="+testMeter+"&period=1d", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Server is in maintenance mode. Please try again later.", resp["message"])

	rec, _ = do(t, a, "POST", "/api/user/register",
		`{"meter_id":"100000001","region":"north","area":"riverside","dwelling_type":"apartment"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// ingress, ops reads and the probes stay reachable
	rec, _ = do(t, a, "GET", "/get_logs", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, a, "GET", "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, a, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, a.state.Exit(ctx))
	rec, _ = do(t, a, "GET", "/api/user/query?meter_id="+testMeter+"&period=1d", "")
	assert.NotEqual(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStopServer_RunsMaintenanceWindow(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	require.NoError(t, a.store.RegisterMeter(ctx, testMeter))

	rec, resp := do(t, a, "GET", "/stopserver", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", resp["status"])

	// a second trigger during the window is refused
	rec, _ = do(t, a, "GET", "/stopserver", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.Eventually(t, func() bool {
		return !a.state.Active(ctx)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestBackupHandler(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	rec, resp := do(t, a, "GET", "/get_backup?date=2025-02-20", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "No backup data for 2025-02-20", resp["message"])

	require.NoError(t, a.store.SetBackupEntry(ctx, "2025-02-20", testMeter, 8.75))

	rec, resp = do(t, a, "GET", "/get_backup?date=2025-02-20", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2025-02-20", resp["date"])
	assert.Equal(t, map[string]interface{}{testMeter: 8.75}, resp["data"])
}

func TestLogsHandler(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	a.store.AppendLog(ctx, "daily_jobs", meterstore.LogEntry{
		Timestamp: "2025-02-20T04:00:00Z",
		Level:     "info",
		Message:   "maintenance complete",
	})
	a.store.AppendLog(ctx, "daily_jobs", meterstore.LogEntry{
		Timestamp: "2025-02-21T04:00:00Z",
		Level:     "info",
		Message:   "maintenance complete",
	})

	rec, resp := do(t, a, "GET", "/get_logs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "daily_jobs", resp["log_type"])
	assert.Len(t, resp["logs"], 2)

	rec, resp = do(t, a, "GET", "/get_logs?date=2025-02-21", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, resp["logs"], 1)

	rec, _ = do(t, a, "GET", "/get_logs?limit=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
