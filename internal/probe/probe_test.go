package probe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDB struct{ err error }

func (f fakeDB) PingContext(context.Context) error { return f.err }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestCheckWithRetry_RecoversOnLaterAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer srv.Close()

	res := CheckWithRetry(context.Background(), srv.Client(), "chat", srv.URL, Retry{Attempts: 3, Backoff: 10 * time.Millisecond, Timeout: time.Second}, ReportsHealthy)
	assert.True(t, res.Healthy)
	assert.Equal(t, 3, res.Attempts)
	assert.Empty(t, res.Error)
}

func TestCheckWithRetry_RequiresHealthyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"starting"}`))
	}))
	defer srv.Close()

	res := CheckWithRetry(context.Background(), srv.Client(), "voice", srv.URL, Retry{Attempts: 2, Backoff: time.Millisecond, Timeout: time.Second}, ReportsHealthy)
	assert.False(t, res.Healthy)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 200, res.StatusCode)
	assert.Contains(t, res.Error, "unhealthy")

	res = CheckWithRetry(context.Background(), srv.Client(), "voice", srv.URL, Retry{Attempts: 1}, StatusOK)
	assert.True(t, res.Healthy)
}

func TestCheckWithRetry_ContextCanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	res := CheckWithRetry(ctx, http.DefaultClient, "x", "http://127.0.0.1:1/health", Retry{Attempts: 5, Backoff: time.Second, Timeout: 100 * time.Millisecond}, nil)
	assert.False(t, res.Healthy)
	assert.Less(t, res.Attempts, 5)
}

func TestGet_NonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()
	code, body, err := Get(context.Background(), srv.Client(), srv.URL, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 200, code)
	assert.Equal(t, "<html>ok</html>", body["raw"])
}

func TestMonitor_Statuses(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()

	targets := []Target{{Name: "checkin-chat", URL: HealthURL(up.URL + "/")}}
	m := NewMonitor(MonitorOptions{DB: fakeDB{}, Targets: targets, Logger: quiet(), Timeout: time.Second})
	rep := m.Check(context.Background())
	assert.Equal(t, StatusHealthy, rep.Status)
	assert.Equal(t, "connected", rep.Checks.Database)
	assert.Equal(t, "available", rep.Checks.Dependencies["checkin-chat"])
	assert.Equal(t, http.StatusOK, rep.HTTPStatus())

	targets = append(targets, Target{Name: "checkin-voice", URL: HealthURL(down.URL)})
	m = NewMonitor(MonitorOptions{DB: fakeDB{}, Targets: targets, Logger: quiet(), Timeout: time.Second})
	rep = m.Check(context.Background())
	assert.Equal(t, StatusDegraded, rep.Status)
	assert.Equal(t, "unavailable", rep.Checks.Dependencies["checkin-voice"])
	assert.Equal(t, http.StatusOK, rep.HTTPStatus())

	m = NewMonitor(MonitorOptions{DB: fakeDB{err: errors.New("refused")}, Targets: targets, Logger: quiet(), Timeout: time.Second})
	rep = m.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, rep.Status)
	assert.Equal(t, "disconnected", rep.Checks.Database)
	assert.Equal(t, http.StatusServiceUnavailable, rep.HTTPStatus())

	latest, ok := m.Latest()
	require.True(t, ok)
	assert.Equal(t, rep.Status, latest.Status)
}

func TestMonitor_Schedule(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	m := NewMonitor(MonitorOptions{Targets: []Target{{Name: "x", URL: srv.URL}}, Logger: quiet()})
	assert.Error(t, m.Schedule("not a schedule"))
	require.NoError(t, m.Schedule("@every 1s"))
	assert.Error(t, m.Schedule("@every 1s"))
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	m.Stop()
	_, ok := m.Latest()
	assert.True(t, ok)
}

func TestOpenDatabaseIsLazy(t *testing.T) {
	db, err := OpenDatabase("postgres://u:p@127.0.0.1:1/db?sslmode=disable&connect_timeout=1")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, db.PingContext(ctx))
}

func TestMonitor_ReadyFallsBackToLastReport(t *testing.T) {
	var slow atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if slow.Load() {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewMonitor(MonitorOptions{DB: fakeDB{}, Targets: []Target{{Name: "checkin-voice", URL: srv.URL}}, Logger: quiet()})
	first := m.Check(context.Background())
	require.Equal(t, StatusHealthy, first.Status)

	slow.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	rep := m.Ready(ctx)
	assert.Equal(t, StatusHealthy, rep.Status)
	assert.Equal(t, first.Timestamp, rep.Timestamp)

	latest, ok := m.Latest()
	require.True(t, ok)
	assert.Equal(t, first.Timestamp, latest.Timestamp)
}

func TestMonitor_ReadyWithoutCacheReturnsLiveResult(t *testing.T) {
	m := NewMonitor(MonitorOptions{DB: fakeDB{}, Logger: quiet()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep := m.Ready(ctx)
	assert.Equal(t, StatusHealthy, rep.Status)
	_, ok := m.Latest()
	assert.False(t, ok)
}

type panicTransport struct{}

func (panicTransport) RoundTrip(*http.Request) (*http.Response, error) { panic("transport bug") }

func TestMonitor_PanickingProbeIsReported(t *testing.T) {
	got := make(chan any, 1)
	m := NewMonitor(MonitorOptions{
		Targets: []Target{{Name: "checkin-chat", URL: "http://127.0.0.1:1/health"}},
		Client:  &http.Client{Transport: panicTransport{}},
		Logger:  quiet(),
		OnPanic: func(v any) { got <- v },
	})
	rep := m.Check(context.Background())
	assert.Equal(t, StatusDegraded, rep.Status)
	assert.Equal(t, "unavailable", rep.Checks.Dependencies["checkin-chat"])
	select {
	case v := <-got:
		assert.Equal(t, "transport bug", v)
	default:
		t.Fatal("panic not reported")
	}
}
