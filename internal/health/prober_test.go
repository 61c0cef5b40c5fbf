package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadbalancer/lbproxy/internal/workerpool"
)

// registerAt points a worker's Host/Port at a running httptest server so
// probeOne's GET /queue lands on it.
func registerAt(t *testing.T, registry *workerpool.Registry, name, rawURL string) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	registry.Register(workerpool.Config{
		Name:     name,
		Host:     u.Hostname(),
		Port:     port,
		Weight:   1,
		MaxQueue: 4,
		Enabled:  true,
	})
}

func TestProbeNowMarksWorkerHealthyOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/queue", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"queue_running":[],"queue_pending":["a","b"]}`))
	}))
	defer srv.Close()

	registry := workerpool.NewRegistry(1, 2)
	registerAt(t, registry, "w1", srv.URL)

	p := New(registry, Config{Interval: time.Hour, Timeout: time.Second})
	p.ProbeNow(context.Background())

	snap, ok := registry.Get("w1")
	require.True(t, ok)
	assert.Equal(t, workerpool.HealthHealthy, snap.HealthClass)
	assert.Equal(t, 2, snap.Pending)
	assert.Equal(t, 0, snap.Running)
	assert.False(t, snap.LastProbeAt.IsZero())
}

func TestProbeNowMarksWorkerUnhealthyAfterThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	registry := workerpool.NewRegistry(1, 2)
	registerAt(t, registry, "w1", srv.URL)

	p := New(registry, Config{Interval: time.Hour, Timeout: time.Second})

	p.ProbeNow(context.Background())
	snap, _ := registry.Get("w1")
	assert.NotEqual(t, workerpool.HealthUnhealthy, snap.HealthClass)

	p.ProbeNow(context.Background())
	snap, _ = registry.Get("w1")
	assert.Equal(t, workerpool.HealthUnhealthy, snap.HealthClass)
}

func TestProbeNowOnUnreachableHostRecordsFailure(t *testing.T) {
	registry := workerpool.NewRegistry(1, 1)
	registry.Register(workerpool.Config{Name: "w1", Host: "127.0.0.1", Port: 1, Weight: 1, MaxQueue: 4, Enabled: true})

	p := New(registry, Config{Interval: time.Hour, Timeout: 200 * time.Millisecond})
	p.ProbeNow(context.Background())

	snap, ok := registry.Get("w1")
	require.True(t, ok)
	assert.Equal(t, workerpool.HealthUnhealthy, snap.HealthClass)
}

func TestProbeNowOnNon2xxRecordsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	registry := workerpool.NewRegistry(1, 1)
	registerAt(t, registry, "w1", srv.URL)

	p := New(registry, Config{Interval: time.Hour, Timeout: time.Second})
	p.ProbeNow(context.Background())

	snap, ok := registry.Get("w1")
	require.True(t, ok)
	assert.Equal(t, workerpool.HealthUnhealthy, snap.HealthClass)
}

func TestProbeAllFansOutAcrossWorkers(t *testing.T) {
	srv1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"queue_running":["x"],"queue_pending":[]}`))
	}))
	defer srv1.Close()
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv2.Close()

	registry := workerpool.NewRegistry(1, 1)
	registerAt(t, registry, "w1", srv1.URL)
	registerAt(t, registry, "w2", srv2.URL)

	p := New(registry, Config{Interval: time.Hour, Timeout: time.Second})
	p.ProbeNow(context.Background())

	w1, _ := registry.Get("w1")
	w2, _ := registry.Get("w2")
	assert.Equal(t, workerpool.HealthHealthy, w1.HealthClass)
	assert.Equal(t, workerpool.HealthUnhealthy, w2.HealthClass)
}

func TestRunStopsPromptlyOnStop(t *testing.T) {
	registry := workerpool.NewRegistry(1, 1)
	p := New(registry, Config{Interval: time.Hour, Timeout: time.Second})

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	p.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	registry := workerpool.NewRegistry(1, 1)
	p := New(registry, Config{Interval: time.Hour, Timeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}
