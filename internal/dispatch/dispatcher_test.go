package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadbalancer/lbproxy/internal/jobstore"
	"github.com/loadbalancer/lbproxy/internal/scheduler"
	"github.com/loadbalancer/lbproxy/internal/workerpool"
)

type fakeUpstream struct {
	mu          sync.Mutex
	submitErr   error
	submitCalls int
	cancelCalls int
	lastCancel  string
}

func (f *fakeUpstream) Submit(ctx context.Context, baseURL string, spec, extraData []byte, clientSID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "wjob-1", nil
}

func (f *fakeUpstream) Cancel(ctx context.Context, baseURL, workerJobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	f.lastCancel = workerJobID
	return nil
}

func newHealthyRegistry(t *testing.T, name string) *workerpool.Registry {
	t.Helper()
	r := workerpool.NewRegistry(1, 3)
	r.Register(workerpool.Config{Name: name, Host: "h", Port: 1, Weight: 1, MaxQueue: 10, Enabled: true})
	r.UpdateHealth(name, workerpool.ProbeOutcome{OK: true})
	return r
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestDispatchSingleJobToSingleWorker(t *testing.T) {
	store := jobstore.New(jobstore.Config{MaxSize: 10})
	registry := newHealthyRegistry(t, "w1")
	sched := scheduler.New(scheduler.StrategyLeastBusy, false)
	up := &fakeUpstream{}
	d := New(store, registry, sched, up, Config{MaxRetries: 3, RetryInterval: time.Hour}, func(w string) string { return "LB_BRIDGE_" + w })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	defer d.Stop()

	job, err := store.Enqueue([]byte(`{}`), nil, "client-1")
	require.NoError(t, err)
	d.Wake()

	waitFor(t, func() bool {
		j, ok := store.Get(job.ID)
		return ok && j.WorkerJobID == "wjob-1"
	})

	j, _ := store.Get(job.ID)
	assert.Equal(t, "w1", j.WorkerName)
	assert.Equal(t, jobstore.StateDispatched, j.State)
}

func TestCancellationOfDispatchedJobCallsUpstreamCancel(t *testing.T) {
	store := jobstore.New(jobstore.Config{MaxSize: 10})
	registry := newHealthyRegistry(t, "w1")
	sched := scheduler.New(scheduler.StrategyLeastBusy, false)
	up := &fakeUpstream{}
	d := New(store, registry, sched, up, Config{MaxRetries: 3, RetryInterval: time.Hour}, func(w string) string { return "LB_BRIDGE_" + w })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	defer d.Stop()

	job, _ := store.Enqueue([]byte(`{}`), nil, "client-1")
	d.Wake()
	waitFor(t, func() bool {
		j, ok := store.Get(job.ID)
		return ok && j.WorkerJobID != ""
	})

	cancelled, err := d.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateCancelled, cancelled.State)
	assert.Equal(t, 1, up.cancelCalls)
	assert.Equal(t, "wjob-1", up.lastCancel)
}

func TestDispatchFailureRequeuesUnderRetryLimit(t *testing.T) {
	store := jobstore.New(jobstore.Config{MaxSize: 10})
	registry := newHealthyRegistry(t, "w1")
	sched := scheduler.New(scheduler.StrategyLeastBusy, false)
	up := &fakeUpstream{submitErr: errors.New("connection refused")}
	d := New(store, registry, sched, up, Config{MaxRetries: 3, RetryInterval: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	defer d.Stop()

	job, _ := store.Enqueue([]byte(`{}`), nil, "client-1")
	d.Wake()

	waitFor(t, func() bool {
		j, ok := store.Get(job.ID)
		return ok && j.Retries >= 1
	})
	j, _ := store.Get(job.ID)
	assert.Equal(t, jobstore.StateQueued, j.State, "still under the retry limit, job goes back to pending")
}

func TestCancellingQueuedJobNeverTouchesUpstream(t *testing.T) {
	store := jobstore.New(jobstore.Config{MaxSize: 10})
	registry := workerpool.NewRegistry(1, 3) // no eligible worker: job stays pending
	sched := scheduler.New(scheduler.StrategyLeastBusy, false)
	up := &fakeUpstream{}
	d := New(store, registry, sched, up, Config{MaxRetries: 3, RetryInterval: time.Hour}, nil)

	job, _ := store.Enqueue([]byte(`{}`), nil, "client-1")
	cancelled, err := d.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateCancelled, cancelled.State)
	assert.Equal(t, 0, up.cancelCalls)
}
