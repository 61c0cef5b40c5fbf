// Package dispatch implements a single-consumer, event-driven loop
// that pulls pending jobs and hands them to a worker via the upstream
// client.
package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/loadbalancer/lbproxy/internal/jobstore"
	"github.com/loadbalancer/lbproxy/internal/scheduler"
	"github.com/loadbalancer/lbproxy/internal/workerpool"
)

// Submitter is the subset of UpstreamClient the dispatcher needs. It is
// an interface so tests can fake a worker's submit/cancel behavior
// without standing up real HTTP servers.
type Submitter interface {
	Submit(ctx context.Context, baseURL string, spec, extraData []byte, clientSID string) (workerJobID string, err error)
	Cancel(ctx context.Context, baseURL, workerJobID string) error
}

// Config controls retry/backoff behavior.
type Config struct {
	MaxRetries    int
	RetryInterval time.Duration
}

// Dispatcher owns the single dispatch loop. All three wake edges (new
// job, worker healthy, periodic tick) funnel into one buffered wake
// channel; the loop drains as many pending jobs as it can on each wake.
type Dispatcher struct {
	store     *jobstore.Store
	registry  *workerpool.Registry
	scheduler *scheduler.Scheduler
	upstream  Submitter
	cfg       Config

	wake chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	bridgeSID func(workerName string) string
}

// New builds a Dispatcher. bridgeSID maps a worker name to the stable
// balancer-owned session identifier WSHub uses for that worker's
// upstream bridge; the dispatcher passes it through to Submit so the
// worker addresses progress frames back to the bridge.
func New(store *jobstore.Store, registry *workerpool.Registry, sched *scheduler.Scheduler, upstream Submitter, cfg Config, bridgeSID func(string) string) *Dispatcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	d := &Dispatcher{
		store:     store,
		registry:  registry,
		scheduler: sched,
		upstream:  upstream,
		cfg:       cfg,
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		bridgeSID: bridgeSID,
	}
	registry.OnHealthy(func(string) { d.Wake() })
	return d
}

// Wake signals the dispatch loop that there is new work to consider.
// Safe to call from any goroutine; coalesces multiple wakes.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run blocks, draining pending jobs on every wake edge, until ctx is
// cancelled or Stop is called. On shutdown the loop drains its current
// iteration then exits.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.doneCh)
	ticker := time.NewTicker(d.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		d.drain(ctx)

		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-d.wake:
		case <-ticker.C:
		}
	}
}

// Stop requests the loop to exit and waits for it to finish its current drain.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	<-d.doneCh
}

// drain repeatedly pulls the oldest pending job and dispatches it until
// the scheduler parks (no eligible worker) or pending is empty.
func (d *Dispatcher) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, ok := d.store.PeekOldestPending()
		if !ok {
			return
		}

		w, ok := d.scheduler.Select(d.registry)
		if !ok {
			return // park; wait for next edge
		}

		dispatched, err := d.store.MarkDispatched(job.ID, w.Name)
		if err != nil {
			// job was concurrently cancelled out from under us; keep draining
			continue
		}
		d.registry.OptimisticallyIncrementPending(w.Name)

		sid := ""
		if d.bridgeSID != nil {
			sid = d.bridgeSID(w.Name)
		}

		workerJobID, err := d.upstream.Submit(ctx, w.BaseURL, dispatched.Spec, dispatched.ExtraData, sid)
		if err != nil {
			d.handleDispatchFailure(dispatched.ID, err)
			continue
		}

		if err := d.store.BindWorkerJobID(dispatched.ID, workerJobID); err != nil {
			log.Printf("dispatch: bind worker job id failed for %s: %v", dispatched.ID, err)
		}
	}
}

// handleDispatchFailure retries up to MaxRetries before terminalizing
// the job; a failed dispatch still counts as handled, so the loop
// keeps progressing.
func (d *Dispatcher) handleDispatchFailure(jobID string, cause error) {
	job, err := d.store.MarkAttemptFailed(jobID, cause.Error(), d.cfg.MaxRetries)
	if err != nil {
		log.Printf("dispatch: mark attempt failed error for %s: %v", jobID, err)
		return
	}
	if job.State == jobstore.StateFailed {
		log.Printf("dispatch: job %s failed permanently after %d retries: %v", jobID, job.Retries, cause)
	} else {
		log.Printf("dispatch: job %s dispatch attempt %d failed, requeued: %v", jobID, job.Retries, cause)
	}
}

// Cancel cancels a job; if it was dispatched or running, it additionally
// issues an upstream cancel for its bound worker/workerJobId.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) (jobstore.Job, error) {
	before, existed := d.store.Get(jobID)
	hadBinding := existed && !before.State.Terminal() && before.WorkerJobID != "" && before.WorkerName != ""

	job, err := d.store.Cancel(jobID)
	if err != nil {
		return jobstore.Job{}, err
	}

	if hadBinding {
		if w, ok := d.registry.Get(before.WorkerName); ok {
			if cancelErr := d.upstream.Cancel(ctx, w.BaseURL, before.WorkerJobID); cancelErr != nil {
				log.Printf("dispatch: upstream cancel failed for job %s on %s: %v", jobID, before.WorkerName, cancelErr)
			}
		}
	}
	return job, nil
}
