// Package health implements a ticker-driven prober that refreshes each
// worker's queue depth and health classification.
package health

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/loadbalancer/lbproxy/internal/workerpool"
)

// QueueSnapshot is the body of a worker's queue endpoint, trimmed to
// the fields the prober needs.
type QueueSnapshot struct {
	Running []json.RawMessage `json:"queue_running"`
	Pending []json.RawMessage `json:"queue_pending"`
}

// BroadcastFunc is called on any worker health state change so WSHub
// can push a backend_update event to downstream clients.
type BroadcastFunc func(snap workerpool.Snapshot)

// Prober periodically queries every worker's queue endpoint.
type Prober struct {
	registry *workerpool.Registry
	client   *http.Client
	interval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Config controls prober cadence.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// New builds a Prober bound to registry. The registry's own OnChange
// callback is expected to be wired by the caller to WSHub's broadcast.
func New(registry *workerpool.Registry, cfg Config) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Prober{
		registry: registry,
		client:   &http.Client{Timeout: cfg.Timeout},
		interval: cfg.Interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run blocks, probing on every tick, until ctx is cancelled or Stop is
// called.
func (p *Prober) Run(ctx context.Context) {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

// Stop requests the run loop to exit and waits for it to do so.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

// ProbeNow runs a single probe pass immediately (used by the
// /lb/health-check ControlAPI endpoint).
func (p *Prober) ProbeNow(ctx context.Context) {
	p.probeAll(ctx)
}

func (p *Prober) probeAll(ctx context.Context) {
	workers := p.registry.All()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w workerpool.Snapshot) {
			defer wg.Done()
			p.probeOne(ctx, w)
		}(w)
	}
	wg.Wait()
}

func (p *Prober) probeOne(ctx context.Context, w workerpool.Snapshot) {
	reqCtx, cancel := context.WithTimeout(ctx, p.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, w.BaseURL+"/queue", nil)
	if err != nil {
		p.recordFailure(w.Name)
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.recordFailure(w.Name)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.recordFailure(w.Name)
		return
	}

	var snap QueueSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		p.recordFailure(w.Name)
		return
	}

	prev, ok := p.registry.Get(w.Name)
	newSnap, updated := p.registry.UpdateHealth(w.Name, workerpool.ProbeOutcome{
		OK:      true,
		Running: len(snap.Running),
		Pending: len(snap.Pending),
	})
	if updated && ok && prev.HealthClass != newSnap.HealthClass {
		log.Printf("worker %s: %s -> %s", w.Name, prev.HealthClass, newSnap.HealthClass)
	}
}

func (p *Prober) recordFailure(name string) {
	prev, ok := p.registry.Get(name)
	newSnap, updated := p.registry.UpdateHealth(name, workerpool.ProbeOutcome{OK: false})
	if updated && ok && prev.HealthClass != newSnap.HealthClass {
		log.Printf("worker %s: %s -> %s", name, prev.HealthClass, newSnap.HealthClass)
	}
}
