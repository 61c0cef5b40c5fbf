// Package frontapi implements the HTTP surface clients see, which
// mirrors the worker protocol and delegates to JobStore, Dispatcher,
// UpstreamClient and WSHub.
package frontapi

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loadbalancer/lbproxy/internal/dispatch"
	"github.com/loadbalancer/lbproxy/internal/jobstore"
	"github.com/loadbalancer/lbproxy/internal/upstream"
	"github.com/loadbalancer/lbproxy/internal/workerpool"
	"github.com/loadbalancer/lbproxy/internal/wshub"
)

// Registry is the subset of workerpool.Registry FrontAPI needs.
type Registry interface {
	Healthy() []workerpool.Snapshot
	Get(name string) (workerpool.Snapshot, bool)
}

// Handler bundles the dependencies backing every FrontAPI route.
type Handler struct {
	Store      *jobstore.Store
	Dispatcher *dispatch.Dispatcher
	Upstream   *upstream.Client
	Registry   Registry
	Hub        *wshub.Hub

	requestTimeout time.Duration
}

// New builds a Handler. requestTimeout bounds every upstream-bound call
// so in-flight handlers honor a per-request deadline.
func New(store *jobstore.Store, d *dispatch.Dispatcher, up *upstream.Client, reg Registry, hub *wshub.Hub, requestTimeout time.Duration) *Handler {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &Handler{Store: store, Dispatcher: d, Upstream: up, Registry: reg, Hub: hub, requestTimeout: requestTimeout}
}

// Register mounts every FrontAPI route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/prompt", h.PostPrompt)
	r.GET("/queue", h.GetQueue)
	r.POST("/queue", h.PostQueue)
	r.GET("/history", h.GetHistory)
	r.GET("/history/:id", h.GetHistoryOne)
	r.GET("/view", h.GetView)
	r.GET("/object_info", h.passthrough("/object_info"))
	r.GET("/system_stats", h.passthrough("/system_stats"))
	r.GET("/embeddings", h.passthrough("/embeddings"))
	r.GET("/extensions", h.passthrough("/extensions"))
	r.GET("/ws", h.GetWS)
}

type promptRequest struct {
	Spec      map[string]any `json:"prompt" binding:"required"`
	ClientID  string         `json:"clientId"`
	ExtraData map[string]any `json:"extraData"`
}

// PostPrompt enqueues a new job and wakes the dispatcher.
func (h *Handler) PostPrompt(c *gin.Context) {
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	specBytes, err := marshalOrEmpty(req.Spec)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid prompt payload"})
		return
	}
	extraBytes, err := marshalOrEmpty(req.ExtraData)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid extraData payload"})
		return
	}

	job, err := h.Store.Enqueue(specBytes, extraBytes, req.ClientID)
	if err != nil {
		if errors.Is(err, jobstore.ErrQueueFull) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue full"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.Dispatcher.Wake()

	c.JSON(http.StatusOK, gin.H{
		"jobId":       job.ID,
		"number":      job.Number,
		"node_errors": gin.H{},
	})
}

// queueEntry is the worker-protocol 4-tuple shape: [number, jobId, spec, {client_id}].
type queueEntry [4]any

// GetQueue composes pending/dispatched jobs into the worker queue shape.
func (h *Handler) GetQueue(c *gin.Context) {
	running := make([]queueEntry, 0)
	for _, j := range h.Store.Dispatched() {
		running = append(running, queueEntry{j.Number, j.ID, rawOrNil(j.Spec), gin.H{"client_id": j.ClientID}})
	}
	pending := make([]queueEntry, 0)
	for _, j := range h.Store.Pending() {
		pending = append(pending, queueEntry{j.Number, j.ID, rawOrNil(j.Spec), gin.H{"client_id": j.ClientID}})
	}
	c.JSON(http.StatusOK, gin.H{
		"queue_running": running,
		"queue_pending": pending,
	})
}

type queueDeleteRequest struct {
	Delete []string `json:"delete"`
	Clear  bool     `json:"clear"`
}

// PostQueue cancels specific jobs and/or clears all pending jobs.
// Always responds 200.
func (h *Handler) PostQueue(c *gin.Context) {
	var req queueDeleteRequest
	_ = c.ShouldBindJSON(&req)

	ctx, cancel := contextWithTimeout(c, h.requestTimeout)
	defer cancel()

	if req.Clear {
		for _, j := range h.Store.Pending() {
			_, _ = h.Dispatcher.Cancel(ctx, j.ID)
		}
	}
	for _, id := range req.Delete {
		_, _ = h.Dispatcher.Cancel(ctx, id)
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetHistory aggregates terminal jobs into the worker's history shape.
func (h *Handler) GetHistory(c *gin.Context) {
	out := gin.H{}
	for _, j := range h.Store.Terminal() {
		out[j.ID] = historyEntry(j)
	}
	c.JSON(http.StatusOK, out)
}

// GetHistoryOne looks up one job by balancer id; if it is still bound
// to a worker, forward-fetch the worker's copy and rewrite ids back.
func (h *Handler) GetHistoryOne(c *gin.Context) {
	id := c.Param("id")
	job, ok := h.Store.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	if job.WorkerName != "" && job.WorkerJobID != "" {
		if w, ok := h.Registry.Get(job.WorkerName); ok {
			ctx, cancel := contextWithTimeout(c, h.requestTimeout)
			defer cancel()
			raw, err := h.Upstream.GetHistory(ctx, w.BaseURL, job.WorkerJobID)
			if err == nil {
				c.JSON(http.StatusOK, gin.H{id: raw})
				return
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{id: historyEntry(job)})
}

func historyEntry(j jobstore.Job) gin.H {
	return gin.H{
		"prompt":  []any{j.Number, j.ID, rawOrNil(j.Spec)},
		"status": gin.H{
			"status_str": string(j.State),
			"completed":  j.State.Terminal(),
			"error":      j.Error,
		},
		"outputs": gin.H{},
	}
}

// GetView proxies an artifact fetch to the worker that produced the
// job. A backend query parameter may override worker selection.
func (h *Handler) GetView(c *gin.Context) {
	backend := c.Query("backend")
	var base string

	if backend != "" {
		w, ok := h.Registry.Get(backend)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown backend"})
			return
		}
		base = w.BaseURL
	} else {
		healthy := h.Registry.Healthy()
		if len(healthy) == 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no healthy backends"})
			return
		}
		base = healthy[0].BaseURL
	}

	ctx, cancel := contextWithTimeout(c, h.requestTimeout)
	defer cancel()
	resp, err := h.Upstream.GetArtifact(ctx, base, c.Request.URL.RawQuery)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	defer resp.Body.Close()

	c.Status(resp.StatusCode)
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		c.Header("Content-Type", ct)
	}
	_, _ = io.Copy(c.Writer, resp.Body)
}

// passthrough picks any healthy worker and plain-proxies path.
func (h *Handler) passthrough(path string) gin.HandlerFunc {
	return func(c *gin.Context) {
		healthy := h.Registry.Healthy()
		if len(healthy) == 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no healthy backends"})
			return
		}
		ctx, cancel := contextWithTimeout(c, h.requestTimeout)
		defer cancel()
		raw, err := h.Upstream.Passthrough(ctx, healthy[0].BaseURL, path)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "application/json", raw)
	}
}

// GetWS upgrades a downstream client connection, keyed by a
// caller-supplied clientId query parameter.
func (h *Handler) GetWS(c *gin.Context) {
	clientID := c.Query("clientId")
	if clientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "clientId query parameter required"})
		return
	}
	if err := h.Hub.ServeDownstream(c.Writer, c.Request, clientID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}
