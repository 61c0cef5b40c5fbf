// Package controlapi implements the CRUD/observability surface over
// the worker pool and job store, gated by a simple admin-password scheme.
package controlapi

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/loadbalancer/lbproxy/internal/archive"
	"github.com/loadbalancer/lbproxy/internal/dispatch"
	"github.com/loadbalancer/lbproxy/internal/gateway"
	"github.com/loadbalancer/lbproxy/internal/health"
	"github.com/loadbalancer/lbproxy/internal/jobstore"
	"github.com/loadbalancer/lbproxy/internal/scheduler"
	"github.com/loadbalancer/lbproxy/internal/statscache"
	"github.com/loadbalancer/lbproxy/internal/workerpool"
	"github.com/loadbalancer/lbproxy/internal/wshub"
)

// Handler bundles the dependencies backing every ControlAPI route.
type Handler struct {
	Registry   *workerpool.Registry
	Store      *jobstore.Store
	Scheduler  *scheduler.Scheduler
	Dispatcher *dispatch.Dispatcher
	Prober     *health.Prober

	// Gateway is nil unless the gateway passthrough is enabled in
	// config; its routes are mounted only when it is set.
	Gateway *gateway.Client

	// Archive is nil unless Mongo archiving is enabled. When set it
	// backs /lb/admin/clear and supplements GetStats with a historical
	// terminal-job count beyond JobStore's in-memory cap.
	Archive *archive.Archive

	// Cache is nil unless the Redis stats cache is enabled. When set it
	// fronts GetStats with a short-TTL cache and backs
	// /lb/admin/clear-cache.
	Cache *statscache.Cache

	// Hub is the websocket fan-in/fan-out hub. DeleteBackend uses it to
	// tear down a destroyed worker's upstream bridge; nil is tolerated
	// so tests can exercise backend CRUD without a live hub.
	Hub *wshub.Hub
}

// New builds a Handler. gw, arch, cache and hub may all be nil, which
// disables their respective routes/cleanup.
func New(registry *workerpool.Registry, store *jobstore.Store, sched *scheduler.Scheduler, d *dispatch.Dispatcher, prober *health.Prober, gw *gateway.Client, arch *archive.Archive, cache *statscache.Cache, hub *wshub.Hub) *Handler {
	return &Handler{Registry: registry, Store: store, Scheduler: sched, Dispatcher: d, Prober: prober, Gateway: gw, Archive: arch, Cache: cache, Hub: hub}
}

// Register mounts every ControlAPI route on r, each behind requireAdminAuth.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/lb/stats", h.requireAdminAuth, h.GetStats)
	r.GET("/lb/backends", h.requireAdminAuth, h.GetBackends)
	r.POST("/lb/backends", h.requireAdminAuth, h.PostBackend)
	r.DELETE("/lb/backends/:name", h.requireAdminAuth, h.DeleteBackend)
	r.POST("/lb/backends/:name/enable", h.requireAdminAuth, h.EnableBackend)
	r.POST("/lb/backends/:name/disable", h.requireAdminAuth, h.DisableBackend)
	r.GET("/lb/tasks", h.requireAdminAuth, h.GetTasks)
	r.GET("/lb/tasks/:id", h.requireAdminAuth, h.GetTask)
	r.DELETE("/lb/tasks/:id", h.requireAdminAuth, h.DeleteTask)
	r.POST("/lb/health-check", h.requireAdminAuth, h.PostHealthCheck)
	r.GET("/lb/scheduler", h.requireAdminAuth, h.GetScheduler)
	r.POST("/lb/scheduler/strategy/:name", h.requireAdminAuth, h.PostSchedulerStrategy)

	if h.Gateway != nil {
		r.GET("/lb/gateway/:resource", h.requireAdminAuth, h.GetGatewayResource)
		r.GET("/lb/gateway/:resource/:id", h.requireAdminAuth, h.GetGatewayResourceOne)
		r.POST("/lb/gateway/:resource", h.requireAdminAuth, h.PostGatewayResource)
		r.DELETE("/lb/gateway/:resource/:id", h.requireAdminAuth, h.DeleteGatewayResource)
	}

	if h.Archive != nil {
		r.POST("/lb/admin/clear", h.requireAdminAuth, h.PostAdminClear)
	}
	if h.Cache != nil {
		r.POST("/lb/admin/clear-cache", h.requireAdminAuth, h.PostAdminClearCache)
	}
}

// requireAdminAuth checks for the admin password in header or query
// param.
func (h *Handler) requireAdminAuth(c *gin.Context) {
	adminPassword := os.Getenv("LBPROXY_ADMIN_PASSWORD")
	if adminPassword == "" {
		adminPassword = "password123" // default for development
	}

	provided := c.GetHeader("X-Admin-Password")
	if provided == "" {
		provided = c.Query("password")
	}

	if provided != adminPassword {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "unauthorized, provide admin password in X-Admin-Password header or password query param",
		})
		c.Abort()
		return
	}
	c.Next()
}

// GetStats reports pool-wide and per-index counts. When the Redis cache
// is enabled, a fresh request within the TTL is served from it instead
// of touching JobStore/WorkerRegistry locks.
func (h *Handler) GetStats(c *gin.Context) {
	if h.Cache != nil {
		if cached, ok := h.Cache.GetStats(c.Request.Context()); ok {
			c.Data(http.StatusOK, "application/json", cached)
			return
		}
	}

	pending, dispatched, terminal := h.Store.Counts()
	workers := h.Registry.All()

	backends := make([]gin.H, 0, len(workers))
	for _, w := range workers {
		backends = append(backends, backendView(w))
	}

	stats := gin.H{
		"pending":    pending,
		"dispatched": dispatched,
		"terminal":   terminal,
		"strategy":   h.Scheduler.Strategy(),
		"preferIdle": h.Scheduler.PreferIdle(),
		"backends":   backends,
	}

	if h.Archive != nil {
		if archived, err := h.Archive.CountTerminal(c.Request.Context()); err == nil {
			stats["archivedTerminal"] = archived
		}
	}

	if h.Cache != nil {
		h.Cache.PutStats(c.Request.Context(), stats)
	}

	c.JSON(http.StatusOK, stats)
}

// GetBackends lists every registered worker.
func (h *Handler) GetBackends(c *gin.Context) {
	workers := h.Registry.All()
	out := make([]gin.H, 0, len(workers))
	for _, w := range workers {
		out = append(out, backendView(w))
	}
	c.JSON(http.StatusOK, gin.H{"backends": out})
}

func backendView(w workerpool.Snapshot) gin.H {
	return gin.H{
		"name":        w.Name,
		"baseUrl":     w.BaseURL,
		"wsUrl":       w.WSURL,
		"enabled":     w.Enabled,
		"weight":      w.Weight,
		"maxQueue":    w.MaxQueue,
		"healthClass": w.HealthClass,
		"running":     w.Running,
		"pending":     w.Pending,
		"totalLoad":   w.TotalLoad(),
		"available":   w.Available(),
		"idle":        w.Idle(),
		"lastProbeAt": w.LastProbeAt,
	}
}

type registerBackendRequest struct {
	Name     string `json:"name" binding:"required"`
	Host     string `json:"host" binding:"required"`
	Port     int    `json:"port" binding:"required"`
	Weight   int    `json:"weight"`
	MaxQueue int    `json:"maxQueue"`
	Enabled  bool   `json:"enabled"`
}

// PostBackend registers a new worker, or updates an existing one with
// the same name (config is replaced, health/load state is preserved).
func (h *Handler) PostBackend(c *gin.Context) {
	var req registerBackendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	snap := h.Registry.Register(workerpool.Config{
		Name:     req.Name,
		Host:     req.Host,
		Port:     req.Port,
		Weight:   req.Weight,
		MaxQueue: req.MaxQueue,
		Enabled:  req.Enabled,
	})
	c.JSON(http.StatusOK, backendView(snap))
}

// DeleteBackend destroys a worker and its dependents: its websocket
// bridge is closed and every job still dispatched to it is marked
// failed rather than left stuck waiting on a worker that no longer exists.
func (h *Handler) DeleteBackend(c *gin.Context) {
	name := c.Param("name")
	snap, ok := h.Registry.Destroy(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "backend not found"})
		return
	}
	if h.Hub != nil {
		h.Hub.UnregisterWorker(name)
	}
	h.Store.FailByWorker(name, "backend destroyed")
	c.JSON(http.StatusOK, backendView(snap))
}

// EnableBackend flips enabled on, making the worker eligible again.
func (h *Handler) EnableBackend(c *gin.Context) {
	if !h.Registry.Enable(c.Param("name")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "backend not found"})
		return
	}
	h.Dispatcher.Wake()
	c.JSON(http.StatusOK, gin.H{"status": "enabled"})
}

// DisableBackend flips enabled off without touching health state.
func (h *Handler) DisableBackend(c *gin.Context) {
	if !h.Registry.Disable(c.Param("name")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "backend not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disabled"})
}

// GetTasks lists every job across all three indexes.
func (h *Handler) GetTasks(c *gin.Context) {
	jobs := make([]gin.H, 0)
	for _, j := range h.Store.Pending() {
		jobs = append(jobs, taskView(j))
	}
	for _, j := range h.Store.Dispatched() {
		jobs = append(jobs, taskView(j))
	}
	for _, j := range h.Store.Terminal() {
		jobs = append(jobs, taskView(j))
	}
	c.JSON(http.StatusOK, gin.H{"tasks": jobs})
}

func taskView(j jobstore.Job) gin.H {
	return gin.H{
		"jobId":        j.ID,
		"number":       j.Number,
		"state":        j.State,
		"backend_name": j.WorkerName,
		"workerJobId":  j.WorkerJobID,
		"clientId":     j.ClientID,
		"retries":      j.Retries,
		"error":        j.Error,
		"createdAt":    j.CreatedAt,
		"dispatchedAt": j.DispatchedAt,
		"completedAt":  j.CompletedAt,
	}
}

// GetTask looks up one job by balancer id.
func (h *Handler) GetTask(c *gin.Context) {
	job, ok := h.Store.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, taskView(job))
}

// DeleteTask cancels a job, issuing an upstream cancel if it had a
// worker binding.
func (h *Handler) DeleteTask(c *gin.Context) {
	job, err := h.Dispatcher.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, taskView(job))
}

// PostHealthCheck forces an immediate out-of-cycle probe of every worker.
func (h *Handler) PostHealthCheck(c *gin.Context) {
	h.Prober.ProbeNow(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "probed"})
}

// GetScheduler reports the active strategy and preferIdle flag.
func (h *Handler) GetScheduler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"strategy":   h.Scheduler.Strategy(),
		"preferIdle": h.Scheduler.PreferIdle(),
	})
}

// PostSchedulerStrategy switches the active scheduling policy.
func (h *Handler) PostSchedulerStrategy(c *gin.Context) {
	name := c.Param("name")
	if !h.Scheduler.SetStrategy(name) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown strategy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategy": h.Scheduler.Strategy()})
}

// GetGatewayResource lists every entity of one gateway resource kind.
func (h *Handler) GetGatewayResource(c *gin.Context) {
	raw, err := h.Gateway.List(c.Request.Context(), gateway.Resource(c.Param("resource")))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

// GetGatewayResourceOne fetches one gateway entity by id.
func (h *Handler) GetGatewayResourceOne(c *gin.Context) {
	raw, err := h.Gateway.Get(c.Request.Context(), gateway.Resource(c.Param("resource")), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

// PostGatewayResource creates a new gateway entity from the request body.
func (h *Handler) PostGatewayResource(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	raw, err := h.Gateway.Create(c.Request.Context(), gateway.Resource(c.Param("resource")), body)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

// DeleteGatewayResource removes a gateway entity by id.
func (h *Handler) DeleteGatewayResource(c *gin.Context) {
	if err := h.Gateway.Delete(c.Request.Context(), gateway.Resource(c.Param("resource")), c.Param("id")); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// PostAdminClear drops the archive's dispatch and terminal collections.
func (h *Handler) PostAdminClear(c *gin.Context) {
	cleared, errs := h.Archive.ClearAll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"cleared": cleared, "errors": errs})
}

// PostAdminClearCache flushes the cached stats payload so the next
// GetStats recomputes from JobStore/WorkerRegistry.
func (h *Handler) PostAdminClearCache(c *gin.Context) {
	if err := h.Cache.FlushCache(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}
