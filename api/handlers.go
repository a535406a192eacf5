// Package api implements the HTTP API handlers for the Vigil control plane.
//
// All endpoints are versioned under /api/v1 and follow RESTful conventions.
// Handlers delegate to the core components (policy engine, stores, queue,
// runner, worker pool) and return JSON responses with appropriate HTTP
// status codes. Error bodies carry a stable {"detail": "..."} string.
package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/techmedaddy/vigil/internal/metrics"
	"github.com/techmedaddy/vigil/internal/policy"
	"github.com/techmedaddy/vigil/internal/queue"
	"github.com/techmedaddy/vigil/internal/runner"
	"github.com/techmedaddy/vigil/internal/store"
	"github.com/techmedaddy/vigil/internal/worker"
	"github.com/techmedaddy/vigil/pkg/models"
)

// Handler holds references to all core components and provides HTTP
// handler methods.
type Handler struct {
	engine     *policy.Engine
	actions    store.ActionStore
	metricRepo store.MetricStore
	tasks      queue.Queue
	producer   *worker.Producer
	runner     *runner.Runner
	pool       *worker.Pool
	policyPath string
	startTime  time.Time
}

// NewHandler creates a new Handler with all required dependencies.
func NewHandler(
	engine *policy.Engine,
	actions store.ActionStore,
	metricRepo store.MetricStore,
	tasks queue.Queue,
	producer *worker.Producer,
	run *runner.Runner,
	pool *worker.Pool,
	policyPath string,
) *Handler {
	return &Handler{
		engine:     engine,
		actions:    actions,
		metricRepo: metricRepo,
		tasks:      tasks,
		producer:   producer,
		runner:     run,
		pool:       pool,
		policyPath: policyPath,
		startTime:  time.Now().UTC(),
	}
}

// MetricsMiddleware counts requests per method, route, and status.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RequestsTotal.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// RegisterRoutes sets up all API routes on the given Gin engine.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// Service health and Prometheus scrape endpoints (unversioned).
	r.GET("/health", h.ServiceHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.POST("/ingest", h.Ingest)

		actions := v1.Group("/actions")
		{
			actions.POST("", h.CreateAction)
			actions.GET("", h.ListActions)
			actions.GET("/:id", h.GetAction)
			actions.POST("/:id/cancel", h.CancelAction)
			actions.GET("/status/:status", h.ActionsByStatus)
		}

		policies := v1.Group("/policies")
		{
			policies.GET("", h.ListPolicies)
			policies.POST("", h.CreatePolicy)
			policies.GET("/:name", h.GetPolicy)
			policies.PUT("/:name", h.UpdatePolicy)
			policies.DELETE("/:name", h.DeletePolicy)
			policies.POST("/:name/enable", h.EnablePolicy)
			policies.POST("/:name/disable", h.DisablePolicy)
			policies.GET("/severity/:severity", h.PoliciesBySeverity)
			policies.POST("/reload", h.ReloadPolicies)
			policies.POST("/evaluate", h.EvaluatePolicies)
			policies.GET("/runner/status", h.RunnerStatus)
		}

		queueGroup := v1.Group("/queue")
		{
			queueGroup.GET("/stats", h.QueueStats)
		}

		workers := v1.Group("/workers")
		{
			workers.GET("/status", h.WorkerStatus)
		}
	}
}

// detail writes the standard error body.
func detail(c *gin.Context, code int, format string, args ...any) {
	c.JSON(code, gin.H{"detail": fmt.Sprintf(format, args...)})
}

// fromError maps core errors to HTTP status codes.
func fromError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, policy.ErrNotFound), errors.Is(err, store.ErrNotFound):
		detail(c, http.StatusNotFound, "%v", err)
	case errors.Is(err, policy.ErrAlreadyExists), errors.Is(err, store.ErrConflict):
		detail(c, http.StatusConflict, "%v", err)
	case errors.Is(err, policy.ErrInvalid):
		detail(c, http.StatusBadRequest, "%v", err)
	default:
		detail(c, http.StatusInternalServerError, "%v", err)
	}
}

// ServiceHealth reports liveness and uptime.
func (h *Handler) ServiceHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"service":        "vigil",
		"uptime_seconds": time.Since(h.startTime).Seconds(),
	})
}

// ingestRequest is the body of POST /api/v1/ingest.
type ingestRequest struct {
	Name  string            `json:"name"`
	Value *float64          `json:"value"`
	Tags  map[string]string `json:"tags"`
}

// Ingest validates and persists a metric sample, then synchronously
// evaluates policies against it. Intent emission enqueues tasks; the
// remediator call itself never happens on this path.
func (h *Handler) Ingest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		detail(c, http.StatusUnprocessableEntity, "invalid request body: %v", err)
		return
	}
	if req.Name == "" || len(req.Name) > 255 {
		detail(c, http.StatusBadRequest, "metric name must be 1-255 characters")
		return
	}
	if req.Value == nil {
		detail(c, http.StatusBadRequest, "metric value is required")
		return
	}
	if math.IsNaN(*req.Value) || math.IsInf(*req.Value, 0) {
		detail(c, http.StatusBadRequest, "metric value must be finite")
		return
	}

	sample := &models.MetricSample{
		Name:  req.Name,
		Value: *req.Value,
		Tags:  req.Tags,
	}
	id, err := h.metricRepo.Insert(c.Request.Context(), sample)
	if err != nil {
		detail(c, http.StatusInternalServerError, "failed to store metric")
		return
	}
	metrics.IngestTotal.Inc()

	target := req.Tags["target"]
	_, intents := h.engine.Evaluate(map[string]float64{req.Name: *req.Value}, target)
	for _, intent := range intents {
		if _, err := h.producer.EnqueueIntent(c.Request.Context(), intent); err != nil {
			// The sample is already stored; a queue outage must not fail
			// the ingest itself, so the enqueue error is dropped here.
			continue
		}
	}

	c.JSON(http.StatusCreated, gin.H{
		"ok":        true,
		"metric_id": id,
		"message":   fmt.Sprintf("metric %q ingested", req.Name),
	})
}

// createActionRequest is the body of POST /api/v1/actions.
type createActionRequest struct {
	Target  string `json:"target"`
	Action  string `json:"action"`
	Details string `json:"details"`
}

// CreateAction records a manually requested action and enqueues it for the
// worker pool.
func (h *Handler) CreateAction(c *gin.Context) {
	var req createActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		detail(c, http.StatusUnprocessableEntity, "invalid request body: %v", err)
		return
	}
	if req.Target == "" || len(req.Target) > 255 {
		detail(c, http.StatusBadRequest, "target must be 1-255 characters")
		return
	}
	if req.Action == "" || len(req.Action) > 255 {
		detail(c, http.StatusBadRequest, "action must be 1-255 characters")
		return
	}

	intent := models.Intent{
		Action:   models.ActionType(req.Action),
		Target:   req.Target,
		Severity: models.SeverityWarning,
	}
	id, err := h.producer.EnqueueIntent(c.Request.Context(), intent)
	if err != nil {
		fromError(c, err)
		return
	}

	rec, err := h.actions.Get(c.Request.Context(), id)
	if err != nil {
		fromError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// ListActions returns actions newest first. Query parameters: limit
// (default 50, max 500), status, target.
func (h *Handler) ListActions(c *gin.Context) {
	filter := store.ActionFilter{Target: c.Query("target")}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			detail(c, http.StatusBadRequest, "invalid limit %q", raw)
			return
		}
		filter.Limit = limit
	}
	if raw := c.Query("status"); raw != "" {
		status := models.ActionStatus(raw)
		if !status.Valid() {
			detail(c, http.StatusBadRequest, "unknown status %q", raw)
			return
		}
		filter.Status = status
	}

	recs, err := h.actions.List(c.Request.Context(), filter)
	if err != nil {
		fromError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(recs), "actions": recs})
}

// GetAction returns a single action record.
func (h *Handler) GetAction(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		detail(c, http.StatusBadRequest, "invalid action id %q", c.Param("id"))
		return
	}

	rec, err := h.actions.Get(c.Request.Context(), id)
	if err != nil {
		fromError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ActionsByStatus returns actions in the given status. The path status is
// authoritative: a conflicting ?status= query parameter is ignored.
func (h *Handler) ActionsByStatus(c *gin.Context) {
	status := models.ActionStatus(c.Param("status"))
	if !status.Valid() {
		detail(c, http.StatusBadRequest, "unknown status %q", c.Param("status"))
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			detail(c, http.StatusBadRequest, "invalid limit %q", raw)
			return
		}
		limit = parsed
	}

	recs, err := h.actions.ByStatus(c.Request.Context(), status, limit)
	if err != nil {
		fromError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(recs), "actions": recs})
}

// CancelAction cancels a pending action. Running or terminal actions
// cannot be cancelled.
func (h *Handler) CancelAction(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		detail(c, http.StatusBadRequest, "invalid action id %q", c.Param("id"))
		return
	}

	if err := h.actions.Cancel(c.Request.Context(), id); err != nil {
		fromError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "message": fmt.Sprintf("action %d cancelled", id)})
}

// policyRequest is the body of POST /api/v1/policies. Enabled and
// auto_remediate default to true when omitted.
type policyRequest struct {
	Name            string           `json:"name"`
	Description     string           `json:"description"`
	Severity        string           `json:"severity"`
	Target          string           `json:"target"`
	Enabled         *bool            `json:"enabled"`
	AutoRemediate   *bool            `json:"auto_remediate"`
	Action          string           `json:"action"`
	Params          map[string]any   `json:"params"`
	Condition       policy.Condition `json:"condition"`
	CooldownSeconds int              `json:"cooldown_seconds"`
}

func (r *policyRequest) toPolicy() policy.Policy {
	p := policy.Policy{
		Name:            r.Name,
		Description:     r.Description,
		Severity:        models.Severity(r.Severity),
		Target:          r.Target,
		Enabled:         true,
		AutoRemediate:   true,
		Action:          models.ActionType(r.Action),
		Params:          r.Params,
		Condition:       r.Condition,
		CooldownSeconds: r.CooldownSeconds,
	}
	if r.Severity == "" {
		p.Severity = models.SeverityWarning
	}
	if r.Target == "" {
		p.Target = "all"
	}
	if r.Enabled != nil {
		p.Enabled = *r.Enabled
	}
	if r.AutoRemediate != nil {
		p.AutoRemediate = *r.AutoRemediate
	}
	return p
}

// CreatePolicy registers a new policy.
func (h *Handler) CreatePolicy(c *gin.Context) {
	var req policyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		detail(c, http.StatusUnprocessableEntity, "invalid request body: %v", err)
		return
	}

	p := req.toPolicy()
	if err := h.engine.Registry().Insert(p); err != nil {
		fromError(c, err)
		return
	}

	created, err := h.engine.Registry().Get(p.Name)
	if err != nil {
		fromError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// ListPolicies returns all policies in insertion order.
func (h *Handler) ListPolicies(c *gin.Context) {
	policies := h.engine.Registry().List()
	c.JSON(http.StatusOK, gin.H{"count": len(policies), "policies": policies})
}

// GetPolicy returns a single policy.
func (h *Handler) GetPolicy(c *gin.Context) {
	p, err := h.engine.Registry().Get(c.Param("name"))
	if err != nil {
		fromError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// UpdatePolicy merges recognized fields into an existing policy.
func (h *Handler) UpdatePolicy(c *gin.Context) {
	var patch policy.PolicyPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		detail(c, http.StatusUnprocessableEntity, "invalid request body: %v", err)
		return
	}

	updated, err := h.engine.Registry().Update(c.Param("name"), patch)
	if err != nil {
		fromError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// DeletePolicy removes a policy. Deleting a missing policy returns 404.
func (h *Handler) DeletePolicy(c *gin.Context) {
	name := c.Param("name")
	if err := h.engine.Registry().Delete(name); err != nil {
		fromError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "message": fmt.Sprintf("policy %q deleted", name)})
}

// EnablePolicy enables a policy.
func (h *Handler) EnablePolicy(c *gin.Context) {
	name := c.Param("name")
	if err := h.engine.Registry().Enable(name); err != nil {
		fromError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "message": fmt.Sprintf("policy %q enabled", name)})
}

// DisablePolicy disables a policy.
func (h *Handler) DisablePolicy(c *gin.Context) {
	name := c.Param("name")
	if err := h.engine.Registry().Disable(name); err != nil {
		fromError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "message": fmt.Sprintf("policy %q disabled", name)})
}

// PoliciesBySeverity returns policies filtered by severity.
func (h *Handler) PoliciesBySeverity(c *gin.Context) {
	severity := models.Severity(c.Param("severity"))
	if !severity.Valid() {
		detail(c, http.StatusBadRequest, "unknown severity %q", c.Param("severity"))
		return
	}

	policies := h.engine.Registry().BySeverity(severity)
	c.JSON(http.StatusOK, gin.H{"count": len(policies), "policies": policies})
}

// reloadRequest optionally overrides the configured policy source path.
type reloadRequest struct {
	Path string `json:"path"`
}

// ReloadPolicies transactionally replaces the registry from the policy
// source document. A malformed document leaves the registry unchanged.
func (h *Handler) ReloadPolicies(c *gin.Context) {
	var req reloadRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			detail(c, http.StatusUnprocessableEntity, "invalid request body: %v", err)
			return
		}
	}
	path := req.Path
	if path == "" {
		path = h.policyPath
	}

	if err := h.engine.Registry().ReloadFromFile(path); err != nil {
		fromError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"message": fmt.Sprintf("policies reloaded from %q", path),
		"count":   h.engine.Registry().Len(),
	})
}

// evaluateRequest is the body of POST /api/v1/policies/evaluate.
type evaluateRequest struct {
	Metrics map[string]float64 `json:"metrics"`
	Target  string             `json:"target"`
}

// EvaluatePolicies runs a dry-run evaluation. It has no persistent side
// effects: cooldowns are not updated and no task is enqueued.
func (h *Handler) EvaluatePolicies(c *gin.Context) {
	var req evaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		detail(c, http.StatusUnprocessableEntity, "invalid request body: %v", err)
		return
	}
	if len(req.Metrics) == 0 {
		detail(c, http.StatusBadRequest, "metrics mapping is required")
		return
	}

	violations, intents := h.engine.DryRun(req.Metrics, req.Target)

	triggered := make([]gin.H, 0, len(intents))
	for _, intent := range intents {
		triggered = append(triggered, gin.H{
			"action": intent.Action,
			"target": intent.Target,
			"status": "dry_run",
			"params": intent.Params,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":                true,
		"violations":        violations,
		"actions_triggered": triggered,
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
	})
}

// RunnerStatus reports the scheduled evaluator state.
func (h *Handler) RunnerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.runner.Status())
}

// QueueStats reports the remediation queue counters.
func (h *Handler) QueueStats(c *gin.Context) {
	stats, err := h.tasks.Stats(c.Request.Context())
	if err != nil {
		detail(c, http.StatusInternalServerError, "failed to read queue stats: %v", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// WorkerStatus reports the worker pool counters.
func (h *Handler) WorkerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.pool.Status())
}
