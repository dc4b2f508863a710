// Package handlers provides the HTTP surface for the async job protocol
// and the rule store, with the same reliability middleware stack
// (metrics, rate limiting, circuit breaking) the teacher's email handlers
// used.
package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/email-management-platform/backend/gmail-automation/internal/jobs"
	"github.com/email-management-platform/backend/gmail-automation/internal/models"
	"github.com/email-management-platform/backend/gmail-automation/internal/rules"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultListLimit = 50
	maxListLimit     = 100
)

var (
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "handler_request_duration_seconds",
		Help:    "Duration of handler requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "status"})

	requestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "handler_errors_total",
		Help: "Total number of handler errors.",
	}, []string{"method", "error_type"})

	activeRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "handler_active_requests",
		Help: "Number of currently active requests.",
	})
)

// RunStarter submits a pipeline run covering the given rule ids (all
// enabled rules when empty) and returns the new job's id.
type RunStarter func(ctx context.Context, ruleIDs []string, dryRun bool) string

// Handler exposes the rule store and job manager over HTTP.
type Handler struct {
	store      *rules.Store
	jobManager *jobs.Manager
	startRun   RunStarter
	validate   *validator.Validate
	breaker    *gobreaker.CircuitBreaker
	rateLim    *rate.Limiter
}

// NewHandler constructs a Handler. startRun is how the handler hands a
// submit request off to the pipeline executor without importing it
// directly, keeping internal/handlers free of a pipeline dependency.
func NewHandler(store *rules.Store, jobManager *jobs.Manager, startRun RunStarter) (*Handler, error) {
	if store == nil {
		return nil, errors.New("rule store is required")
	}
	if jobManager == nil {
		return nil, errors.New("job manager is required")
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "handlers",
		MaxRequests: maxListLimit,
		Timeout:     defaultTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
	})

	return &Handler{
		store:      store,
		jobManager: jobManager,
		startRun:   startRun,
		validate:   validator.New(),
		breaker:    breaker,
		rateLim:    rate.NewLimiter(rate.Limit(100), maxListLimit),
	}, nil
}

// RegisterRoutes registers the rule store and async job protocol routes
// under router, with the metrics/rate-limit/circuit-breaker middleware
// stack applied to every route.
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	if router == nil {
		return
	}

	router.Use(h.metricsMiddleware())
	router.Use(h.rateLimitMiddleware())
	router.Use(h.circuitBreakerMiddleware())

	router.POST("/rules", h.handleCreateRule)
	router.GET("/rules", h.handleListRules)
	router.GET("/rules/:ruleId", h.handleGetRule)
	router.PUT("/rules/:ruleId", h.handleReplaceRule)
	router.DELETE("/rules/:ruleId", h.handleDeleteRule)

	router.POST("/runs", h.handleSubmitRun)
	router.GET("/runs", h.handleListActiveRuns)
	router.GET("/runs/:taskId", h.handleGetRunStatus)
	router.GET("/runs/:taskId/result", h.handleGetRunResult)
	router.POST("/runs/:taskId/cancel", h.handleCancelRun)
}

func (h *Handler) handleCreateRule(c *gin.Context) {
	var req models.CreateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		requestErrors.WithLabelValues("create_rule", "invalid_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		requestErrors.WithLabelValues("create_rule", "invalid_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rule := models.RuleFromRequest(req)
	if err := h.store.Add(rule); err != nil {
		requestErrors.WithLabelValues("create_rule", "store_error").Inc()
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, rule)
}

func (h *Handler) handleListRules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rules": h.store.List()})
}

func (h *Handler) handleGetRule(c *gin.Context) {
	rule, ok := h.store.Get(c.Param("ruleId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *Handler) handleReplaceRule(c *gin.Context) {
	var req models.CreateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		requestErrors.WithLabelValues("replace_rule", "invalid_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		requestErrors.WithLabelValues("replace_rule", "invalid_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := c.Param("ruleId")
	rule := models.RuleFromRequest(req)
	if err := h.store.Replace(id, rule); err != nil {
		requestErrors.WithLabelValues("replace_rule", "store_error").Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, rule)
}

func (h *Handler) handleDeleteRule(c *gin.Context) {
	if err := h.store.Delete(c.Param("ruleId")); err != nil {
		requestErrors.WithLabelValues("delete_rule", "store_error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type submitRunRequest struct {
	RuleIDs []string `json:"rule_ids"`
	DryRun  bool     `json:"dry_run"`
}

func (h *Handler) handleSubmitRun(c *gin.Context) {
	var req submitRunRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		requestErrors.WithLabelValues("submit_run", "invalid_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	taskID := h.startRun(context.Background(), req.RuleIDs, req.DryRun)
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID})
}

func (h *Handler) handleListActiveRuns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runs": h.jobManager.ListActive()})
}

func (h *Handler) handleGetRunStatus(c *gin.Context) {
	job, ok := h.jobManager.Status(c.Param("taskId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handler) handleGetRunResult(c *gin.Context) {
	job, ok := h.jobManager.Result(c.Param("taskId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found or not finished"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handler) handleCancelRun(c *gin.Context) {
	h.jobManager.Cancel(c.Param("taskId"))
	c.Status(http.StatusAccepted)
}

// Middleware

func (h *Handler) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		activeRequests.Inc()
		defer activeRequests.Dec()

		start := time.Now()
		c.Next()
		requestDuration.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Observe(time.Since(start).Seconds())
	}
}

func (h *Handler) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !h.rateLim.Allow() {
			requestErrors.WithLabelValues(c.Request.Method, "rate_limit").Inc()
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (h *Handler) circuitBreakerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		_, err := h.breaker.Execute(func() (interface{}, error) {
			c.Next()
			if c.Writer.Status() >= 500 {
				return nil, errors.New("server error")
			}
			return nil, nil
		})

		if err != nil {
			requestErrors.WithLabelValues(c.Request.Method, "circuit_breaker").Inc()
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service temporarily unavailable"})
			c.Abort()
			return
		}
	}
}
