package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mail-optout-bridge/internal/config"
	"mail-optout-bridge/internal/dispatch"
	"mail-optout-bridge/internal/queue"
	"mail-optout-bridge/internal/repository"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	db         *gorm.DB
	repo       *repository.Repository
	dispatcher *dispatch.Dispatcher
	runner     *queue.Runner
	cfg        *config.Config
}

// NewHandlers creates new HTTP handlers
func NewHandlers(db *gorm.DB, repo *repository.Repository, dispatcher *dispatch.Dispatcher, runner *queue.Runner, cfg *config.Config) *Handlers {
	return &Handlers{
		db:         db,
		repo:       repo,
		dispatcher: dispatcher,
		runner:     runner,
		cfg:        cfg,
	}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	// Health check
	router.GET("/healthz", h.HealthCheck)

	// Prometheus metrics
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		// Inbound triggers from the host application
		hooks := api.Group("/hooks")
		{
			hooks.POST("/preference-changed", h.PreferenceChanged)
			hooks.POST("/unsubscribe", h.Unsubscribe)
			hooks.POST("/preferences-saved", h.PreferencesSaved)
			if !h.cfg.Webhook.HookOnlyOnPost {
				hooks.PUT("/preferences-saved", h.PreferencesSaved)
			}
		}

		// Outbox and delivery journal
		api.GET("/tasks", h.GetTasks)
		api.GET("/deliveries", h.GetDeliveries)
		api.GET("/deliveries/:id", h.GetDelivery)

		// Runner control
		api.POST("/runner/start", h.StartRunner)
		api.POST("/runner/stop", h.StopRunner)
		api.POST("/runner/run-once", h.RunOnce)
		api.GET("/runner/status", h.GetRunnerStatus)
	}
}

// PreferenceChangedRequest is the post-commit notification body.
type PreferenceChangedRequest struct {
	SubjectID uint64   `json:"subject_id" binding:"required"`
	Changed   []string `json:"changed" binding:"required"`
	Source    string   `json:"source"`
}

// UnsubscribeRequest carries the unsubscribe-link lookup key.
type UnsubscribeRequest struct {
	Key string `json:"key" binding:"required"`
}

// PreferencesSavedRequest identifies the acting subject of a
// preferences-page save.
type PreferencesSavedRequest struct {
	SubjectID uint64 `json:"subject_id" binding:"required"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Database  string            `json:"database"`
	Metrics   map[string]string `json:"metrics,omitempty"`
}

// PreferenceChanged handles the preference post-commit hook
func (h *Handlers) PreferenceChanged(c *gin.Context) {
	var req PreferenceChangedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "Invalid request body",
			Code:    http.StatusBadRequest,
		})
		return
	}

	changed := dispatch.Changed{}
	for _, field := range req.Changed {
		switch field {
		case "email_digests":
			changed.EmailDigests = true
		case "digest_interval_minutes":
			changed.DigestInterval = true
		case "email_level":
			changed.EmailLevel = true
		default:
			logrus.Debugf("Ignoring unknown changed field %q", field)
		}
	}

	source := req.Source
	if source == "" {
		source = "preference_commit"
	}

	h.dispatcher.PreferenceChanged(c.Request.Context(), req.SubjectID, changed, source)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// Unsubscribe handles the unsubscribe-link hook
func (h *Handlers) Unsubscribe(c *gin.Context) {
	var req UnsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "Invalid request body",
			Code:    http.StatusBadRequest,
		})
		return
	}

	h.dispatcher.UnsubscribeRequested(c.Request.Context(), req.Key, "unsubscribe")
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// PreferencesSaved handles the preferences-page save hook
func (h *Handlers) PreferencesSaved(c *gin.Context) {
	var req PreferencesSavedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "Invalid request body",
			Code:    http.StatusBadRequest,
		})
		return
	}

	h.dispatcher.SyntheticTrigger(c.Request.Context(), req.SubjectID, "preferences_page")
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// GetTasks returns recent outbox tasks, optionally filtered by status
func (h *Handlers) GetTasks(c *gin.Context) {
	limit := parseLimit(c.DefaultQuery("limit", "50"))
	tasks, err := h.repo.ListTasks(c.Request.Context(), c.Query("status"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to fetch tasks",
			Code:    http.StatusInternalServerError,
		})
		return
	}
	c.JSON(http.StatusOK, tasks)
}

// GetDeliveries returns recent delivery attempts
func (h *Handlers) GetDeliveries(c *gin.Context) {
	limit := parseLimit(c.DefaultQuery("limit", "50"))
	logs, err := h.repo.ListDeliveryLogs(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to fetch delivery logs",
			Code:    http.StatusInternalServerError,
		})
		return
	}
	c.JSON(http.StatusOK, logs)
}

// GetDelivery returns one delivery attempt
func (h *Handlers) GetDelivery(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "Invalid delivery log ID",
			Code:    http.StatusBadRequest,
		})
		return
	}

	log, err := h.repo.GetDeliveryLog(c.Request.Context(), uint(id))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to fetch delivery log",
			Code:    http.StatusInternalServerError,
		})
		return
	}
	if log == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Delivery log not found",
			Code:    http.StatusNotFound,
		})
		return
	}
	c.JSON(http.StatusOK, log)
}

// StartRunner starts the task runner
func (h *Handlers) StartRunner(c *gin.Context) {
	if err := h.runner.Start(); err != nil {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "runner_error",
			Message: err.Error(),
			Code:    http.StatusConflict,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

// StopRunner stops the task runner
func (h *Handlers) StopRunner(c *gin.Context) {
	if err := h.runner.Stop(); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "runner_error",
			Message: err.Error(),
			Code:    http.StatusInternalServerError,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// RunOnce drains the outbox once
func (h *Handlers) RunOnce(c *gin.Context) {
	go func() {
		if err := h.runner.RunOnce(); err != nil {
			logrus.Errorf("Manual drain failed: %v", err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "draining"})
}

// GetRunnerStatus returns the task runner status
func (h *Handlers) GetRunnerStatus(c *gin.Context) {
	status := gin.H{"running": h.runner.IsRunning()}
	if h.runner.IsRunning() {
		status["next_run"] = h.runner.GetNextRun().Format(time.RFC3339)
		status["last_run"] = h.runner.GetLastRun().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, status)
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Database:  "ok",
		Metrics:   make(map[string]string),
	}

	// Check database connection
	if err := h.db.Raw("SELECT 1").Error; err != nil {
		response.Status = "error"
		response.Database = "error"
		logrus.Errorf("Database health check failed: %v", err)
	}

	if h.runner.IsRunning() {
		response.Metrics["runner"] = "running"
		response.Metrics["next_run"] = h.runner.GetNextRun().Format(time.RFC3339)
		response.Metrics["last_run"] = h.runner.GetLastRun().Format(time.RFC3339)
	} else {
		response.Metrics["runner"] = "stopped"
	}

	if pending, err := h.repo.CountPendingTasks(c.Request.Context()); err == nil {
		response.Metrics["pending_tasks"] = strconv.FormatInt(pending, 10)
	}

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}

func parseLimit(raw string) int {
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > 500 {
		return 50
	}
	return limit
}
