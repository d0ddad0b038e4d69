package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/axial/internal/health"
	"github.com/jmerrifield20/axial/internal/ledger"
	"github.com/jmerrifield20/axial/internal/router"
	"go.uber.org/zap"
)

// RouterHandler exposes provider routing and goal decomposition. Every
// decision it makes is recorded in the ledger.
type RouterHandler struct {
	router *router.Router
	ledger *ledger.Ledger
	health *health.Checker
	logger *zap.Logger
}

// NewRouterHandler creates a new RouterHandler. hc may be nil.
func NewRouterHandler(r *router.Router, l *ledger.Ledger, hc *health.Checker, logger *zap.Logger) *RouterHandler {
	return &RouterHandler{router: r, ledger: l, health: hc, logger: logger}
}

// Register mounts the router routes on the given router group.
func (h *RouterHandler) Register(rg *gin.RouterGroup) {
	r := rg.Group("/router")
	{
		r.GET("/providers", h.ListProviders)
		r.GET("/health", h.Health)
		r.POST("/route", h.Route)
		r.POST("/execute", h.Execute)
		r.POST("/decompose", h.Decompose)
	}
}

// ListProviders handles GET /router/providers.
func (h *RouterHandler) ListProviders(c *gin.Context) {
	providers := h.router.Providers()
	if providers == nil {
		providers = []router.ProviderInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"providers": providers})
}

// Health handles GET /router/health: last probe status per provider.
func (h *RouterHandler) Health(c *gin.Context) {
	statuses := map[string]health.Status{}
	if h.health != nil {
		statuses = h.health.Statuses()
	}
	c.JSON(http.StatusOK, gin.H{"providers": statuses})
}

type routeRequest struct {
	Requirements []string        `json:"requirements"`
	Strategy     router.Strategy `json:"strategy"`
}

// Route handles POST /router/route. Strategy defaults to privacy_first.
func (h *RouterHandler) Route(c *gin.Context) {
	var req routeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch req.Strategy {
	case "":
		req.Strategy = router.PrivacyFirst
	case router.PrivacyFirst, router.Performance, router.CostEfficient:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown strategy: " + string(req.Strategy)})
		return
	}

	decision, err := h.router.Route(req.Requirements, req.Strategy)
	if errors.Is(err, router.ErrNoProviderFound) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("route", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "routing failed"})
		return
	}

	h.record(c, map[string]any{
		"event":        "route_decision",
		"requirements": req.Requirements,
		"decision":     decision,
	})
	c.JSON(http.StatusOK, decision)
}

type executeRequest struct {
	ProviderID string         `json:"provider_id" binding:"required"`
	Task       string         `json:"task" binding:"required"`
	Params     map[string]any `json:"params"`
}

// Execute handles POST /router/execute: runs a task on a named provider.
func (h *RouterHandler) Execute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.router.Execute(c.Request.Context(), req.ProviderID, req.Task, req.Params)
	switch {
	case errors.Is(err, router.ErrUnknownProvider):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case errors.Is(err, router.ErrExecution):
		h.record(c, map[string]any{
			"event":       "task_failed",
			"provider_id": req.ProviderID,
			"task":        req.Task,
			"error":       err.Error(),
		})
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("execute", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "execution failed"})
		return
	}

	h.record(c, map[string]any{
		"event":       "task_executed",
		"provider_id": req.ProviderID,
		"task":        req.Task,
	})
	c.JSON(http.StatusOK, gin.H{"result": result})
}

type decomposeRequest struct {
	Goal string `json:"goal" binding:"required"`
}

// Decompose handles POST /router/decompose.
func (h *RouterHandler) Decompose(c *gin.Context) {
	var req decomposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	packet := h.router.Decompose(req.Goal)
	h.record(c, map[string]any{
		"event":   "plan_created",
		"plan_id": packet.ID.String(),
		"title":   packet.Title,
		"nodes":   len(packet.Graph.Nodes),
	})
	c.JSON(http.StatusOK, packet)
}

// record appends an audit event. A ledger failure is logged but does not
// fail the request that triggered it.
func (h *RouterHandler) record(c *gin.Context, payload map[string]any) {
	if _, err := h.ledger.Append(c.Request.Context(), payload); err != nil {
		h.logger.Error("record router event", zap.Any("event", payload["event"]), zap.Error(err))
	}
}
