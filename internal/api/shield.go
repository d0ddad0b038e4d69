package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/axial/internal/ledger"
	"github.com/jmerrifield20/axial/internal/shield"
	"go.uber.org/zap"
)

// ShieldHandler exposes redaction, domain checks and the kill switch.
type ShieldHandler struct {
	shield *shield.Shield
	ledger *ledger.Ledger
	admin  gin.HandlerFunc
	logger *zap.Logger
}

// NewShieldHandler creates a new ShieldHandler.
func NewShieldHandler(s *shield.Shield, l *ledger.Ledger, admin gin.HandlerFunc, logger *zap.Logger) *ShieldHandler {
	return &ShieldHandler{shield: s, ledger: l, admin: admin, logger: logger}
}

// Register mounts the shield routes on the given router group.
func (h *ShieldHandler) Register(rg *gin.RouterGroup) {
	s := rg.Group("/shield")
	{
		s.GET("/status", h.Status)
		s.POST("/redact", h.Redact)
		s.POST("/validate", h.Validate)
		s.POST("/kill", h.admin, h.Kill)
	}
}

// Status handles GET /shield/status.
func (h *ShieldHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"kill_switch": h.shield.KillSwitchActive()})
}

type redactRequest struct {
	Text string `json:"text"`
}

// Redact handles POST /shield/redact.
func (h *ShieldHandler) Redact(c *gin.Context) {
	var req redactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"text": h.shield.Redact(req.Text)})
}

type validateRequest struct {
	Domain string `json:"domain" binding:"required"`
}

// Validate handles POST /shield/validate. A rejected domain is a normal
// answer, not an HTTP error.
func (h *ShieldHandler) Validate(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.shield.ValidateRequest(req.Domain)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"domain": req.Domain, "allowed": true})
		return
	}
	var rej *shield.RejectionError
	if !errors.As(err, &rej) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"domain":  req.Domain,
		"allowed": false,
		"reason":  string(rej.Kind),
	})
}

// Kill handles POST /shield/kill. The switch cannot be reset at runtime.
func (h *ShieldHandler) Kill(c *gin.Context) {
	if h.shield.TriggerKillSwitch() {
		h.logger.Warn("kill switch triggered via admin API", zap.String("client_ip", c.ClientIP()))
		if _, err := h.ledger.Append(c.Request.Context(), map[string]any{
			"event":  "kill_switch",
			"source": "api",
		}); err != nil {
			h.logger.Error("record kill switch", zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, gin.H{"kill_switch": true})
}
