package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/axial/internal/ledger"
	"github.com/jmerrifield20/axial/internal/shield"
	"go.uber.org/zap"
)

// LedgerHandler exposes the evidence ledger over HTTP.
type LedgerHandler struct {
	ledger *ledger.Ledger
	shield *shield.Shield
	admin  gin.HandlerFunc
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler. Mutating routes are guarded
// by admin.
func NewLedgerHandler(l *ledger.Ledger, s *shield.Shield, admin gin.HandlerFunc, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: l, shield: s, admin: admin, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/verify", h.Verify)
		l.GET("/entries/:idx", h.GetEntry)
		l.GET("/search", h.Search)
		l.POST("/append", h.admin, h.Append)
		l.POST("/snapshot", h.admin, h.Snapshot)
		l.POST("/export", h.admin, h.Export)
	}
}

// Overview handles GET /ledger: returns the chain length and current root hash.
func (h *LedgerHandler) Overview(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"entries": h.ledger.Len(),
		"root":    h.ledger.Root(),
	})
}

// Verify handles GET /ledger/verify: walks the full chain and reports integrity.
func (h *LedgerHandler) Verify(c *gin.Context) {
	valid, err := h.ledger.Verify(c.Request.Context())
	if err != nil {
		h.logger.Error("ledger verify", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read ledger"})
		return
	}
	if !valid {
		h.logger.Warn("ledger integrity check failed")
	}
	c.JSON(http.StatusOK, gin.H{"valid": valid})
}

// GetEntry handles GET /ledger/entries/:idx: returns a single ledger entry.
func (h *LedgerHandler) GetEntry(c *gin.Context) {
	idx, err := strconv.ParseUint(c.Param("idx"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return
	}

	entry, err := h.ledger.Get(c.Request.Context(), idx)
	if errors.Is(err, ledger.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return
	}
	if err != nil {
		h.logger.Error("ledger get", zap.Uint64("idx", idx), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read ledger"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

// Search handles GET /ledger/search?q=: substring match over payloads,
// newest first.
func (h *LedgerHandler) Search(c *gin.Context) {
	q := c.Query("q")
	if q == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}
	entries, err := h.ledger.Query(c.Request.Context(), q)
	if err != nil {
		h.logger.Error("ledger query", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// Append handles POST /ledger/append: the body is recorded as the payload.
func (h *LedgerHandler) Append(c *gin.Context) {
	var payload any
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be JSON"})
		return
	}
	entry, err := h.ledger.Append(c.Request.Context(), payload)
	if err != nil {
		h.writeStorageError(c, "ledger append", err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

type snapshotRequest struct {
	Tag string `json:"tag" binding:"required"`
}

// Snapshot handles POST /ledger/snapshot.
func (h *LedgerHandler) Snapshot(c *gin.Context) {
	var req snapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	entry, err := h.ledger.Snapshot(c.Request.Context(), req.Tag)
	if err != nil {
		h.writeStorageError(c, "ledger snapshot", err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

type exportRequest struct {
	Dir string `json:"dir" binding:"required"`
}

// Export handles POST /ledger/export. The destination must lie inside the
// shield's workspace.
func (h *LedgerHandler) Export(c *gin.Context) {
	var req exportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.shield.ValidateFileExport(req.Dir); err != nil {
		var rej *shield.RejectionError
		if errors.As(err, &rej) {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	manifest, err := h.ledger.ExportRunpack(c.Request.Context(), req.Dir)
	if err != nil {
		h.writeStorageError(c, "ledger export", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dir": req.Dir, "manifest": manifest})
}

func (h *LedgerHandler) writeStorageError(c *gin.Context, op string, err error) {
	h.logger.Error(op, zap.Error(err))
	if errors.Is(err, ledger.ErrPoisoned) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger needs rebuild"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger storage failure"})
}
