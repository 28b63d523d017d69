package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Satisfyguy/escrowd/internal/escrow"
	"github.com/Satisfyguy/escrowd/internal/wallets"
)

// Sweeper triggers one poller pass on demand, so an operator does not
// have to wait out the poll interval after fixing something.
type Sweeper interface {
	Sweep(ctx context.Context)
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	store    escrow.Store
	service  *escrow.Service
	pool     *wallets.Pool
	detector Sweeper
	monitor  Sweeper
	hubStats func() map[string]interface{}
}

// NewHandler creates a new admin handler.
func NewHandler(store escrow.Store, service *escrow.Service) *Handler {
	return &Handler{store: store, service: service}
}

// WithPool sets the wallet pool for capacity stats.
func (h *Handler) WithPool(pool *wallets.Pool) *Handler {
	h.pool = pool
	return h
}

// WithDetector sets the funding detector for forced sweeps.
func (h *Handler) WithDetector(d Sweeper) *Handler {
	h.detector = d
	return h
}

// WithMonitor sets the timeout monitor for forced sweeps.
func (h *Handler) WithMonitor(m Sweeper) *Handler {
	h.monitor = m
	return h
}

// WithHubStats sets the WebSocket hub stats source.
func (h *Handler) WithHubStats(stats func() map[string]interface{}) *Handler {
	h.hubStats = stats
	return h
}

// RegisterRoutes sets up admin routes. The caller wraps the group in the
// bearer-secret middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/escrows/stats", h.stats)
	r.GET("/admin/escrows/expired", h.listExpired)
	r.GET("/admin/escrows/expiring", h.listExpiring)
	r.GET("/admin/escrows/:id", h.getEscrow)
	r.POST("/admin/escrows/:id/cancel", h.forceCancel)
	r.POST("/admin/sweep", h.forceSweep)
}

// stats aggregates escrow counts, wallet pool capacity and realtime hub
// activity into one operator view.
func (h *Handler) stats(c *gin.Context) {
	counts, err := h.store.CountByStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count escrows", "message": err.Error()})
		return
	}

	resp := gin.H{"escrows": counts}
	if h.pool != nil {
		resp["pool"] = h.pool.Stats()
	}
	if h.hubStats != nil {
		resp["realtime"] = h.hubStats()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) listExpired(c *gin.Context) {
	escrows, err := h.store.ListExpired(c.Request.Context(), time.Now(), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list expired escrows", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": escrows, "count": len(escrows)})
}

func (h *Handler) listExpiring(c *gin.Context) {
	within := h.service.Policy().WarningThreshold
	if w := c.Query("within"); w != "" {
		if parsed, err := time.ParseDuration(w); err == nil && parsed > 0 {
			within = parsed
		}
	}

	escrows, err := h.store.ListExpiring(c.Request.Context(), time.Now(), within, queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list expiring escrows", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": escrows, "count": len(escrows), "within": within.String()})
}

// getEscrow returns the full record including fields the public API
// hides, so operators can inspect the multisig phase and partial txsets.
func (h *Handler) getEscrow(c *gin.Context) {
	e, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load escrow", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrow":        e,
		"multisigPhase": e.MultisigPhase,
		"partialTxset":  e.PartialTxset,
	})
}

// forceCancel runs the deadline check immediately for one escrow. It
// only acts when the deadline has actually lapsed; there is no
// bypassing the state machine from here.
func (h *Handler) forceCancel(c *gin.Context) {
	e, err := h.service.AutoCancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cancel failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e, "cancelled": e.Status == escrow.StatusCancelled})
}

// forceSweep triggers one detector and monitor pass.
func (h *Handler) forceSweep(c *gin.Context) {
	ran := []string{}
	if h.detector != nil {
		h.detector.Sweep(c.Request.Context())
		ran = append(ran, "funding")
	}
	if h.monitor != nil {
		h.monitor.Sweep(c.Request.Context())
		ran = append(ran, "timeouts")
	}
	c.JSON(http.StatusOK, gin.H{"swept": ran})
}

func queryLimit(c *gin.Context) int {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	return limit
}
