package escrow

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Satisfyguy/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
	network string
}

// NewHandler creates a new escrow handler. network selects recipient
// address validation rules.
func NewHandler(service *Service, network string) *Handler {
	return &Handler{service: service, network: network}
}

// RegisterRoutes sets up the escrow API routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.OpenEscrow)
	r.GET("/escrows/:id", h.GetEscrow)
	r.POST("/escrows/:id/release", h.ReleaseEscrow)
	r.POST("/escrows/:id/refund", h.RefundEscrow)
	r.POST("/escrows/:id/dispute", h.DisputeEscrow)
	r.POST("/escrows/:id/resolve", h.ResolveEscrow)
}

// releaseRequest carries the payout destination for cooperative release
// and refund.
type releaseRequest struct {
	Recipient string `json:"recipient" binding:"required"`
}

type disputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// OpenEscrow handles POST /v1/escrows
func (h *Handler) OpenEscrow(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("order_id", req.OrderID),
		validation.Required("buyer_id", req.BuyerID),
		validation.Required("vendor_id", req.VendorID),
		validation.Required("arbiter_id", req.ArbiterID),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	escrow, err := h.service.Open(c.Request.Context(), req)
	if err != nil {
		// Setup failures carry only coarse classes; endpoint details never
		// leave the engine.
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "setup_failed",
			"message": "Escrow setup failed, please retry",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	escrow, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Escrow not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load escrow",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ReleaseEscrow handles POST /v1/escrows/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	h.executeSpend(c, h.service.Release)
}

// RefundEscrow handles POST /v1/escrows/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	h.executeSpend(c, h.service.Refund)
}

func (h *Handler) executeSpend(c *gin.Context, op func(ctx context.Context, id, recipient string) (*Escrow, error)) {
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("recipient", req.Recipient, h.network),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	escrow, err := op(c.Request.Context(), c.Param("id"), req.Recipient)
	if err != nil {
		h.spendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// DisputeEscrow handles POST /v1/escrows/:id/dispute
func (h *Handler) DisputeEscrow(c *gin.Context) {
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	escrow, err := h.service.Dispute(c.Request.Context(), c.Param("id"),
		validation.SanitizeString(req.Reason, validation.MaxStringLength))
	if err != nil {
		h.spendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ResolveEscrow handles POST /v1/escrows/:id/resolve
func (h *Handler) ResolveEscrow(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("recipient", req.Recipient, h.network),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	escrow, err := h.service.Resolve(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.spendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

func (h *Handler) spendError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Escrow not found",
		})
	case errors.Is(err, ErrNotFunded), errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_status",
			"message": "Escrow is not in a state that allows this operation",
		})
	case errors.Is(err, ErrInvalidAddress):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "Recipient address is invalid",
		})
	default:
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "operation_failed",
			"message": "Operation failed, escrow unchanged; safe to retry",
		})
	}
}
