package payout

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/creatorpay/creatorpay/internal/auth"
	"github.com/creatorpay/creatorpay/internal/validation"
)

// Handler exposes payment ledger endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a payout HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts payout routes. The admin release route must be
// mounted behind auth.RequireAdmin by the caller.
func (h *Handler) RegisterRoutes(r, admin *gin.RouterGroup) {
	r.GET("/payouts/:id", h.get)
	r.POST("/payouts/:id/flag", h.flag)
	admin.POST("/release-held-payout", h.releaseHeld)
}

func (h *Handler) get(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

type flagRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) flag(c *gin.Context) {
	var req flagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
		return
	}

	e, err := h.service.Flag(c.Request.Context(), c.Param("id"), auth.ActorID(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// releaseHeldRequest is the flat admin release body: the filter fields sit
// at the top level next to the mandatory reason.
type releaseHeldRequest struct {
	ReleaseFilter
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) releaseHeld(c *gin.Context) {
	var req releaseHeldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
		return
	}

	res, err := h.service.ReleaseHeld(c.Request.Context(), req.ReleaseFilter, auth.ActorID(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func writeError(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Payment ledger entry not found"})
	case errors.Is(err, ErrFlagWindowClosed):
		c.JSON(http.StatusBadRequest, gin.H{"error": "flag_window_closed", "message": "Entries can only be flagged within the review window"})
	case errors.Is(err, ErrFilterRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": "At least one filter is required"})
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": verrs})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": "Entry state does not allow this operation"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
