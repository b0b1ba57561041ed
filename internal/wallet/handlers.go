package wallet

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/creatorpay/creatorpay/internal/validation"
)

// Handler exposes read endpoints for wallet balances and entries.
// All mutations happen through the purchase, session, and dispute flows.
type Handler struct {
	service *Service
}

// NewHandler creates a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts wallet routes on the given router group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:holder/:counterparty", h.getBalance)
	r.GET("/wallets/:holder/:counterparty/entries", h.getEntries)
}

func (h *Handler) getBalance(c *gin.Context) {
	holder := c.Param("holder")
	counterparty := c.Param("counterparty")
	if !validation.IsValidID(holder) || !validation.IsValidID(counterparty) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": "Invalid wallet identifier"})
		return
	}

	b, err := h.service.GetBalance(c.Request.Context(), holder, counterparty)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handler) getEntries(c *gin.Context) {
	holder := c.Param("holder")
	counterparty := c.Param("counterparty")
	if !validation.IsValidID(holder) || !validation.IsValidID(counterparty) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": "Invalid wallet identifier"})
		return
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	entries, err := h.service.GetEntries(c.Request.Context(), holder, counterparty, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrWalletNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Wallet not found"})
	case errors.Is(err, ErrInsufficientBalance):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient_balance", "message": "Insufficient available balance"})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": "Invalid amount"})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": "Balance state does not allow this operation"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
