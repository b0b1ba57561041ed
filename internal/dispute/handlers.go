package dispute

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/creatorpay/creatorpay/internal/auth"
	"github.com/creatorpay/creatorpay/internal/session"
	"github.com/creatorpay/creatorpay/internal/validation"
)

// Handler exposes dispute endpoints, including the session dispute route.
type Handler struct {
	service *Service
}

// NewHandler creates a dispute HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts dispute routes. The resolve route must be mounted
// behind auth.RequireAdmin by the caller.
func (h *Handler) RegisterRoutes(r, admin *gin.RouterGroup) {
	r.PATCH("/sessions/:id/dispute", h.open)
	r.GET("/refunds/:id", h.get)
	admin.POST("/refunds/:id/resolve", h.resolve)
}

type openRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) open(c *gin.Context) {
	var req openRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
		return
	}

	r, err := h.service.Open(c.Request.Context(), c.Param("id"), auth.ActorID(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (h *Handler) get(c *gin.Context) {
	r, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	actorID := auth.ActorID(c)
	if c.GetString(auth.CtxActorRole) != auth.RoleAdmin && actorID != r.BuyerID && actorID != r.SellerID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Not a party to this refund"})
		return
	}
	c.JSON(http.StatusOK, r)
}

type resolveRequest struct {
	Decision string `json:"decision" binding:"required"`
}

func (h *Handler) resolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
		return
	}

	r, err := h.service.Resolve(c.Request.Context(), c.Param("id"), req.Decision, auth.ActorID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func writeError(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Refund request not found"})
	case errors.Is(err, ErrDisputeWindowExpired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "dispute_window_expired", "message": "The dispute window for this session has closed"})
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": verrs})
	case errors.Is(err, ErrApprovalRequired):
		c.JSON(http.StatusConflict, gin.H{"error": "approval_required", "message": "The linked approval must be approved first"})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": "Refund request is not pending"})
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrForbidden), errors.Is(err, session.ErrInvalidTransition):
		session.WriteError(c, err)
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
