package session

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/creatorpay/creatorpay/internal/auth"
)

// Handler exposes session endpoints. The dispute endpoint lives in the
// dispute package, which owns that flow end to end.
type Handler struct {
	service *Service
}

// NewHandler creates a session HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts session routes on the given router group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/sessions/:id", h.get)
	r.POST("/sessions/:id/start", h.start)
	r.POST("/sessions/:id/complete", h.complete)
}

func (h *Handler) get(c *gin.Context) {
	sess, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	actorID := auth.ActorID(c)
	if c.GetString(auth.CtxActorRole) != auth.RoleAdmin && actorID != sess.BuyerID && actorID != sess.SellerID {
		WriteError(c, ErrForbidden)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handler) start(c *gin.Context) {
	sess, err := h.service.Start(c.Request.Context(), c.Param("id"), auth.ActorID(c))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type completeRequest struct {
	ActualMinutes int64 `json:"actualMinutes"`
}

func (h *Handler) complete(c *gin.Context) {
	var req completeRequest
	// Body is optional: an empty request means "use the default duration".
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
			return
		}
	}
	if req.ActualMinutes < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": "actualMinutes must not be negative"})
		return
	}

	sess, err := h.service.Complete(c.Request.Context(), c.Param("id"), auth.ActorID(c), req.ActualMinutes)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// WriteError maps session errors to HTTP responses. Exported for the dispute
// handler, which surfaces session transition errors on its own routes.
func WriteError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Session not found"})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Not permitted for this session"})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": "Session status does not allow this transition"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
