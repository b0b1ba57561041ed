package approval

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/creatorpay/creatorpay/internal/auth"
	"github.com/creatorpay/creatorpay/internal/validation"
)

// Handler exposes approval gate endpoints. All routes are admin-gated by the
// caller.
type Handler struct {
	service *Service
}

// NewHandler creates an approval HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts approval routes on the given (admin) router group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/approvals", h.create)
	r.GET("/approvals/:id", h.get)
	r.POST("/approvals/:id/votes", h.vote)
	r.POST("/approvals/:id/execute", h.execute)
}

type createRequest struct {
	PayoutID    string `json:"payoutId" binding:"required"`
	RecipientID string `json:"recipientId"`
	AmountCents int64  `json:"amountCents" binding:"required"`
}

func (h *Handler) create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
		return
	}

	actorID := auth.ActorID(c)
	recipient := req.RecipientID
	if recipient == "" {
		recipient = actorID
	}
	a, err := h.service.RequestFor(c.Request.Context(), req.PayoutID, recipient, req.AmountCents, actorID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h *Handler) get(c *gin.Context) {
	a, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type voteRequest struct {
	Vote    string `json:"vote" binding:"required"`
	Comment string `json:"comment"`
}

func (h *Handler) vote(c *gin.Context) {
	var req voteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
		return
	}

	a, err := h.service.CastVote(c.Request.Context(), c.Param("id"), auth.ActorID(c), req.Vote, req.Comment)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) execute(c *gin.Context) {
	a, err := h.service.Execute(c.Request.Context(), c.Param("id"), auth.ActorID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func writeError(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Approval not found"})
	case errors.Is(err, ErrDuplicateVote):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_vote", "message": "Approver has already voted on this approval"})
	case errors.Is(err, ErrApprovalExpired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "approval_expired", "message": "Approval has expired"})
	case errors.Is(err, ErrQuorumDelay):
		c.JSON(http.StatusBadRequest, gin.H{"error": "quorum_delay", "message": "High-tier approvals can only execute after the post-quorum delay"})
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": verrs})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": "Approval state does not allow this operation"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
