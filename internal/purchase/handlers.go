package purchase

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/creatorpay/creatorpay/internal/auth"
	"github.com/creatorpay/creatorpay/internal/validation"
)

// Handler exposes purchase endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a purchase HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the purchase read endpoint.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/purchases/:id", h.get)
}

// RegisterDevRoutes mounts the create-and-complete shortcut used in local
// development, where no payment provider calls back.
func (h *Handler) RegisterDevRoutes(r *gin.RouterGroup) {
	r.POST("/process-purchase", h.processDev)
}

type processRequest struct {
	BuyerID    string `json:"buyerId" binding:"required"`
	SellerID   string `json:"sellerId" binding:"required"`
	Units      int64  `json:"units" binding:"required"`
	PriceCents int64  `json:"priceCents" binding:"required"`
}

func (h *Handler) processDev(c *gin.Context) {
	var req processRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
		return
	}
	if errs := validation.Validate(
		validation.PositiveInt("units", req.Units),
		validation.PositiveInt("priceCents", req.PriceCents),
	); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}

	ctx := c.Request.Context()
	p, err := h.service.Create(ctx, req.BuyerID, req.SellerID, req.Units, req.PriceCents)
	if err != nil {
		writeError(c, err)
		return
	}
	p, credited, err := h.service.Complete(ctx, p.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"purchase": p, "credited": credited})
}

func (h *Handler) get(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	actorID := auth.ActorID(c)
	if c.GetString(auth.CtxActorRole) != auth.RoleAdmin && actorID != p.BuyerID && actorID != p.SellerID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Not a party to this purchase"})
		return
	}
	c.JSON(http.StatusOK, p)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Purchase not found"})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": "Invalid purchase amount"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
