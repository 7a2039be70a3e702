package market

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for listing operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new listing HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers all listing endpoints on the given router group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/listings", h.Search)
	r.GET("/listings/:id", h.Get)
	h.RegisterMutations(r)
}

// RegisterMutations registers only the endpoints that modify listings. Read
// endpoints stay public; mutations sit behind identity middleware.
func (h *Handler) RegisterMutations(r *gin.RouterGroup) {
	r.POST("/listings", h.create)
	r.POST("/listings/:id/publish", h.publish)
	r.POST("/listings/:id/pause", h.pause)
	r.POST("/listings/:id/cancel", h.cancel)
}

func (h *Handler) create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "message": err.Error()})
		return
	}
	req.SellerID = c.GetString("userID")

	listing, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, listing)
}

// Get returns a single listing by id.
func (h *Handler) Get(c *gin.Context) {
	listing, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, listing)
}

// Search lists listings matching the query filters, newest first.
func (h *Handler) Search(c *gin.Context) {
	f := Filter{
		SellerID: c.Query("seller_id"),
		Category: c.Query("category"),
		Status:   Status(c.Query("status")),
		MinPrice: c.Query("min_price"),
		MaxPrice: c.Query("max_price"),
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	listings, next, err := h.service.Search(c.Request.Context(), f, c.Query("cursor"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"listings":    listings,
		"next_cursor": next,
		"has_more":    next != "",
	})
}

func (h *Handler) publish(c *gin.Context) {
	listing, err := h.service.Publish(c.Request.Context(), c.Param("id"), c.GetString("userID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, listing)
}

func (h *Handler) pause(c *gin.Context) {
	listing, err := h.service.Pause(c.Request.Context(), c.Param("id"), c.GetString("userID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, listing)
}

func (h *Handler) cancel(c *gin.Context) {
	listing, err := h.service.Cancel(c.Request.Context(), c.Param("id"), c.GetString("userID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, listing)
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrListingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "listing not found"})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "not the listing owner"})
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "message": err.Error()})
	case errors.Is(err, ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid listing status for this operation"})
	case errors.Is(err, ErrListingUnavailable):
		c.JSON(http.StatusConflict, gin.H{"error": "listing unavailable"})
	case errors.Is(err, ErrConcurrencyConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "concurrent update, retry"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
