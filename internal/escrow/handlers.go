package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/itembazaar/bazaar/internal/market"
	"github.com/itembazaar/bazaar/internal/wallet"
)

// Handler provides HTTP endpoints for transaction operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new transaction HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers transaction endpoints on the given router group.
// requireManager guards the dispute-resolution endpoint.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, requireManager gin.HandlerFunc) {
	r.POST("/purchases", h.purchase)
	r.GET("/transactions/:id", h.get)
	r.POST("/transactions/:id/transfer-start", h.transferStart)
	r.POST("/transactions/:id/transfer", h.transfer)
	r.POST("/transactions/:id/receipt", h.receipt)
	r.POST("/transactions/:id/cancel", h.cancel)
	r.POST("/transactions/:id/dispute", h.dispute)
	r.POST("/transactions/:id/resolve", requireManager, h.resolve)
	r.GET("/users/:id/transactions", h.listByUser)
}

func (h *Handler) purchase(c *gin.Context) {
	var req PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "message": err.Error()})
		return
	}
	req.BuyerID = c.GetString("userID")

	tx, err := h.service.Purchase(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tx)
}

func (h *Handler) get(c *gin.Context) {
	tx, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (h *Handler) transferStart(c *gin.Context) {
	tx, err := h.service.StartTransfer(c.Request.Context(), c.Param("id"), c.GetString("userID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (h *Handler) transfer(c *gin.Context) {
	tx, err := h.service.ConfirmTransfer(c.Request.Context(), c.Param("id"), c.GetString("userID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (h *Handler) receipt(c *gin.Context) {
	tx, err := h.service.ConfirmReceipt(c.Request.Context(), c.Param("id"), c.GetString("userID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (h *Handler) cancel(c *gin.Context) {
	tx, err := h.service.Cancel(c.Request.Context(), c.Param("id"), c.GetString("userID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// DisputeRequest contains the parameters for disputing a transaction.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) dispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "message": err.Error()})
		return
	}

	tx, err := h.service.Dispute(c.Request.Context(), c.Param("id"), c.GetString("userID"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// ResolveRequest contains a manager's dispute decision.
type ResolveRequest struct {
	Outcome string `json:"outcome" binding:"required"`
	Note    string `json:"note"`
}

func (h *Handler) resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "message": err.Error()})
		return
	}

	tx, err := h.service.RecordDecision(c.Request.Context(), c.Param("id"), req.Outcome, req.Note, c.GetString("userID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (h *Handler) listByUser(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	txs, err := h.service.ListByUser(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrTransactionNotFound), errors.Is(err, market.ErrListingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "not a party to this transaction"})
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "message": err.Error()})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "transition not legal from current status"})
	case errors.Is(err, market.ErrListingUnavailable):
		c.JSON(http.StatusConflict, gin.H{"error": "listing unavailable"})
	case errors.Is(err, market.ErrConcurrencyConflict), errors.Is(err, ErrConcurrencyConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "concurrent update, retry"})
	case errors.Is(err, wallet.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient funds"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
