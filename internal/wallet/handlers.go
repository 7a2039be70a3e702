package wallet

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/itembazaar/bazaar/internal/idgen"
	"github.com/itembazaar/bazaar/internal/logging"
)

// Handler provides HTTP endpoints for wallet reads and funding.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new wallet handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:id/balance", h.GetBalance)
	r.GET("/wallets/:id/history", h.GetHistory)
	r.GET("/wallets/:id/reconcile", h.Reconcile)
	r.POST("/wallets/:id/deposit", h.Deposit)
}

// DepositRequest funds a wallet. The idempotency key is supplied by the
// top-up collaborator so its retries are safe.
type DepositRequest struct {
	Amount         string `json:"amount" binding:"required"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// GetBalance handles GET /v1/wallets/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	acct, err := h.ledger.GetBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// GetHistory handles GET /v1/wallets/:id/history
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	entries, err := h.ledger.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// Reconcile handles GET /v1/wallets/:id/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	res, err := h.ledger.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	if !res.Match {
		logging.L(c.Request.Context()).Error("wallet reconciliation mismatch",
			"userId", res.UserID,
			"cachedAvailable", res.CachedAvailable,
			"replayAvailable", res.ReplayAvailable,
		)
	}
	c.JSON(http.StatusOK, gin.H{"reconciliation": res})
}

// Deposit handles POST /v1/wallets/:id/deposit
func (h *Handler) Deposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Amount is required",
		})
		return
	}
	key := req.IdempotencyKey
	if key == "" {
		key = idgen.WithPrefix("dep_")
	}

	userID := c.Param("id")
	if err := h.ledger.Deposit(c.Request.Context(), userID, req.Amount, key); err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Amount must be a positive point value",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "deposit_failed",
			"message": "Failed to credit wallet",
		})
		return
	}

	acct, err := h.ledger.GetBalance(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}
