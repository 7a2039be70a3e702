// Package escrow drives player-to-player item sales through an escrowed
// transaction state machine.
//
// Flow:
//  1. Buyer purchases → listing quantity reserved, buyer funds frozen
//  2. Seller transfers the item → buyer notified, ack window starts
//  3. Buyer confirms receipt → settlement: frozen funds split into seller
//     credit and platform commission
//  4. Buyer disputes → funds stay frozen until a manager records a decision
//  5. Timeouts → stuck transactions auto-cancel, silent buyers auto-complete
package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/itembazaar/bazaar/internal/commission"
	"github.com/itembazaar/bazaar/internal/idgen"
	"github.com/itembazaar/bazaar/internal/market"
	"github.com/itembazaar/bazaar/internal/metrics"
	"github.com/itembazaar/bazaar/internal/notify"
	"github.com/itembazaar/bazaar/internal/traces"
)

var (
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrInvalidTransition    = errors.New("transition not legal from current status")
	ErrForbidden            = errors.New("not a party to this transaction")
	ErrValidation           = errors.New("invalid purchase parameters")
	ErrDuplicateTransaction = errors.New("transaction already exists")
	ErrConcurrencyConflict  = errors.New("transaction version conflict")
)

// Status represents the state of an escrow transaction.
type Status string

const (
	StatusCreated           Status = "created"            // reservation and freeze done, not yet announced
	StatusPending           Status = "pending"            // seller notified, awaiting transfer
	StatusConfirmed         Status = "confirmed"          // seller acknowledged, preparing transfer
	StatusInProgress        Status = "in_progress"        // multi-step transfer underway
	StatusSellerTransferred Status = "seller_transferred" // seller handed the item over, ack window running
	StatusBuyerReceived     Status = "buyer_received"     // buyer acknowledged, settlement in flight
	StatusCompleted         Status = "completed"          // settled: seller credited, commission taken
	StatusCancelled         Status = "cancelled"          // pre-transfer abort, funds unfrozen
	StatusDisputed          Status = "disputed"           // buyer claims non-delivery, awaiting manager
	StatusRefunded          Status = "refunded"           // dispute resolved for the buyer
)

// IsTerminal returns true for final states. Disputed is semi-terminal: it only
// leaves through a recorded manager decision.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// legalTransitions is the full transition table. Every move not listed here is
// rejected with ErrInvalidTransition.
var legalTransitions = map[Status][]Status{
	StatusCreated:           {StatusPending, StatusCancelled},
	StatusPending:           {StatusConfirmed, StatusSellerTransferred, StatusCancelled},
	StatusConfirmed:         {StatusInProgress, StatusSellerTransferred},
	StatusInProgress:        {StatusSellerTransferred},
	StatusSellerTransferred: {StatusBuyerReceived, StatusDisputed, StatusCompleted},
	StatusBuyerReceived:     {StatusCompleted},
	StatusDisputed:          {StatusCompleted, StatusRefunded},
}

func canTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Dispute resolution outcomes a manager can record.
const (
	OutcomeCompleted = "completed"
	OutcomeRefunded  = "refunded"
)

// Default timeout windows. Both are configuration, not contract.
const (
	DefaultPendingHold = 48 * time.Hour
	DefaultAckWindow   = 7 * 24 * time.Hour
)

// Transaction represents one escrowed purchase. Rows are never deleted;
// terminal transactions are retained for audit.
type Transaction struct {
	ID               string `json:"id"`
	ListingID        string `json:"listingId"`
	BuyerID          string `json:"buyerId"`
	SellerID         string `json:"sellerId"`
	Quantity         int    `json:"quantity"`
	UnitPrice        string `json:"unitPrice"`
	TotalAmount      string `json:"totalAmount"`
	CommissionAmount string `json:"commissionAmount"`
	Status           Status `json:"status"`

	DisputeReason     string `json:"disputeReason,omitempty"`
	ResolutionOutcome string `json:"resolutionOutcome,omitempty"`
	ResolutionNote    string `json:"resolutionNote,omitempty"`
	ResolvedBy        string `json:"resolvedBy,omitempty"`

	CreatedAt      time.Time  `json:"createdAt"`
	PendingAt      *time.Time `json:"pendingAt,omitempty"`
	ConfirmedAt    *time.Time `json:"confirmedAt,omitempty"`
	InProgressAt   *time.Time `json:"inProgressAt,omitempty"`
	TransferredAt  *time.Time `json:"transferredAt,omitempty"`
	ReceivedAt     *time.Time `json:"receivedAt,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
	CancelDeadline time.Time  `json:"cancelDeadline"`
	AckDeadline    *time.Time `json:"ackDeadline,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	Version        int64      `json:"version"`
}

// Store persists transactions.
type Store interface {
	Create(ctx context.Context, t *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	Update(ctx context.Context, t *Transaction) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error)
	// ListCancelDue returns created/pending transactions whose cancel deadline
	// has passed.
	ListCancelDue(ctx context.Context, before time.Time, limit int) ([]*Transaction, error)
	// ListAckDue returns seller_transferred transactions whose ack deadline has
	// passed.
	ListAckDue(ctx context.Context, before time.Time, limit int) ([]*Transaction, error)
	// ListUnappliedDisputes returns disputed transactions that carry a recorded
	// resolution outcome the engine has not managed to apply yet.
	ListUnappliedDisputes(ctx context.Context, limit int) ([]*Transaction, error)
}

// ListingService abstracts the listing operations the engine needs, so the
// market package stays a one-way dependency.
type ListingService interface {
	Reserve(ctx context.Context, listingID string, qty int) (*market.Listing, error)
	Release(ctx context.Context, listingID string, qty int) (*market.Listing, error)
}

// WalletLedger abstracts the ledger mutations the engine drives. Every call is
// idempotent under its key.
type WalletLedger interface {
	Freeze(ctx context.Context, userID, amount, txID, key string) error
	Unfreeze(ctx context.Context, userID, amount, txID, key string) error
	Settle(ctx context.Context, buyerID, sellerID, total, fee, txID, key string) error
	Refund(ctx context.Context, userID, amount, txID, key string) error
	// HasEntry reports whether the ledger holds an entry for the key, so
	// recovery paths can tell an applied freeze from one that never committed.
	HasEntry(ctx context.Context, key string) (bool, error)
}

// TierSource resolves the seller's commission tier. When absent every seller
// quotes at the standard tier.
type TierSource interface {
	TierFor(ctx context.Context, userID string) commission.Tier
}

// Service implements the escrow transaction engine.
type Service struct {
	store    Store
	listings ListingService
	wallet   WalletLedger
	notifier notify.Notifier
	tiers    TierSource
	logger   *slog.Logger

	pendingHold time.Duration
	ackWindow   time.Duration

	locks sync.Map // per-transaction ID locks serializing transitions
}

// NewService creates a new escrow transaction engine.
func NewService(store Store, listings ListingService, wallet WalletLedger, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		listings:    listings,
		wallet:      wallet,
		logger:      logger,
		pendingHold: DefaultPendingHold,
		ackWindow:   DefaultAckWindow,
	}
}

// WithNotifier adds lifecycle event fan-out.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

// WithTierSource adds per-seller commission tier resolution.
func (s *Service) WithTierSource(t TierSource) *Service {
	s.tiers = t
	return s
}

// WithWindows overrides the timeout windows. Non-positive values keep the
// defaults.
func (s *Service) WithWindows(pendingHold, ackWindow time.Duration) *Service {
	if pendingHold > 0 {
		s.pendingHold = pendingHold
	}
	if ackWindow > 0 {
		s.ackWindow = ackWindow
	}
	return s
}

// txLock returns a mutex for the given transaction ID. This serializes state
// transitions (e.g. buyer confirmation racing the reaper's auto-complete).
func (s *Service) txLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// PurchaseRequest contains the parameters for opening a transaction. An
// idempotency key makes the purchase replay-safe: the transaction ID is
// derived from it, so resubmitting the same request returns the transaction
// already opened instead of minting a second one.
type PurchaseRequest struct {
	BuyerID        string `json:"-"`
	ListingID      string `json:"listingId" binding:"required"`
	Quantity       int    `json:"quantity" binding:"required"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// purchaseTxID derives a stable transaction ID from the buyer and their
// idempotency key. Same shape as idgen.WithPrefix output.
func purchaseTxID(buyerID, key string) string {
	sum := sha256.Sum256([]byte(buyerID + "\x00" + key))
	return "txn_" + hex.EncodeToString(sum[:12])
}

// Purchase reserves listing quantity, persists the transaction and freezes
// the buyer's funds. Guard failures abort before any wallet mutation. The
// row is written before the freeze so that a freeze left without a matching
// transaction cannot exist; a freeze failure cancels the row and releases
// the reservation.
func (s *Service) Purchase(ctx context.Context, req PurchaseRequest) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Purchase",
		traces.UserID(req.BuyerID),
		traces.ListingID(req.ListingID),
	)
	defer span.End()

	if req.BuyerID == "" || req.ListingID == "" {
		return nil, ErrValidation
	}
	if req.Quantity < 1 {
		return nil, fmt.Errorf("%w: quantity must be at least 1", ErrValidation)
	}

	buyer := strings.ToLower(strings.TrimSpace(req.BuyerID))
	txID := idgen.WithPrefix("txn_")
	if req.IdempotencyKey != "" {
		txID = purchaseTxID(buyer, req.IdempotencyKey)
		if existing, err := s.store.Get(ctx, txID); err == nil {
			return existing, nil
		}
	}

	listing, err := s.listings.Reserve(ctx, req.ListingID, req.Quantity)
	if err != nil {
		return nil, err
	}

	if buyer == strings.ToLower(listing.SellerID) {
		s.releaseQuantity(ctx, listing.ID, req.Quantity)
		return nil, fmt.Errorf("%w: cannot buy your own listing", ErrValidation)
	}

	tier := commission.TierStandard
	if s.tiers != nil {
		tier = s.tiers.TierFor(ctx, listing.SellerID)
	}
	total, fee, err := commission.Quote(listing.UnitPrice, req.Quantity, tier)
	if err != nil {
		s.releaseQuantity(ctx, listing.ID, req.Quantity)
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now := time.Now()
	tx := &Transaction{
		ID:               txID,
		ListingID:        listing.ID,
		BuyerID:          buyer,
		SellerID:         strings.ToLower(listing.SellerID),
		Quantity:         req.Quantity,
		UnitPrice:        listing.UnitPrice,
		TotalAmount:      total,
		CommissionAmount: fee,
		Status:           StatusCreated,
		CreatedAt:        now,
		CancelDeadline:   now.Add(s.pendingHold),
		UpdatedAt:        now,
		Version:          1,
	}

	if err := s.store.Create(ctx, tx); err != nil {
		s.releaseQuantity(ctx, listing.ID, req.Quantity)
		if errors.Is(err, ErrDuplicateTransaction) {
			// Two replays raced; the winner's row is the transaction.
			if existing, gerr := s.store.Get(ctx, txID); gerr == nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("create transaction: %w", err)
	}

	if err := s.wallet.Freeze(ctx, tx.BuyerID, tx.TotalAmount, tx.ID, tx.ID+"/freeze"); err != nil {
		// No funds moved. Record the abort on the row and let go of the stock;
		// if the update fails the reaper cancels it after the hold window.
		resolvedAt := time.Now()
		tx.Status = StatusCancelled
		tx.ResolutionNote = "funds freeze failed"
		tx.ResolvedAt = &resolvedAt
		tx.UpdatedAt = resolvedAt
		if uerr := s.store.Update(ctx, tx); uerr != nil {
			s.logger.Warn("failed to cancel transaction after freeze failure",
				"transactionId", tx.ID, "buyer", tx.BuyerID, "error", uerr)
			return nil, err
		}
		observeTransition(StatusCreated, StatusCancelled)
		s.releaseQuantity(ctx, listing.ID, req.Quantity)
		return nil, err
	}

	// Freeze succeeded, announce to the seller.
	pendingAt := time.Now()
	tx.Status = StatusPending
	tx.PendingAt = &pendingAt
	tx.UpdatedAt = pendingAt
	if err := s.store.Update(ctx, tx); err != nil {
		// Still Created on disk; the reaper will cancel it if nothing else
		// moves it forward.
		s.logger.Warn("failed to advance transaction to pending", "transactionId", tx.ID, "error", err)
		tx.Status = StatusCreated
		tx.PendingAt = nil
		return tx, nil
	}
	observeTransition(StatusCreated, StatusPending)
	metrics.PurchasesTotal.WithLabelValues("created").Inc()

	s.emit(ctx, tx.SellerID, notify.KindPurchaseCreated, tx, map[string]interface{}{
		"quantity": tx.Quantity,
	})
	return tx, nil
}

// StartTransfer advances the seller's side one step: pending→confirmed, then
// confirmed→in_progress. Single-item sales can skip straight to
// ConfirmTransfer.
func (s *Service) StartTransfer(ctx context.Context, txID, callerID string) (*Transaction, error) {
	mu := s.txLock(txID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if !isParty(callerID, tx.SellerID) {
		return nil, ErrForbidden
	}

	now := time.Now()
	switch tx.Status {
	case StatusPending:
		tx.Status = StatusConfirmed
		tx.ConfirmedAt = &now
	case StatusConfirmed:
		tx.Status = StatusInProgress
		tx.InProgressAt = &now
	default:
		return nil, ErrInvalidTransition
	}
	tx.UpdatedAt = now

	if err := s.store.Update(ctx, tx); err != nil {
		return nil, err
	}
	observeTransition(StatusPending, tx.Status)
	return tx, nil
}

// ConfirmTransfer marks the item as handed over and starts the buyer's ack
// window.
func (s *Service) ConfirmTransfer(ctx context.Context, txID, callerID string) (*Transaction, error) {
	mu := s.txLock(txID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if !isParty(callerID, tx.SellerID) {
		return nil, ErrForbidden
	}
	if !canTransition(tx.Status, StatusSellerTransferred) {
		return nil, ErrInvalidTransition
	}
	// A pending transaction past its cancel deadline belongs to the reaper.
	if tx.Status == StatusPending && time.Now().After(tx.CancelDeadline) {
		return nil, ErrInvalidTransition
	}

	from := tx.Status
	now := time.Now()
	ack := now.Add(s.ackWindow)
	tx.Status = StatusSellerTransferred
	tx.TransferredAt = &now
	tx.AckDeadline = &ack
	tx.UpdatedAt = now

	if err := s.store.Update(ctx, tx); err != nil {
		return nil, err
	}
	observeTransition(from, StatusSellerTransferred)

	s.emit(ctx, tx.BuyerID, notify.KindTransferConfirmed, tx, nil)
	return tx, nil
}

// ConfirmReceipt acknowledges delivery and settles: the buyer's frozen total
// becomes seller credit plus platform commission. Retrying after a failed
// settlement is safe; the ledger keys make the money movement idempotent.
func (s *Service) ConfirmReceipt(ctx context.Context, txID, callerID string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmReceipt",
		traces.TransactionID(txID),
	)
	defer span.End()

	mu := s.txLock(txID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if !isParty(callerID, tx.BuyerID) {
		return nil, ErrForbidden
	}
	// buyer_received means a previous settlement attempt failed midway; let
	// the buyer drive it to completion.
	if tx.Status != StatusSellerTransferred && tx.Status != StatusBuyerReceived {
		return nil, ErrInvalidTransition
	}

	if tx.Status == StatusSellerTransferred {
		now := time.Now()
		tx.Status = StatusBuyerReceived
		tx.ReceivedAt = &now
		tx.UpdatedAt = now
		if err := s.store.Update(ctx, tx); err != nil {
			return nil, err
		}
		observeTransition(StatusSellerTransferred, StatusBuyerReceived)
	}

	if err := s.settle(ctx, tx); err != nil {
		return nil, err
	}

	s.emit(ctx, tx.SellerID, notify.KindReceiptConfirmed, tx, nil)
	return tx, nil
}

// Cancel aborts a pre-transfer transaction: funds unfrozen, quantity released.
// Once the seller has transferred, the buyer's remedy is Dispute.
func (s *Service) Cancel(ctx context.Context, txID, callerID string) (*Transaction, error) {
	mu := s.txLock(txID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if !isParty(callerID, tx.BuyerID) && !isParty(callerID, tx.SellerID) {
		return nil, ErrForbidden
	}
	if err := s.cancel(ctx, tx, "cancelled by "+strings.ToLower(callerID)); err != nil {
		return nil, err
	}

	other := tx.SellerID
	if isParty(callerID, tx.SellerID) {
		other = tx.BuyerID
	}
	s.emit(ctx, other, notify.KindTransactionCancelled, tx, nil)
	return tx, nil
}

// Dispute freezes a transferred transaction for manager review. Funds stay
// frozen; nothing moves until a decision is recorded.
func (s *Service) Dispute(ctx context.Context, txID, callerID, reason string) (*Transaction, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: dispute reason required", ErrValidation)
	}

	mu := s.txLock(txID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if !isParty(callerID, tx.BuyerID) {
		return nil, ErrForbidden
	}
	if tx.Status != StatusSellerTransferred {
		return nil, ErrInvalidTransition
	}
	if tx.AckDeadline != nil && time.Now().After(*tx.AckDeadline) {
		// Ack window elapsed; the auto-complete owns this transaction now.
		return nil, ErrInvalidTransition
	}

	now := time.Now()
	tx.Status = StatusDisputed
	tx.DisputeReason = reason
	tx.UpdatedAt = now

	if err := s.store.Update(ctx, tx); err != nil {
		return nil, err
	}
	observeTransition(StatusSellerTransferred, StatusDisputed)

	s.emit(ctx, tx.SellerID, notify.KindTransactionDisputed, tx, map[string]interface{}{
		"reason": reason,
	})
	return tx, nil
}

// RecordDecision records a manager's adjudication on a disputed transaction
// and applies it. If applying fails the decision stays recorded and the reaper
// re-applies it on a later sweep.
func (s *Service) RecordDecision(ctx context.Context, txID, outcome, note, managerID string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RecordDecision",
		traces.TransactionID(txID),
		attribute.String("outcome", outcome),
	)
	defer span.End()

	if outcome != OutcomeCompleted && outcome != OutcomeRefunded {
		return nil, fmt.Errorf("%w: outcome must be %q or %q", ErrValidation, OutcomeCompleted, OutcomeRefunded)
	}

	mu := s.txLock(txID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != StatusDisputed {
		return nil, ErrInvalidTransition
	}
	if tx.ResolutionOutcome != "" && tx.ResolutionOutcome != outcome {
		return nil, fmt.Errorf("%w: decision %q already recorded", ErrInvalidTransition, tx.ResolutionOutcome)
	}

	tx.ResolutionOutcome = outcome
	tx.ResolutionNote = note
	tx.ResolvedBy = strings.ToLower(managerID)
	tx.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, tx); err != nil {
		return nil, err
	}

	if err := s.applyDecision(ctx, tx); err != nil {
		s.logger.Warn("dispute decision recorded but not applied, reaper will retry",
			"transactionId", tx.ID, "outcome", outcome, "error", err)
		return tx, nil
	}
	return tx, nil
}

// Get returns a transaction by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns transactions where the user is buyer or seller, newest
// first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByUser(ctx, strings.ToLower(strings.TrimSpace(userID)), limit)
}

// AutoCancel unwinds a transaction stuck before transfer past its cancel
// deadline. Reaper entry point; re-reads under the transaction lock so a
// racing seller transfer wins cleanly.
func (s *Service) AutoCancel(ctx context.Context, txID string) error {
	mu := s.txLock(txID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.store.Get(ctx, txID)
	if err != nil {
		return err
	}
	if tx.Status != StatusCreated && tx.Status != StatusPending {
		return ErrInvalidTransition
	}
	if err := s.cancel(ctx, tx, "auto-cancelled: no seller action before deadline"); err != nil {
		return err
	}
	s.emit(ctx, tx.BuyerID, notify.KindTransactionCancelled, tx, nil)
	return nil
}

// AutoComplete settles a transferred transaction whose buyer stayed silent
// past the ack window. The money movement is identical to a manual receipt
// confirmation.
func (s *Service) AutoComplete(ctx context.Context, txID string) error {
	mu := s.txLock(txID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.store.Get(ctx, txID)
	if err != nil {
		return err
	}
	if tx.Status != StatusSellerTransferred {
		return ErrInvalidTransition
	}
	if tx.AckDeadline == nil || time.Now().Before(*tx.AckDeadline) {
		return ErrInvalidTransition
	}
	return s.settle(ctx, tx)
}

// ReapplyDecision retries a recorded dispute decision that failed to apply.
// Reaper entry point.
func (s *Service) ReapplyDecision(ctx context.Context, txID string) error {
	mu := s.txLock(txID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.store.Get(ctx, txID)
	if err != nil {
		return err
	}
	if tx.Status != StatusDisputed || tx.ResolutionOutcome == "" {
		return ErrInvalidTransition
	}
	return s.applyDecision(ctx, tx)
}

// settle performs the completion money movement and marks the transaction
// completed. Callers hold the transaction lock.
func (s *Service) settle(ctx context.Context, tx *Transaction) error {
	if err := s.wallet.Settle(ctx, tx.BuyerID, tx.SellerID, tx.TotalAmount, tx.CommissionAmount, tx.ID, tx.ID+"/settle"); err != nil {
		return fmt.Errorf("settle transaction %s: %w", tx.ID, err)
	}

	from := tx.Status
	now := time.Now()
	tx.Status = StatusCompleted
	tx.ResolvedAt = &now
	tx.UpdatedAt = now

	if err := s.store.Update(ctx, tx); err != nil {
		// Funds already moved; the state change must land.
		if retryErr := s.store.Update(ctx, tx); retryErr != nil {
			s.logger.Error("CRITICAL: settlement executed but status update failed, requires manual resolution",
				"transactionId", tx.ID, "seller", tx.SellerID, "amount", tx.TotalAmount, "error", retryErr)
			return fmt.Errorf("update transaction after settlement: %w", err)
		}
	}
	observeTransition(from, StatusCompleted)
	metrics.PurchasesTotal.WithLabelValues("completed").Inc()
	metrics.TransactionDuration.Observe(now.Sub(tx.CreatedAt).Seconds())

	s.emit(ctx, tx.BuyerID, notify.KindTransactionCompleted, tx, nil)
	return nil
}

// cancel unwinds a created/pending transaction. Callers hold the transaction
// lock.
func (s *Service) cancel(ctx context.Context, tx *Transaction, note string) error {
	if tx.Status != StatusCreated && tx.Status != StatusPending {
		return ErrInvalidTransition
	}

	// A created row may predate its freeze (crash between the insert and the
	// wallet commit); only unfreeze what the ledger actually holds.
	frozen, err := s.wallet.HasEntry(ctx, tx.ID+"/freeze")
	if err != nil {
		return fmt.Errorf("probe freeze entry: %w", err)
	}
	if frozen {
		if err := s.wallet.Unfreeze(ctx, tx.BuyerID, tx.TotalAmount, tx.ID, tx.ID+"/unfreeze"); err != nil {
			return fmt.Errorf("unfreeze for cancel: %w", err)
		}
	}
	s.releaseQuantity(ctx, tx.ListingID, tx.Quantity)

	from := tx.Status
	now := time.Now()
	tx.Status = StatusCancelled
	tx.ResolutionNote = note
	tx.ResolvedAt = &now
	tx.UpdatedAt = now

	if err := s.store.Update(ctx, tx); err != nil {
		if retryErr := s.store.Update(ctx, tx); retryErr != nil {
			s.logger.Error("CRITICAL: funds unfrozen but cancel status update failed, requires manual resolution",
				"transactionId", tx.ID, "buyer", tx.BuyerID, "amount", tx.TotalAmount, "error", retryErr)
			return fmt.Errorf("update transaction after cancel: %w", err)
		}
	}
	observeTransition(from, StatusCancelled)
	metrics.PurchasesTotal.WithLabelValues("cancelled").Inc()
	metrics.TransactionDuration.Observe(now.Sub(tx.CreatedAt).Seconds())
	return nil
}

// applyDecision executes a recorded dispute outcome. Callers hold the
// transaction lock.
func (s *Service) applyDecision(ctx context.Context, tx *Transaction) error {
	switch tx.ResolutionOutcome {
	case OutcomeCompleted:
		return s.settle(ctx, tx)
	case OutcomeRefunded:
		if err := s.wallet.Refund(ctx, tx.BuyerID, tx.TotalAmount, tx.ID, tx.ID+"/refund"); err != nil {
			return fmt.Errorf("refund transaction %s: %w", tx.ID, err)
		}
		s.releaseQuantity(ctx, tx.ListingID, tx.Quantity)

		now := time.Now()
		tx.Status = StatusRefunded
		tx.ResolvedAt = &now
		tx.UpdatedAt = now
		if err := s.store.Update(ctx, tx); err != nil {
			if retryErr := s.store.Update(ctx, tx); retryErr != nil {
				s.logger.Error("CRITICAL: refund executed but status update failed, requires manual resolution",
					"transactionId", tx.ID, "buyer", tx.BuyerID, "amount", tx.TotalAmount, "error", retryErr)
				return fmt.Errorf("update transaction after refund: %w", err)
			}
		}
		observeTransition(StatusDisputed, StatusRefunded)
		metrics.PurchasesTotal.WithLabelValues("refunded").Inc()
		metrics.TransactionDuration.Observe(now.Sub(tx.CreatedAt).Seconds())

		s.emit(ctx, tx.BuyerID, notify.KindTransactionRefunded, tx, nil)
		return nil
	default:
		return fmt.Errorf("unknown resolution outcome %q", tx.ResolutionOutcome)
	}
}

// releaseQuantity returns reserved quantity to the listing. Failure is logged,
// not surfaced: the listing may already be expired or cancelled.
func (s *Service) releaseQuantity(ctx context.Context, listingID string, qty int) {
	if _, err := s.listings.Release(ctx, listingID, qty); err != nil {
		s.logger.Warn("failed to release listing quantity", "listingId", listingID, "qty", qty, "error", err)
	}
}

func (s *Service) emit(ctx context.Context, userID string, kind notify.Kind, tx *Transaction, extra map[string]interface{}) {
	if s.notifier == nil {
		return
	}
	data := map[string]interface{}{
		"transactionId": tx.ID,
		"listingId":     tx.ListingID,
		"buyerId":       tx.BuyerID,
		"sellerId":      tx.SellerID,
		"total":         tx.TotalAmount,
		"status":        string(tx.Status),
	}
	for k, v := range extra {
		data[k] = v
	}
	s.notifier.Notify(ctx, userID, kind, data)
}

func isParty(callerID, partyID string) bool {
	return strings.ToLower(strings.TrimSpace(callerID)) == partyID
}
