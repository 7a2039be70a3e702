// Package wallet tracks player point balances and the append-only ledger.
//
// Flow:
//  1. Player deposits points (top-up flow, external to this core)
//  2. A purchase freezes points: available → frozen
//  3. Settlement converts the buyer's frozen points into seller credit
//     plus platform commission, as one atomic ledger group
//  4. Cancellation or refund moves frozen points back to available
//
// The ledger entries are the canonical source of truth; the cached
// account row (available/frozen) must always equal their running sum.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/itembazaar/bazaar/internal/points"
)

var (
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrConcurrencyConflict = errors.New("wallet concurrency conflict")
	// ErrInvariantViolation means a balance would go negative through a path
	// that should be impossible. It is never surfaced as a user error: callers
	// log it at error level and abort the whole operation.
	ErrInvariantViolation = errors.New("wallet invariant violation")
)

// PlatformAccount is the reserved wallet that accumulates commission.
const PlatformAccount = "platform"

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	KindDeposit    EntryKind = "deposit"    // top-up: available += amount
	KindFreeze     EntryKind = "freeze"     // available -> frozen
	KindUnfreeze   EntryKind = "unfreeze"   // frozen -> available
	KindDebit      EntryKind = "debit"      // settlement: buyer frozen -= amount
	KindCredit     EntryKind = "credit"     // settlement: seller available += amount
	KindCommission EntryKind = "commission" // settlement: platform available += amount
	KindRefund     EntryKind = "refund"     // dispute refund: frozen -> available
)

// Account is the cached balance row for one user, created lazily on first use.
type Account struct {
	UserID    string    `json:"userId"`
	Available string    `json:"available"`
	Frozen    string    `json:"frozen"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Entry is one immutable balance movement. Entries are append-only and
// strictly ordered by commit order within a wallet.
type Entry struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Kind           EntryKind `json:"kind"`
	Amount         string    `json:"amount"`
	BalanceAfter   string    `json:"balanceAfter"` // available+frozen after this entry
	TransactionID  string    `json:"transactionId,omitempty"`
	IdempotencyKey string    `json:"-"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Store persists wallet accounts and ledger entries.
//
// Every mutation takes an idempotency key; replaying a key is a no-op that
// writes no second entry. Every mutation re-validates that no balance goes
// negative before commit and returns ErrInvariantViolation otherwise.
type Store interface {
	GetAccount(ctx context.Context, userID string) (*Account, error)
	Deposit(ctx context.Context, userID, amount, key string) error
	Freeze(ctx context.Context, userID, amount, txID, key string) error
	Unfreeze(ctx context.Context, userID, amount, txID, key string) error
	// Settle applies the debit/credit/commission triple as one atomic group:
	// frozen[buyer] -= total, available[seller] += total-fee,
	// available[platform] += fee.
	Settle(ctx context.Context, buyerID, sellerID, total, fee, txID, key string) error
	Refund(ctx context.Context, userID, amount, txID, key string) error
	// HasEntry reports whether an idempotency key has already produced an
	// entry, letting callers tell an applied mutation from one that never
	// committed.
	HasEntry(ctx context.Context, key string) (bool, error)
	History(ctx context.Context, userID string, limit int) ([]*Entry, error)
	// ReplaySums recomputes (available, frozen) for a wallet from its entries.
	ReplaySums(ctx context.Context, userID string) (available, frozen string, err error)
}

// ReconciliationResult is the outcome of replaying a wallet's entries
// against its cached account row.
type ReconciliationResult struct {
	UserID          string `json:"userId"`
	Match           bool   `json:"match"`
	ReplayAvailable string `json:"replayAvailable"`
	ReplayFrozen    string `json:"replayFrozen"`
	CachedAvailable string `json:"cachedAvailable"`
	CachedFrozen    string `json:"cachedFrozen"`
}

// Ledger manages player balances on top of a Store.
type Ledger struct {
	store Store
}

// New creates a new wallet ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// GetBalance returns a user's current account. Unknown users get a zero
// account rather than an error.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (*Account, error) {
	return l.store.GetAccount(ctx, normalize(userID))
}

// Deposit credits a user's available balance (wallet top-up boundary).
func (l *Ledger) Deposit(ctx context.Context, userID, amount, key string) error {
	defer observeOp("deposit")()
	if !points.IsPositive(amount) {
		return ErrInvalidAmount
	}
	return l.store.Deposit(ctx, normalize(userID), amount, key)
}

// Freeze moves points from available to frozen for an in-flight purchase.
func (l *Ledger) Freeze(ctx context.Context, userID, amount, txID, key string) error {
	defer observeOp("freeze")()
	if !points.IsPositive(amount) {
		return ErrInvalidAmount
	}
	return l.store.Freeze(ctx, normalize(userID), amount, txID, key)
}

// Unfreeze returns frozen points to available (pre-transfer cancellation).
func (l *Ledger) Unfreeze(ctx context.Context, userID, amount, txID, key string) error {
	defer observeOp("unfreeze")()
	if !points.IsPositive(amount) {
		return ErrInvalidAmount
	}
	return l.store.Unfreeze(ctx, normalize(userID), amount, txID, key)
}

// Settle converts the buyer's frozen total into seller credit plus platform
// commission. fee must not exceed total.
func (l *Ledger) Settle(ctx context.Context, buyerID, sellerID, total, fee, txID, key string) error {
	defer observeOp("settle")()
	if !points.IsPositive(total) {
		return ErrInvalidAmount
	}
	feeVal, ok := points.Parse(fee)
	if !ok || feeVal.Sign() < 0 || points.Cmp(fee, total) > 0 {
		return ErrInvalidAmount
	}
	return l.store.Settle(ctx, normalize(buyerID), normalize(sellerID), total, fee, txID, key)
}

// Refund returns a buyer's full frozen amount to available (dispute outcome).
func (l *Ledger) Refund(ctx context.Context, userID, amount, txID, key string) error {
	defer observeOp("refund")()
	if !points.IsPositive(amount) {
		return ErrInvalidAmount
	}
	return l.store.Refund(ctx, normalize(userID), amount, txID, key)
}

// HasEntry reports whether an idempotency key has already produced a ledger
// entry. Escrow recovery uses it to decide whether a transaction's funds
// were ever actually frozen.
func (l *Ledger) HasEntry(ctx context.Context, key string) (bool, error) {
	return l.store.HasEntry(ctx, key)
}

// History returns the most recent ledger entries for a user.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, normalize(userID), limit)
}

// Reconcile replays a wallet's entries and compares the result with the
// cached account row.
func (l *Ledger) Reconcile(ctx context.Context, userID string) (*ReconciliationResult, error) {
	userID = normalize(userID)
	acct, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	avail, frozen, err := l.store.ReplaySums(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("replay entries: %w", err)
	}
	res := &ReconciliationResult{
		UserID:          userID,
		ReplayAvailable: avail,
		ReplayFrozen:    frozen,
		CachedAvailable: acct.Available,
		CachedFrozen:    acct.Frozen,
	}
	res.Match = points.Cmp(avail, acct.Available) == 0 && points.Cmp(frozen, acct.Frozen) == 0
	if !res.Match {
		walletReconcileMismatch.Inc()
	}
	return res, nil
}

func normalize(userID string) string {
	return strings.ToLower(strings.TrimSpace(userID))
}
