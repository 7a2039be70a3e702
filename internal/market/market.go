// Package market owns the listing lifecycle and available quantity.
//
// Flow:
//  1. Seller creates a listing (draft) and publishes it (active)
//  2. A purchase reserves quantity; hitting zero marks the listing sold
//  3. Cancellation or refund releases quantity back, reopening the listing
//  4. The expiry sweeper retires listings past their expiry date
//
// Quantity is mutated only under the listing's optimistic version; a stale
// write surfaces ErrConcurrencyConflict and the caller retries with fresh
// state, never overwriting silently.
package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/itembazaar/bazaar/internal/idgen"
	"github.com/itembazaar/bazaar/internal/metrics"
	"github.com/itembazaar/bazaar/internal/pagination"
	"github.com/itembazaar/bazaar/internal/points"
	"github.com/itembazaar/bazaar/internal/retry"
)

var (
	ErrListingNotFound     = errors.New("listing not found")
	ErrForbidden           = errors.New("not the listing owner")
	ErrValidation          = errors.New("invalid listing parameters")
	ErrInvalidStatus       = errors.New("invalid listing status for this operation")
	ErrListingUnavailable  = errors.New("listing unavailable")
	ErrConcurrencyConflict = errors.New("listing concurrency conflict")
)

// Status represents the state of a listing.
type Status string

const (
	StatusDraft     Status = "draft"     // created, not yet visible
	StatusActive    Status = "active"    // published, buyable
	StatusPaused    Status = "paused"    // seller-hidden, reversible
	StatusSold      Status = "sold"      // quantity reached zero via purchases
	StatusCancelled Status = "cancelled" // seller withdrew the listing
	StatusExpired   Status = "expired"   // retired by the expiry sweeper
)

// IsTerminal returns true for states a seller cannot transition out of.
// Sold listings can still reopen through a quantity release.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSold, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Expiry bounds for new and republished listings.
const (
	MinExpiryDays = 1
	MaxExpiryDays = 365
)

// Listing represents one seller's offer of a virtual item.
type Listing struct {
	ID         string    `json:"id"`
	SellerID   string    `json:"sellerId"`
	ItemRef    string    `json:"itemRef"`
	Title      string    `json:"title"`
	Category   string    `json:"category,omitempty"`
	Quality    string    `json:"quality,omitempty"`
	UnitPrice  string    `json:"unitPrice"`
	Quantity   int       `json:"quantity"`
	ExpiryDays int       `json:"expiryDays"`
	Status     Status    `json:"status"`
	ListedAt   time.Time `json:"listedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Filter narrows a listing search.
type Filter struct {
	SellerID string
	Category string
	Status   Status
	MinPrice string
	MaxPrice string
}

// Store persists listings.
type Store interface {
	Create(ctx context.Context, l *Listing) error
	Get(ctx context.Context, id string) (*Listing, error)
	// Update persists l only if the stored row still carries expectedVersion,
	// incrementing the version on success. A mismatch returns
	// ErrConcurrencyConflict.
	Update(ctx context.Context, l *Listing, expectedVersion int64) error
	Search(ctx context.Context, f Filter, cursor *pagination.Cursor, limit int) ([]*Listing, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Listing, error)
}

// CreateRequest contains the parameters for creating a listing.
type CreateRequest struct {
	SellerID   string `json:"-"`
	ItemRef    string `json:"itemRef" binding:"required"`
	Title      string `json:"title" binding:"required"`
	Category   string `json:"category"`
	Quality    string `json:"quality"`
	UnitPrice  string `json:"unitPrice" binding:"required"`
	Quantity   int    `json:"quantity" binding:"required"`
	ExpiryDays int    `json:"expiryDays"`
}

// Service implements listing business logic.
type Service struct {
	store       Store
	maxAttempts int
}

// NewService creates a new listing service. maxAttempts bounds the internal
// retries on optimistic-concurrency conflicts.
func NewService(store Store, maxAttempts int) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Service{store: store, maxAttempts: maxAttempts}
}

// Create creates a listing in draft state.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Listing, error) {
	if req.SellerID == "" || req.ItemRef == "" || req.Title == "" {
		return nil, ErrValidation
	}
	if !points.IsPositive(req.UnitPrice) {
		return nil, fmt.Errorf("%w: unit price must be positive", ErrValidation)
	}
	if req.Quantity < 1 {
		return nil, fmt.Errorf("%w: quantity must be at least 1", ErrValidation)
	}
	days := req.ExpiryDays
	if days == 0 {
		days = 30
	}
	if days < MinExpiryDays || days > MaxExpiryDays {
		return nil, fmt.Errorf("%w: expiry must be %d..%d days", ErrValidation, MinExpiryDays, MaxExpiryDays)
	}

	now := time.Now()
	price, _ := points.Parse(req.UnitPrice)
	l := &Listing{
		ID:         idgen.WithPrefix("lst_"),
		SellerID:   req.SellerID,
		ItemRef:    req.ItemRef,
		Title:      req.Title,
		Category:   req.Category,
		Quality:    req.Quality,
		UnitPrice:  points.Format(price),
		Quantity:   req.Quantity,
		ExpiryDays: days,
		Status:     StatusDraft,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, l); err != nil {
		return nil, fmt.Errorf("create listing: %w", err)
	}
	metrics.ListingsTotal.WithLabelValues(string(l.Status)).Inc()
	return l, nil
}

// Publish moves a draft or paused listing to active, regenerating its expiry.
func (s *Service) Publish(ctx context.Context, id, callerID string) (*Listing, error) {
	return s.mutate(ctx, id, func(l *Listing) error {
		if l.SellerID != callerID {
			return ErrForbidden
		}
		if l.Status != StatusDraft && l.Status != StatusPaused {
			return ErrInvalidStatus
		}
		now := time.Now()
		l.Status = StatusActive
		l.ListedAt = now
		l.ExpiresAt = now.AddDate(0, 0, l.ExpiryDays)
		return nil
	})
}

// Pause hides an active listing; Publish reverses it.
func (s *Service) Pause(ctx context.Context, id, callerID string) (*Listing, error) {
	return s.mutate(ctx, id, func(l *Listing) error {
		if l.SellerID != callerID {
			return ErrForbidden
		}
		if l.Status != StatusActive {
			return ErrInvalidStatus
		}
		l.Status = StatusPaused
		return nil
	})
}

// Cancel withdraws a listing from any non-terminal state.
func (s *Service) Cancel(ctx context.Context, id, callerID string) (*Listing, error) {
	return s.mutate(ctx, id, func(l *Listing) error {
		if l.SellerID != callerID {
			return ErrForbidden
		}
		if l.Status.IsTerminal() {
			return ErrInvalidStatus
		}
		l.Status = StatusCancelled
		return nil
	})
}

// Expire retires a listing past its expiry date. Driven by the sweeper, and
// monotonic: a listing already reaped stays expired even if the window grows.
func (s *Service) Expire(ctx context.Context, id string) (*Listing, error) {
	return s.mutate(ctx, id, func(l *Listing) error {
		if l.Status != StatusActive && l.Status != StatusPaused {
			return ErrInvalidStatus
		}
		if time.Now().Before(l.ExpiresAt) {
			return ErrInvalidStatus
		}
		l.Status = StatusExpired
		return nil
	})
}

// Reserve atomically decrements available quantity for a purchase.
// Guard: status active, not past expiry, quantity sufficient. Reaching zero
// marks the listing sold.
func (s *Service) Reserve(ctx context.Context, id string, qty int) (*Listing, error) {
	if qty < 1 {
		return nil, ErrValidation
	}
	return s.mutate(ctx, id, func(l *Listing) error {
		if l.Status != StatusActive || time.Now().After(l.ExpiresAt) {
			return ErrListingUnavailable
		}
		if l.Quantity < qty {
			return ErrListingUnavailable
		}
		l.Quantity -= qty
		if l.Quantity == 0 {
			l.Status = StatusSold
		}
		return nil
	})
}

// Release returns reserved quantity after a cancellation or refund,
// reopening a fully sold listing. A sold listing whose expiry has already
// passed goes to expired instead: active always implies a future ExpiresAt.
func (s *Service) Release(ctx context.Context, id string, qty int) (*Listing, error) {
	if qty < 1 {
		return nil, ErrValidation
	}
	return s.mutate(ctx, id, func(l *Listing) error {
		l.Quantity += qty
		if l.Status == StatusSold {
			if time.Now().After(l.ExpiresAt) {
				l.Status = StatusExpired
			} else {
				l.Status = StatusActive
			}
		}
		return nil
	})
}

// Get returns a listing by ID.
func (s *Service) Get(ctx context.Context, id string) (*Listing, error) {
	return s.store.Get(ctx, id)
}

// Search returns listings matching the filter, newest first, with an opaque
// cursor for the next page.
func (s *Service) Search(ctx context.Context, f Filter, cursorStr string, limit int) ([]*Listing, string, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	cursor, err := pagination.Decode(cursorStr)
	if err != nil {
		return nil, "", fmt.Errorf("%w: bad cursor", ErrValidation)
	}
	listings, err := s.store.Search(ctx, f, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(listings) == limit {
		last := listings[len(listings)-1]
		next = pagination.Encode(last.CreatedAt, last.ID)
	}
	return listings, next, nil
}

// mutate applies fn to a fresh copy of the listing and persists it under the
// version read, retrying on conflict up to the configured budget. Guard
// failures inside fn abort without retrying.
func (s *Service) mutate(ctx context.Context, id string, fn func(*Listing) error) (*Listing, error) {
	var result *Listing
	var statusChanged bool
	err := retry.Do(ctx, s.maxAttempts, 10*time.Millisecond, func() error {
		l, err := s.store.Get(ctx, id)
		if err != nil {
			return retry.Permanent(err)
		}
		readVersion := l.Version
		readStatus := l.Status
		if err := fn(l); err != nil {
			return retry.Permanent(err)
		}
		statusChanged = l.Status != readStatus
		l.UpdatedAt = time.Now()
		if err := s.store.Update(ctx, l, readVersion); err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				return err // retryable
			}
			return retry.Permanent(err)
		}
		result = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	if statusChanged {
		metrics.ListingsTotal.WithLabelValues(string(result.Status)).Inc()
	}
	return result, nil
}
