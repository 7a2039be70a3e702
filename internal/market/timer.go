package market

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/itembazaar/bazaar/internal/notify"
)

// Timer periodically expires listings whose expiry window has passed.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	notifier notify.Notifier
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new listing expiry timer.
func NewTimer(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithNotifier makes the sweeper tell sellers when their listing expires.
func (t *Timer) WithNotifier(n notify.Notifier) *Timer {
	t.notifier = n
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the expiry loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeExpire(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeExpire(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in listing expiry timer", "panic", fmt.Sprint(r))
		}
	}()
	t.expireListings(ctx)
}

func (t *Timer) expireListings(ctx context.Context) {
	now := time.Now()

	expired, err := t.store.ListExpired(ctx, now, 100)
	if err != nil {
		t.logger.Warn("failed to list expired listings", "error", err)
		return
	}

	for _, l := range expired {
		if _, err := t.service.Expire(ctx, l.ID); err != nil {
			t.logger.Warn("failed to expire listing",
				"listingId", l.ID,
				"error", err,
			)
			continue
		}
		t.logger.Info("expired listing",
			"listingId", l.ID,
			"seller", l.SellerID,
			"expiresAt", l.ExpiresAt,
		)
		if t.notifier != nil {
			t.notifier.Notify(ctx, l.SellerID, notify.KindListingExpired, map[string]interface{}{
				"listingId": l.ID,
				"title":     l.Title,
			})
		}
	}
}
