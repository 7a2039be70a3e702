package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer is the transaction reaper: it auto-cancels stuck pre-transfer
// transactions, auto-completes transferred ones past the ack window, and
// re-applies recorded dispute decisions. Reaper transitions are normal state
// changes; they are logged, never surfaced as user errors.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new transaction reaper.
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

// Running reports whether the reaper loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the reaper loop. Call in a goroutine.
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
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the reaper to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in transaction reaper", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	now := time.Now()

	// 1. Auto-cancel created/pending past the freeze-hold window.
	stuck, err := t.store.ListCancelDue(ctx, now, 100)
	if err != nil {
		t.logger.Warn("failed to list cancel-due transactions", "error", err)
	}
	for _, tx := range stuck {
		err := t.service.AutoCancel(ctx, tx.ID)
		observeReaperAction("auto_cancel", err)
		if err != nil {
			t.logger.Warn("failed to auto-cancel transaction", "transactionId", tx.ID, "error", err)
			continue
		}
		t.logger.Info("auto-cancelled stuck transaction",
			"transactionId", tx.ID, "buyer", tx.BuyerID, "amount", tx.TotalAmount)
	}

	// 2. Auto-complete seller_transferred past the ack window.
	silent, err := t.store.ListAckDue(ctx, now, 100)
	if err != nil {
		t.logger.Warn("failed to list ack-due transactions", "error", err)
	}
	for _, tx := range silent {
		err := t.service.AutoComplete(ctx, tx.ID)
		observeReaperAction("auto_complete", err)
		if err != nil {
			t.logger.Warn("failed to auto-complete transaction", "transactionId", tx.ID, "error", err)
			continue
		}
		t.logger.Info("auto-completed transaction after silent ack window",
			"transactionId", tx.ID, "seller", tx.SellerID, "amount", tx.TotalAmount)
	}

	// 3. Re-apply dispute decisions that were recorded but failed to apply.
	unapplied, err := t.store.ListUnappliedDisputes(ctx, 100)
	if err != nil {
		t.logger.Warn("failed to list unapplied dispute decisions", "error", err)
	}
	for _, tx := range unapplied {
		err := t.service.ReapplyDecision(ctx, tx.ID)
		observeReaperAction("apply_decision", err)
		if err != nil {
			t.logger.Warn("failed to apply dispute decision", "transactionId", tx.ID,
				"outcome", tx.ResolutionOutcome, "error", err)
			continue
		}
		t.logger.Info("applied dispute decision",
			"transactionId", tx.ID, "outcome", tx.ResolutionOutcome, "resolvedBy", tx.ResolvedBy)
	}
}
