package escrow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/itembazaar/bazaar/internal/market"
	"github.com/itembazaar/bazaar/internal/wallet"
)

type fixture struct {
	svc     *Service
	store   *MemoryStore
	market  *market.Service
	listing *market.MemoryStore
	wallet  *wallet.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	listingStore := market.NewMemoryStore()
	marketSvc := market.NewService(listingStore, 10)
	ledger := wallet.New(wallet.NewMemoryStore())
	store := NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(store, marketSvc, ledger, logger)
	return &fixture{svc: svc, store: store, market: marketSvc, listing: listingStore, wallet: ledger}
}

func (f *fixture) publishListing(t *testing.T, seller, price string, qty int) *market.Listing {
	t.Helper()
	l, err := f.market.Create(context.Background(), market.CreateRequest{
		SellerID:  seller,
		ItemRef:   "item_sword",
		Title:     "Rune Sword",
		UnitPrice: price,
		Quantity:  qty,
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	l, err = f.market.Publish(context.Background(), l.ID, seller)
	if err != nil {
		t.Fatalf("publish listing: %v", err)
	}
	return l
}

func (f *fixture) fund(t *testing.T, userID, amount string) {
	t.Helper()
	if err := f.wallet.Deposit(context.Background(), userID, amount, "dep_"+userID); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func (f *fixture) balance(t *testing.T, userID string) *wallet.Account {
	t.Helper()
	acct, err := f.wallet.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance %s: %v", userID, err)
	}
	return acct
}

// The full happy path: a 500.00 listing with two units, buyer holds 1000.00,
// standard commission 10%. One unit sells for 450.00 seller credit plus 50.00
// platform commission, and the listing stays sellable with the other unit.
func TestEngine_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l := f.publishListing(t, "seller", "500.00", 2)
	f.fund(t, "buyer", "1000.00")

	tx, err := f.svc.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: l.ID, Quantity: 1})
	if err != nil {
		t.Fatalf("Purchase failed: %v", err)
	}
	if tx.Status != StatusPending {
		t.Errorf("status = %s, want pending", tx.Status)
	}
	if tx.TotalAmount != "500.00" || tx.CommissionAmount != "50.00" {
		t.Errorf("total=%s fee=%s, want 500.00/50.00", tx.TotalAmount, tx.CommissionAmount)
	}

	buyer := f.balance(t, "buyer")
	if buyer.Available != "500.00" || buyer.Frozen != "500.00" {
		t.Errorf("buyer after purchase: available=%s frozen=%s", buyer.Available, buyer.Frozen)
	}
	got, _ := f.market.Get(ctx, l.ID)
	if got.Quantity != 1 || got.Status != market.StatusActive {
		t.Errorf("listing after purchase: qty=%d status=%s, want 1/active", got.Quantity, got.Status)
	}

	if _, err := f.svc.ConfirmTransfer(ctx, tx.ID, "seller"); err != nil {
		t.Fatalf("ConfirmTransfer failed: %v", err)
	}
	tx, err = f.svc.ConfirmReceipt(ctx, tx.ID, "buyer")
	if err != nil {
		t.Fatalf("ConfirmReceipt failed: %v", err)
	}
	if tx.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", tx.Status)
	}
	if tx.ReceivedAt == nil || tx.ResolvedAt == nil {
		t.Error("completion timestamps missing")
	}

	buyer = f.balance(t, "buyer")
	seller := f.balance(t, "seller")
	platform := f.balance(t, wallet.PlatformAccount)
	if buyer.Available != "500.00" || buyer.Frozen != "0.00" {
		t.Errorf("buyer after settle: available=%s frozen=%s", buyer.Available, buyer.Frozen)
	}
	if seller.Available != "450.00" {
		t.Errorf("seller credit = %s, want 450.00", seller.Available)
	}
	if platform.Available != "50.00" {
		t.Errorf("platform commission = %s, want 50.00", platform.Available)
	}
	// Listing keeps its remaining unit; settlement never releases quantity.
	got, _ = f.market.Get(ctx, l.ID)
	if got.Quantity != 1 || got.Status != market.StatusActive {
		t.Errorf("listing after settle: qty=%d status=%s", got.Quantity, got.Status)
	}
}

func TestEngine_MultiStepTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l := f.publishListing(t, "seller", "10.00", 5)
	f.fund(t, "buyer", "100.00")

	tx, err := f.svc.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: l.ID, Quantity: 3})
	if err != nil {
		t.Fatalf("Purchase failed: %v", err)
	}

	tx, err = f.svc.StartTransfer(ctx, tx.ID, "seller")
	if err != nil {
		t.Fatalf("StartTransfer failed: %v", err)
	}
	if tx.Status != StatusConfirmed || tx.ConfirmedAt == nil {
		t.Errorf("status = %s, want confirmed", tx.Status)
	}

	tx, err = f.svc.StartTransfer(ctx, tx.ID, "seller")
	if err != nil {
		t.Fatalf("second StartTransfer failed: %v", err)
	}
	if tx.Status != StatusInProgress || tx.InProgressAt == nil {
		t.Errorf("status = %s, want in_progress", tx.Status)
	}

	// Third call has nowhere to go.
	if _, err := f.svc.StartTransfer(ctx, tx.ID, "seller"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("got %v, want ErrInvalidTransition", err)
	}

	tx, err = f.svc.ConfirmTransfer(ctx, tx.ID, "seller")
	if err != nil {
		t.Fatalf("ConfirmTransfer failed: %v", err)
	}
	if tx.Status != StatusSellerTransferred || tx.AckDeadline == nil {
		t.Errorf("status = %s, ackDeadline = %v", tx.Status, tx.AckDeadline)
	}
}

func TestEngine_InsufficientFundsLeavesNoWalletTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l := f.publishListing(t, "seller", "500.00", 2)
	f.fund(t, "buyer", "100.00")

	_, err := f.svc.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: l.ID, Quantity: 1})
	if !errors.Is(err, wallet.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}

	// Reservation rolled back, no wallet mutation survives.
	got, _ := f.market.Get(ctx, l.ID)
	if got.Quantity != 2 {
		t.Errorf("listing quantity = %d, want 2", got.Quantity)
	}
	buyer := f.balance(t, "buyer")
	if buyer.Available != "100.00" || buyer.Frozen != "0.00" {
		t.Errorf("buyer: available=%s frozen=%s", buyer.Available, buyer.Frozen)
	}
	entries, _ := f.wallet.History(ctx, "buyer", 10)
	if len(entries) != 1 { // just the deposit
		t.Errorf("buyer history = %d entries, want 1", len(entries))
	}

	// The aborted purchase stays on record as a cancelled transaction.
	txs, _ := f.svc.ListByUser(ctx, "buyer", 10)
	if len(txs) != 1 || txs[0].Status != StatusCancelled {
		t.Fatalf("audit row: got %d transactions, want 1 cancelled", len(txs))
	}
}

// Resubmitting a purchase with the same idempotency key returns the
// transaction already opened: no second reservation, no second ledger entry.
func TestEngine_PurchaseIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l := f.publishListing(t, "seller", "100.00", 2)
	f.fund(t, "buyer", "500.00")

	req := PurchaseRequest{BuyerID: "buyer", ListingID: l.ID, Quantity: 1, IdempotencyKey: "order-1"}
	tx1, err := f.svc.Purchase(ctx, req)
	if err != nil {
		t.Fatalf("Purchase failed: %v", err)
	}
	tx2, err := f.svc.Purchase(ctx, req)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if tx2.ID != tx1.ID {
		t.Fatalf("replay minted a new transaction: %s vs %s", tx2.ID, tx1.ID)
	}

	listing, _ := f.market.Get(ctx, l.ID)
	if listing.Quantity != 1 {
		t.Errorf("listing quantity = %d, want 1", listing.Quantity)
	}
	buyer := f.balance(t, "buyer")
	if buyer.Available != "400.00" || buyer.Frozen != "100.00" {
		t.Errorf("buyer: available=%s frozen=%s", buyer.Available, buyer.Frozen)
	}
	entries, _ := f.wallet.History(ctx, "buyer", 50)
	freezes := 0
	for _, e := range entries {
		if e.Kind == wallet.KindFreeze {
			freezes++
		}
	}
	if freezes != 1 {
		t.Errorf("freeze entries = %d, want 1", freezes)
	}

	// A fresh key is a fresh purchase.
	tx3, err := f.svc.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: l.ID, Quantity: 1, IdempotencyKey: "order-2"})
	if err != nil {
		t.Fatalf("second purchase failed: %v", err)
	}
	if tx3.ID == tx1.ID {
		t.Error("distinct keys must open distinct transactions")
	}
}

// Two instances updating the same transaction row must not overwrite each
// other silently.
func TestStore_UpdateVersionConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	tx := &Transaction{
		ID:             "txn_conflict0000000000000000",
		ListingID:      "lst_x",
		BuyerID:        "buyer",
		SellerID:       "seller",
		Quantity:       1,
		UnitPrice:      "10.00",
		TotalAmount:    "10.00",
		Status:         StatusCreated,
		CreatedAt:      now,
		CancelDeadline: now.Add(time.Hour),
		UpdatedAt:      now,
		Version:        1,
	}
	if err := store.Create(ctx, tx); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, tx); !errors.Is(err, ErrDuplicateTransaction) {
		t.Errorf("duplicate create: got %v, want ErrDuplicateTransaction", err)
	}

	a, _ := store.Get(ctx, tx.ID)
	b, _ := store.Get(ctx, tx.ID)

	a.Status = StatusPending
	if err := store.Update(ctx, a); err != nil {
		t.Fatalf("first update failed: %v", err)
	}
	b.Status = StatusCancelled
	if err := store.Update(ctx, b); !errors.Is(err, ErrConcurrencyConflict) {
		t.Errorf("stale update: got %v, want ErrConcurrencyConflict", err)
	}

	got, _ := store.Get(ctx, tx.ID)
	if got.Status != StatusPending || got.Version != 2 {
		t.Errorf("row = %s v%d, want pending v2", got.Status, got.Version)
	}
}

func TestEngine_SelfPurchaseRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l := f.publishListing(t, "seller", "10.00", 1)
	f.fund(t, "seller", "100.00")

	if _, err := f.svc.Purchase(ctx, PurchaseRequest{BuyerID: "seller", ListingID: l.ID, Quantity: 1}); !errors.Is(err, ErrValidation) {
		t.Fatalf("got %v, want ErrValidation", err)
	}
	got, _ := f.market.Get(ctx, l.ID)
	if got.Quantity != 1 {
		t.Errorf("reservation not rolled back, qty = %d", got.Quantity)
	}
}

func TestEngine_NoOversellUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l := f.publishListing(t, "seller", "10.00", 1)
	f.fund(t, "alice", "100.00")
	f.fund(t, "bob", "100.00")

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, buyer := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(i int, buyer string) {
			defer wg.Done()
			_, results[i] = f.svc.Purchase(ctx, PurchaseRequest{BuyerID: buyer, ListingID: l.ID, Quantity: 1})
		}(i, buyer)
	}
	wg.Wait()

	var ok, unavailable int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, market.ErrListingUnavailable):
			unavailable++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || unavailable != 1 {
		t.Errorf("ok=%d unavailable=%d, want 1/1", ok, unavailable)
	}
}

func TestEngine_CancelPreTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l := f.publishListing(t, "seller", "50.00", 1)
	f.fund(t, "buyer", "50.00")

	tx, err := f.svc.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: l.ID, Quantity: 1})
	if err != nil {
		t.Fatalf("Purchase failed: %v", err)
	}
	got, _ := f.market.Get(ctx, l.ID)
	if got.Status != market.StatusSold {
		t.Fatalf("listing status = %s, want sold", got.Status)
	}

	tx, err = f.svc.Cancel(ctx, tx.ID, "seller")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if tx.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", tx.Status)
	}

	buyer := f.balance(t, "buyer")
	if buyer.Available != "50.00" || buyer.Frozen != "0.00" {
		t.Errorf("buyer after cancel: available=%s frozen=%s", buyer.Available, buyer.Frozen)
	}
	got, _ = f.market.Get(ctx, l.ID)
	if got.Quantity != 1 || got.Status != market.StatusActive {
		t.Errorf("listing after cancel: qty=%d status=%s, want 1/active", got.Quantity, got.Status)
	}
}

func TestEngine_CancelAfterTransferRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l := f.publishListing(t, "seller", "50.00", 1)
	f.fund(t, "buyer", "50.00")

	tx, _ := f.svc.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: l.ID, Quantity: 1})
	if _, err := f.svc.ConfirmTransfer(ctx, tx.ID, "seller"); err != nil {
		t.Fatalf("ConfirmTransfer failed: %v", err)
	}

	if _, err := f.svc.Cancel(ctx, tx.ID, "buyer"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("got %v, want ErrInvalidTransition", err)
	}
}

func TestEngine_PartyGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l := f.publishListing(t, "seller", "50.00", 1)
	f.fund(t, "buyer", "50.00")

	tx, _ := f.svc.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: l.ID, Quantity: 1})

	if _, err := f.svc.ConfirmTransfer(ctx, tx.ID, "buyer"); !errors.Is(err, ErrForbidden) {
		t.Errorf("buyer confirming transfer: got %v, want ErrForbidden", err)
	}
	if _, err := f.svc.Cancel(ctx, tx.ID, "stranger"); !errors.Is(err, ErrForbidden) {
		t.Errorf("stranger cancelling: got %v, want ErrForbidden", err)
	}
	if _, err := f.svc.ConfirmTransfer(ctx, tx.ID, "seller"); err != nil {
		t.Fatalf("ConfirmTransfer failed: %v", err)
	}
	if _, err := f.svc.ConfirmReceipt(ctx, tx.ID, "seller"); !errors.Is(err, ErrForbidden) {
		t.Errorf("seller confirming receipt: got %v, want ErrForbidden", err)
	}
}

func TestEngine_DisputeAndRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l := f.publishListing(t, "seller", "100.00", 1)
	f.fund(t, "buyer", "100.00")

	tx, _ := f.svc.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: l.ID, Quantity: 1})
	if _, err := f.svc.ConfirmTransfer(ctx, tx.ID, "seller"); err != nil {
		t.Fatalf("ConfirmTransfer failed: %v", err)
	}

	tx, err := f.svc.Dispute(ctx, tx.ID, "buyer", "item never arrived")
	if err != nil {
		t.Fatalf("Dispute failed: %v", err)
	}
	if tx.Status != StatusDisputed || tx.DisputeReason == "" {
		t.Errorf("status=%s reason=%q", tx.Status, tx.DisputeReason)
	}
	// Funds stay frozen while disputed.
	buyer := f.balance(t, "buyer")
	if buyer.Frozen != "100.00" {
		t.Errorf("buyer frozen = %s, want 100.00", buyer.Frozen)
	}

	tx, err = f.svc.RecordDecision(ctx, tx.ID, OutcomeRefunded, "seller could not prove transfer", "manager1")
	if err != nil {
		t.Fatalf("RecordDecision failed: %v", err)
	}
	if tx.Status != StatusRefunded || tx.ResolvedBy != "manager1" {
		t.Errorf("status=%s resolvedBy=%s", tx.Status, tx.ResolvedBy)
	}

	// Full amount back to the buyer, no commission taken, quantity released.
	buyer = f.balance(t, "buyer")
	if buyer.Available != "100.00" || buyer.Frozen != "0.00" {
		t.Errorf("buyer after refund: available=%s frozen=%s", buyer.Available, buyer.Frozen)
	}
	seller := f.balance(t, "seller")
	if seller.Available != "0.00" {
		t.Errorf("seller credited %s on a refund", seller.Available)
	}
	platform := f.balance(t, wallet.PlatformAccount)
	if platform.Available != "0.00" {
		t.Errorf("platform took %s commission on a refund", platform.Available)
	}
	got, _ := f.market.Get(ctx, l.ID)
	if got.Quantity != 1 || got.Status != market.StatusActive {
		t.Errorf("listing after refund: qty=%d status=%s", got.Quantity, got.Status)
	}
}

func TestEngine_DisputeResolvedAsCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l := f.publishListing(t, "seller", "100.00", 1)
	f.fund(t, "buyer", "100.00")

	tx, _ := f.svc.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: l.ID, Quantity: 1})
	if _, err := f.svc.ConfirmTransfer(ctx, tx.ID, "seller"); err != nil {
		t.Fatalf("ConfirmTransfer failed: %v", err)
	}
	if _, err := f.svc.Dispute(ctx, tx.ID, "buyer", "wrong item"); err != nil {
		t.Fatalf("Dispute failed: %v", err)
	}

	tx, err := f.svc.RecordDecision(ctx, tx.ID, OutcomeCompleted, "transfer log checks out", "manager1")
	if err != nil {
		t.Fatalf("RecordDecision failed: %v", err)
	}
	if tx.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", tx.Status)
	}
	seller := f.balance(t, "seller")
	if seller.Available != "90.00" {
		t.Errorf("seller credit = %s, want 90.00", seller.Available)
	}
}

func TestEngine_DisputeAfterAckWindowRejected(t *testing.T) {
	f := newFixture(t)
	f.svc.WithWindows(time.Hour, time.Millisecond)
	ctx := context.Background()

	l := f.publishListing(t, "seller", "10.00", 1)
	f.fund(t, "buyer", "10.00")

	tx, _ := f.svc.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: l.ID, Quantity: 1})
	if _, err := f.svc.ConfirmTransfer(ctx, tx.ID, "seller"); err != nil {
		t.Fatalf("ConfirmTransfer failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := f.svc.Dispute(ctx, tx.ID, "buyer", "too late"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("got %v, want ErrInvalidTransition", err)
	}
}

func TestReaper_AutoCancel(t *testing.T) {
	f := newFixture(t)
	f.svc.WithWindows(time.Millisecond, time.Hour)
	ctx := context.Background()

	l := f.publishListing(t, "seller", "25.00", 1)
	f.fund(t, "buyer", "25.00")

	tx, err := f.svc.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: l.ID, Quantity: 1})
	if err != nil {
		t.Fatalf("Purchase failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	timer := NewTimer(f.svc, f.store, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	timer.sweep(ctx)

	got, _ := f.svc.Get(ctx, tx.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	buyer := f.balance(t, "buyer")
	if buyer.Available != "25.00" || buyer.Frozen != "0.00" {
		t.Errorf("buyer after auto-cancel: available=%s frozen=%s", buyer.Available, buyer.Frozen)
	}
	listing, _ := f.market.Get(ctx, l.ID)
	if listing.Quantity != 1 || listing.Status != market.StatusActive {
		t.Errorf("listing after auto-cancel: qty=%d status=%s", listing.Quantity, listing.Status)
	}
}

// A created row whose freeze never committed (crash between the insert and
// the wallet commit) must still be reaped: quantity goes back, but no
// unfreeze is attempted against funds that were never frozen.
func TestReaper_CancelsUnfundedPurchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l := f.publishListing(t, "seller", "40.00", 1)
	if _, err := f.market.Reserve(ctx, l.ID, 1); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	now := time.Now()
	tx := &Transaction{
		ID:               "txn_unfunded0000000000000000",
		ListingID:        l.ID,
		BuyerID:          "buyer",
		SellerID:         "seller",
		Quantity:         1,
		UnitPrice:        "40.00",
		TotalAmount:      "40.00",
		CommissionAmount: "4.00",
		Status:           StatusCreated,
		CreatedAt:        now.Add(-time.Hour),
		CancelDeadline:   now.Add(-time.Minute),
		UpdatedAt:        now.Add(-time.Hour),
		Version:          1,
	}
	if err := f.store.Create(ctx, tx); err != nil {
		t.Fatalf("seed transaction: %v", err)
	}

	timer := NewTimer(f.svc, f.store, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	timer.sweep(ctx)

	got, err := f.svc.Get(ctx, tx.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	buyer := f.balance(t, "buyer")
	if buyer.Available != "0.00" || buyer.Frozen != "0.00" {
		t.Errorf("buyer touched: available=%s frozen=%s", buyer.Available, buyer.Frozen)
	}
	entries, _ := f.wallet.History(ctx, "buyer", 10)
	if len(entries) != 0 {
		t.Errorf("buyer history = %d entries, want 0", len(entries))
	}
	listing, _ := f.market.Get(ctx, l.ID)
	if listing.Quantity != 1 || listing.Status != market.StatusActive {
		t.Errorf("listing after reap: qty=%d status=%s", listing.Quantity, listing.Status)
	}
}

// Timeout auto-complete must be indistinguishable from a manual receipt at the
// ledger level.
func TestReaper_AutoCompleteMatchesManualSettlement(t *testing.T) {
	f := newFixture(t)
	f.svc.WithWindows(time.Hour, time.Millisecond)
	ctx := context.Background()

	l := f.publishListing(t, "seller", "500.00", 1)
	f.fund(t, "buyer", "500.00")

	tx, _ := f.svc.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: l.ID, Quantity: 1})
	if _, err := f.svc.ConfirmTransfer(ctx, tx.ID, "seller"); err != nil {
		t.Fatalf("ConfirmTransfer failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	timer := NewTimer(f.svc, f.store, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	timer.sweep(ctx)

	got, _ := f.svc.Get(ctx, tx.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	seller := f.balance(t, "seller")
	platform := f.balance(t, wallet.PlatformAccount)
	if seller.Available != "450.00" || platform.Available != "50.00" {
		t.Errorf("settlement split %s/%s, want 450.00/50.00", seller.Available, platform.Available)
	}
	buyer := f.balance(t, "buyer")
	if buyer.Available != "0.00" || buyer.Frozen != "0.00" {
		t.Errorf("buyer after auto-complete: available=%s frozen=%s", buyer.Available, buyer.Frozen)
	}
}

// A decision recorded against a wallet that keeps failing stays queued and the
// reaper applies it once the wallet recovers.
func TestReaper_ReappliesRecordedDecision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l := f.publishListing(t, "seller", "100.00", 1)
	f.fund(t, "buyer", "100.00")

	tx, _ := f.svc.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: l.ID, Quantity: 1})
	if _, err := f.svc.ConfirmTransfer(ctx, tx.ID, "seller"); err != nil {
		t.Fatalf("ConfirmTransfer failed: %v", err)
	}
	if _, err := f.svc.Dispute(ctx, tx.ID, "buyer", "never arrived"); err != nil {
		t.Fatalf("Dispute failed: %v", err)
	}

	flaky := &flakyWallet{inner: f.wallet, failures: 1}
	f.svc.wallet = flaky

	// First application attempt fails but the decision sticks.
	tx, err := f.svc.RecordDecision(ctx, tx.ID, OutcomeRefunded, "", "manager1")
	if err != nil {
		t.Fatalf("RecordDecision failed: %v", err)
	}
	if tx.Status != StatusDisputed || tx.ResolutionOutcome != OutcomeRefunded {
		t.Fatalf("status=%s outcome=%s after failed apply", tx.Status, tx.ResolutionOutcome)
	}

	timer := NewTimer(f.svc, f.store, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	timer.sweep(ctx)

	got, _ := f.svc.Get(ctx, tx.ID)
	if got.Status != StatusRefunded {
		t.Errorf("status = %s, want refunded after reaper retry", got.Status)
	}
	buyer := f.balance(t, "buyer")
	if buyer.Available != "100.00" {
		t.Errorf("buyer available = %s, want 100.00", buyer.Available)
	}
}

func TestEngine_DecisionIsSticky(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l := f.publishListing(t, "seller", "100.00", 1)
	f.fund(t, "buyer", "100.00")

	tx, _ := f.svc.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: l.ID, Quantity: 1})
	if _, err := f.svc.ConfirmTransfer(ctx, tx.ID, "seller"); err != nil {
		t.Fatalf("ConfirmTransfer failed: %v", err)
	}
	if _, err := f.svc.Dispute(ctx, tx.ID, "buyer", "never arrived"); err != nil {
		t.Fatalf("Dispute failed: %v", err)
	}
	if _, err := f.svc.RecordDecision(ctx, tx.ID, "split", "", "manager1"); !errors.Is(err, ErrValidation) {
		t.Errorf("bogus outcome: got %v, want ErrValidation", err)
	}
	if _, err := f.svc.RecordDecision(ctx, tx.ID, OutcomeRefunded, "", "manager1"); err != nil {
		t.Fatalf("RecordDecision failed: %v", err)
	}
	// Terminal now; a second, contradictory decision bounces.
	if _, err := f.svc.RecordDecision(ctx, tx.ID, OutcomeCompleted, "", "manager2"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("got %v, want ErrInvalidTransition", err)
	}
}

func TestEngine_ListByUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l := f.publishListing(t, "seller", "10.00", 5)
	f.fund(t, "buyer", "100.00")

	for i := 0; i < 3; i++ {
		if _, err := f.svc.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: l.ID, Quantity: 1}); err != nil {
			t.Fatalf("Purchase %d failed: %v", i, err)
		}
	}

	asBuyer, err := f.svc.ListByUser(ctx, "buyer", 10)
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	if len(asBuyer) != 3 {
		t.Errorf("buyer transactions = %d, want 3", len(asBuyer))
	}
	asSeller, _ := f.svc.ListByUser(ctx, "SELLER", 10)
	if len(asSeller) != 3 {
		t.Errorf("seller transactions = %d, want 3", len(asSeller))
	}
	none, _ := f.svc.ListByUser(ctx, "stranger", 10)
	if len(none) != 0 {
		t.Errorf("stranger transactions = %d, want 0", len(none))
	}
}

// flakyWallet fails the first n mutations, then delegates.
type flakyWallet struct {
	inner    WalletLedger
	failures int
}

func (f *flakyWallet) fail() bool {
	if f.failures > 0 {
		f.failures--
		return true
	}
	return false
}

func (f *flakyWallet) Freeze(ctx context.Context, userID, amount, txID, key string) error {
	if f.fail() {
		return errors.New("wallet unavailable")
	}
	return f.inner.Freeze(ctx, userID, amount, txID, key)
}

func (f *flakyWallet) Unfreeze(ctx context.Context, userID, amount, txID, key string) error {
	if f.fail() {
		return errors.New("wallet unavailable")
	}
	return f.inner.Unfreeze(ctx, userID, amount, txID, key)
}

func (f *flakyWallet) Settle(ctx context.Context, buyerID, sellerID, total, fee, txID, key string) error {
	if f.fail() {
		return errors.New("wallet unavailable")
	}
	return f.inner.Settle(ctx, buyerID, sellerID, total, fee, txID, key)
}

func (f *flakyWallet) Refund(ctx context.Context, userID, amount, txID, key string) error {
	if f.fail() {
		return errors.New("wallet unavailable")
	}
	return f.inner.Refund(ctx, userID, amount, txID, key)
}

func (f *flakyWallet) HasEntry(ctx context.Context, key string) (bool, error) {
	return f.inner.HasEntry(ctx, key)
}
