//go:build integration

package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/itembazaar/bazaar/internal/testutil"
)

func setupTestStore(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func testListing(id, seller string) *Listing {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Listing{
		ID:         id,
		SellerID:   seller,
		ItemRef:    "item_ref",
		Title:      "Test Item",
		Category:   "weapons",
		UnitPrice:  "500.00",
		Quantity:   2,
		ExpiryDays: 30,
		Status:     StatusDraft,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestPostgres_CreateAndGet(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	l := testListing("lst_pg1", "seller1")
	if err := store.Create(ctx, l); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "lst_pg1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.UnitPrice != "500.00" {
		t.Errorf("unitPrice = %s, want 500.00", got.UnitPrice)
	}
	if got.Status != StatusDraft || got.Version != 1 {
		t.Errorf("got status=%s version=%d", got.Status, got.Version)
	}
	if !got.ListedAt.IsZero() {
		t.Errorf("listedAt should be zero before publish, got %v", got.ListedAt)
	}
}

func TestPostgres_Get_NotFound(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	if _, err := store.Get(context.Background(), "lst_missing"); !errors.Is(err, ErrListingNotFound) {
		t.Errorf("got %v, want ErrListingNotFound", err)
	}
}

func TestPostgres_UpdateVersionGuard(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	l := testListing("lst_pg2", "seller1")
	if err := store.Create(ctx, l); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	l.Status = StatusActive
	l.ListedAt = time.Now().UTC()
	l.ExpiresAt = l.ListedAt.AddDate(0, 0, 30)
	if err := store.Update(ctx, l, 1); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if l.Version != 2 {
		t.Errorf("version = %d, want 2", l.Version)
	}

	// Stale writer holding version 1 must lose.
	if err := store.Update(ctx, l, 1); !errors.Is(err, ErrConcurrencyConflict) {
		t.Errorf("got %v, want ErrConcurrencyConflict", err)
	}

	// Missing row beats the conflict diagnosis.
	ghost := testListing("lst_ghost", "seller1")
	if err := store.Update(ctx, ghost, 1); !errors.Is(err, ErrListingNotFound) {
		t.Errorf("got %v, want ErrListingNotFound", err)
	}
}

func TestPostgres_SearchFilters(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Microsecond)
	for i, spec := range []struct {
		id, seller, category, price string
		status                      Status
	}{
		{"lst_s1", "alice", "weapons", "100.00", StatusActive},
		{"lst_s2", "alice", "armor", "250.00", StatusActive},
		{"lst_s3", "bob", "weapons", "900.00", StatusPaused},
	} {
		l := testListing(spec.id, spec.seller)
		l.Category = spec.category
		l.UnitPrice = spec.price
		l.Status = spec.status
		l.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := store.Create(ctx, l); err != nil {
			t.Fatalf("Create %s failed: %v", spec.id, err)
		}
	}

	active, err := store.Search(ctx, Filter{Status: StatusActive}, nil, 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("active results = %d, want 2", len(active))
	}
	// Newest first.
	if len(active) == 2 && active[0].ID != "lst_s2" {
		t.Errorf("first result = %s, want lst_s2", active[0].ID)
	}

	pricey, err := store.Search(ctx, Filter{MinPrice: "200.00"}, nil, 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(pricey) != 2 {
		t.Errorf("min_price results = %d, want 2", len(pricey))
	}

	bob, err := store.Search(ctx, Filter{SellerID: "bob", Category: "weapons"}, nil, 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(bob) != 1 || bob[0].ID != "lst_s3" {
		t.Errorf("combined filter returned %d results", len(bob))
	}
}

func TestPostgres_ListExpired(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	past := testListing("lst_old", "seller1")
	past.Status = StatusActive
	past.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	if err := store.Create(ctx, past); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	future := testListing("lst_new", "seller1")
	future.Status = StatusActive
	future.ExpiresAt = time.Now().UTC().Add(time.Hour)
	if err := store.Create(ctx, future); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	expired, err := store.ListExpired(ctx, time.Now().UTC(), 100)
	if err != nil {
		t.Fatalf("ListExpired failed: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "lst_old" {
		t.Errorf("expired = %d results, want only lst_old", len(expired))
	}
}
