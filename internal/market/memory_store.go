package market

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/itembazaar/bazaar/internal/pagination"
	"github.com/itembazaar/bazaar/internal/points"
)

// MemoryStore is an in-memory listing store for demo/development mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	listings map[string]*Listing
}

// NewMemoryStore creates a new in-memory listing store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{listings: make(map[string]*Listing)}
}

func (m *MemoryStore) Create(ctx context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *l
	m.listings[l.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, l *Listing, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.listings[l.ID]
	if !ok {
		return ErrListingNotFound
	}
	if current.Version != expectedVersion {
		return ErrConcurrencyConflict
	}
	cp := *l
	cp.Version = expectedVersion + 1
	m.listings[l.ID] = &cp
	return nil
}

func (m *MemoryStore) Search(ctx context.Context, f Filter, cursor *pagination.Cursor, limit int) ([]*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*Listing
	for _, l := range m.listings {
		if !matches(l, f) {
			continue
		}
		cp := *l
		all = append(all, &cp)
	}

	// Newest first, ID as tiebreaker for a stable cursor order.
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	var result []*Listing
	for _, l := range all {
		if cursor != nil {
			if l.CreatedAt.After(cursor.CreatedAt) {
				continue
			}
			if l.CreatedAt.Equal(cursor.CreatedAt) && l.ID >= cursor.ID {
				continue
			}
		}
		result = append(result, l)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func matches(l *Listing, f Filter) bool {
	if f.SellerID != "" && l.SellerID != f.SellerID {
		return false
	}
	if f.Category != "" && l.Category != f.Category {
		return false
	}
	if f.Status != "" && l.Status != f.Status {
		return false
	}
	if f.MinPrice != "" && points.Cmp(l.UnitPrice, f.MinPrice) < 0 {
		return false
	}
	if f.MaxPrice != "" && points.Cmp(l.UnitPrice, f.MaxPrice) > 0 {
		return false
	}
	return true
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Listing
	for _, l := range m.listings {
		if (l.Status == StatusActive || l.Status == StatusPaused) && l.ExpiresAt.Before(before) {
			cp := *l
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}
