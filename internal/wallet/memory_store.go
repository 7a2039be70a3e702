package wallet

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/itembazaar/bazaar/internal/idgen"
	"github.com/itembazaar/bazaar/internal/points"
)

// MemoryStore is an in-memory wallet store for demo/development mode and tests.
// A single mutex serializes all mutations, so every operation is atomic and
// entries are strictly ordered by commit order.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*acctState
	entries  map[string][]*Entry
	keys     map[string]bool
}

type acctState struct {
	available *big.Int
	frozen    *big.Int
	version   int64
	updatedAt time.Time
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*acctState),
		entries:  make(map[string][]*Entry),
		keys:     make(map[string]bool),
	}
}

// account returns the state for userID, creating a zero account lazily.
// Caller must hold mu.
func (m *MemoryStore) account(userID string) *acctState {
	a, ok := m.accounts[userID]
	if !ok {
		a = &acctState{
			available: big.NewInt(0),
			frozen:    big.NewInt(0),
			updatedAt: time.Now(),
		}
		m.accounts[userID] = a
	}
	return a
}

// append records an entry for userID. Caller must hold mu.
func (m *MemoryStore) append(userID string, kind EntryKind, amount *big.Int, txID, key string) {
	a := m.account(userID)
	total := new(big.Int).Add(a.available, a.frozen)
	m.entries[userID] = append(m.entries[userID], &Entry{
		ID:             idgen.WithPrefix("led_"),
		UserID:         userID,
		Kind:           kind,
		Amount:         points.Format(amount),
		BalanceAfter:   points.Format(total),
		TransactionID:  txID,
		IdempotencyKey: key,
		CreatedAt:      time.Now(),
	})
}

func (m *MemoryStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[userID]
	if !ok {
		return &Account{
			UserID:    userID,
			Available: "0.00",
			Frozen:    "0.00",
			UpdatedAt: time.Now(),
		}, nil
	}
	return &Account{
		UserID:    userID,
		Available: points.Format(a.available),
		Frozen:    points.Format(a.frozen),
		Version:   a.version,
		UpdatedAt: a.updatedAt,
	}, nil
}

func (m *MemoryStore) Deposit(ctx context.Context, userID, amount, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.keys[key] {
		return nil
	}
	amt, ok := points.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}

	a := m.account(userID)
	a.available.Add(a.available, amt)
	a.version++
	a.updatedAt = time.Now()
	m.append(userID, KindDeposit, amt, "", key)
	m.keys[key] = true
	return nil
}

func (m *MemoryStore) Freeze(ctx context.Context, userID, amount, txID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.keys[key] {
		return nil
	}
	amt, ok := points.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}

	a := m.account(userID)
	if a.available.Cmp(amt) < 0 {
		return ErrInsufficientFunds
	}
	a.available.Sub(a.available, amt)
	a.frozen.Add(a.frozen, amt)
	a.version++
	a.updatedAt = time.Now()
	m.append(userID, KindFreeze, amt, txID, key)
	m.keys[key] = true
	return nil
}

func (m *MemoryStore) Unfreeze(ctx context.Context, userID, amount, txID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.keys[key] {
		return nil
	}
	amt, ok := points.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}

	a := m.account(userID)
	if a.frozen.Cmp(amt) < 0 {
		return ErrInvariantViolation
	}
	a.frozen.Sub(a.frozen, amt)
	a.available.Add(a.available, amt)
	a.version++
	a.updatedAt = time.Now()
	m.append(userID, KindUnfreeze, amt, txID, key)
	m.keys[key] = true
	return nil
}

func (m *MemoryStore) Settle(ctx context.Context, buyerID, sellerID, total, fee, txID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.keys[key] {
		return nil
	}
	totalVal, ok := points.Parse(total)
	if !ok || totalVal.Sign() <= 0 {
		return ErrInvalidAmount
	}
	feeVal, ok := points.Parse(fee)
	if !ok || feeVal.Sign() < 0 || feeVal.Cmp(totalVal) > 0 {
		return ErrInvalidAmount
	}
	sellerShare := new(big.Int).Sub(totalVal, feeVal)

	buyer := m.account(buyerID)
	if buyer.frozen.Cmp(totalVal) < 0 {
		return ErrInvariantViolation
	}

	now := time.Now()

	// Debit buyer's frozen total.
	buyer.frozen.Sub(buyer.frozen, totalVal)
	buyer.version++
	buyer.updatedAt = now
	m.append(buyerID, KindDebit, totalVal, txID, key+"/debit")

	// Credit seller with total minus commission.
	seller := m.account(sellerID)
	seller.available.Add(seller.available, sellerShare)
	seller.version++
	seller.updatedAt = now
	m.append(sellerID, KindCredit, sellerShare, txID, key+"/credit")

	// Platform keeps the commission.
	if feeVal.Sign() > 0 {
		platform := m.account(PlatformAccount)
		platform.available.Add(platform.available, feeVal)
		platform.version++
		platform.updatedAt = now
		m.append(PlatformAccount, KindCommission, feeVal, txID, key+"/commission")
	}

	m.keys[key] = true
	return nil
}

func (m *MemoryStore) Refund(ctx context.Context, userID, amount, txID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.keys[key] {
		return nil
	}
	amt, ok := points.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}

	a := m.account(userID)
	if a.frozen.Cmp(amt) < 0 {
		return ErrInvariantViolation
	}
	a.frozen.Sub(a.frozen, amt)
	a.available.Add(a.available, amt)
	a.version++
	a.updatedAt = time.Now()
	m.append(userID, KindRefund, amt, txID, key)
	m.keys[key] = true
	return nil
}

func (m *MemoryStore) HasEntry(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keys[key], nil
}

func (m *MemoryStore) History(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.entries[userID]
	start := len(all) - limit
	if start < 0 {
		start = 0
	}
	// Newest first.
	result := make([]*Entry, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		cp := *all[i]
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) ReplaySums(ctx context.Context, userID string) (string, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	available := big.NewInt(0)
	frozen := big.NewInt(0)
	for _, e := range m.entries[userID] {
		amt, ok := points.Parse(e.Amount)
		if !ok {
			continue
		}
		switch e.Kind {
		case KindDeposit:
			available.Add(available, amt)
		case KindFreeze:
			available.Sub(available, amt)
			frozen.Add(frozen, amt)
		case KindUnfreeze, KindRefund:
			frozen.Sub(frozen, amt)
			available.Add(available, amt)
		case KindDebit:
			frozen.Sub(frozen, amt)
		case KindCredit, KindCommission:
			available.Add(available, amt)
		}
	}
	return points.Format(available), points.Format(frozen), nil
}
