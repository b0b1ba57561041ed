package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/creatorpay/creatorpay/internal/idgen"
)

// MemoryStore implements Store in memory for tests and local development.
// One mutex guards balances and entries so each operation is atomic, matching
// the transactional semantics of the Postgres store.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[pairKey]*Balance
	entries  map[pairKey][]*Entry
}

type pairKey struct {
	holder       string
	counterparty string
}

var _ Store = (*MemoryStore)(nil)
var _ EntryLister = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[pairKey]*Balance),
		entries:  make(map[pairKey][]*Entry),
	}
}

func (s *MemoryStore) GetBalance(_ context.Context, holderID, counterpartyID string) (*Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[pairKey{holderID, counterpartyID}]
	if !ok {
		return &Balance{HolderID: holderID, CounterpartyID: counterpartyID, UpdatedAt: time.Now().UTC()}, nil
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) CreditPurchase(_ context.Context, holderID, counterpartyID string, units, priceCents, totalCents int64, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{holderID, counterpartyID}
	b, ok := s.balances[key]
	if !ok {
		b = &Balance{HolderID: holderID, CounterpartyID: counterpartyID}
		s.balances[key] = b
	}
	b.AvgPriceCents = weightedAverage(b.BalanceUnits, b.AvgPriceCents, units, totalCents)
	b.BalanceUnits += units
	b.TotalPaidCents += totalCents
	b.UpdatedAt = time.Now().UTC()
	s.appendEntry(key, EntryPurchaseCredit, units, totalCents, reference)
	return nil
}

func (s *MemoryStore) Reserve(_ context.Context, holderID, counterpartyID string, units int64, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{holderID, counterpartyID}
	b, ok := s.balances[key]
	if !ok || b.Available() < units {
		return ErrInsufficientBalance
	}
	b.ReservedUnits += units
	b.UpdatedAt = time.Now().UTC()
	s.appendEntry(key, EntryReserve, units, 0, reference)
	return nil
}

func (s *MemoryStore) Settle(_ context.Context, holderID, counterpartyID string, units int64, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{holderID, counterpartyID}
	b, ok := s.balances[key]
	if !ok || b.ReservedUnits < units {
		return ErrInvalidState
	}
	b.ReservedUnits -= units
	b.BalanceUnits -= units
	b.UpdatedAt = time.Now().UTC()
	s.appendEntry(key, EntrySettle, units, 0, reference)
	return nil
}

func (s *MemoryStore) Release(_ context.Context, holderID, counterpartyID string, units int64, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{holderID, counterpartyID}
	b, ok := s.balances[key]
	if !ok || b.ReservedUnits < units {
		return ErrInvalidState
	}
	b.ReservedUnits -= units
	b.UpdatedAt = time.Now().UTC()
	s.appendEntry(key, EntryRelease, units, 0, reference)
	return nil
}

func (s *MemoryStore) ReverseSettle(_ context.Context, holderID, counterpartyID string, units int64, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{holderID, counterpartyID}
	b, ok := s.balances[key]
	if !ok {
		return ErrWalletNotFound
	}
	b.BalanceUnits += units
	b.UpdatedAt = time.Now().UTC()
	s.appendEntry(key, EntryReverseSettle, units, 0, reference)
	return nil
}

func (s *MemoryStore) GetEntries(_ context.Context, holderID, counterpartyID string, limit int) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.entries[pairKey{holderID, counterpartyID}]
	var out []*Entry
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *all[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) ListEntriesAsc(_ context.Context, holderID, counterpartyID string) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.entries[pairKey{holderID, counterpartyID}]
	out := make([]*Entry, 0, len(all))
	for _, e := range all {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// appendEntry must be called with s.mu held.
func (s *MemoryStore) appendEntry(key pairKey, entryType string, units, amountCents int64, reference string) {
	s.entries[key] = append(s.entries[key], &Entry{
		ID:             idgen.WithPrefix("wen"),
		HolderID:       key.holder,
		CounterpartyID: key.counterparty,
		Type:           entryType,
		Units:          units,
		AmountCents:    amountCents,
		Reference:      reference,
		CreatedAt:      time.Now().UTC(),
	})
}
