package purchase

import (
	"context"
	"sync"
	"time"

	"github.com/creatorpay/creatorpay/internal/wallet"
)

// MemoryStore implements Store in memory. A single mutex makes the
// pending → completed claim atomic, mirroring the Postgres conditional update.
type MemoryStore struct {
	mu        sync.Mutex
	purchases map[string]*Purchase
	wallets   wallet.Store
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory purchase store crediting into the given
// wallet store.
func NewMemoryStore(wallets wallet.Store) *MemoryStore {
	return &MemoryStore{
		purchases: make(map[string]*Purchase),
		wallets:   wallets,
	}
}

func (s *MemoryStore) Create(_ context.Context, p *Purchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.purchases[p.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.purchases[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) CompleteAndCredit(ctx context.Context, p *Purchase) (bool, error) {
	s.mu.Lock()
	stored, ok := s.purchases[p.ID]
	if !ok {
		s.mu.Unlock()
		return false, ErrNotFound
	}
	if stored.Status != StatusPending {
		s.mu.Unlock()
		return false, nil
	}
	now := time.Now().UTC()
	stored.Status = StatusCompleted
	stored.CompletedAt = &now
	s.mu.Unlock()

	if err := s.wallets.CreditPurchase(ctx, stored.BuyerID, stored.SellerID, stored.Units, stored.PriceCents, stored.TotalCents, stored.ID); err != nil {
		// Revert the claim so a retry can credit.
		s.mu.Lock()
		stored.Status = StatusPending
		stored.CompletedAt = nil
		s.mu.Unlock()
		return false, err
	}

	p.Status = StatusCompleted
	p.CompletedAt = &now
	return true, nil
}
