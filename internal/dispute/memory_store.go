package dispute

import (
	"context"
	"sync"

	"github.com/creatorpay/creatorpay/internal/session"
	"github.com/creatorpay/creatorpay/internal/wallet"
)

// MemoryStore implements Store in memory. The session transition is claimed
// first; if a later step fails it is compensated, so the outcomes match the
// Postgres store's transactions.
type MemoryStore struct {
	mu       sync.Mutex
	refunds  map[string]*RefundRequest
	sessions session.Store
	wallets  wallet.Store
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory refund store operating on the given
// session and wallet stores.
func NewMemoryStore(sessions session.Store, wallets wallet.Store) *MemoryStore {
	return &MemoryStore{
		refunds:  make(map[string]*RefundRequest),
		sessions: sessions,
		wallets:  wallets,
	}
}

func (s *MemoryStore) OpenForSession(ctx context.Context, r *RefundRequest) error {
	if err := s.sessions.MarkDisputed(ctx, r.SessionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.refunds[r.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*RefundRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.refunds[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) GetBySession(_ context.Context, sessionID string) (*RefundRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.refunds {
		if r.SessionID == sessionID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ResolveApprove(ctx context.Context, r *RefundRequest) error {
	if err := s.claimResolution(r); err != nil {
		return err
	}
	if err := s.sessions.MarkRefunded(ctx, r.SessionID); err != nil {
		s.revert(r.ID)
		return err
	}
	if err := s.wallets.ReverseSettle(ctx, r.BuyerID, r.SellerID, r.Units, r.ID); err != nil {
		_ = s.sessions.MarkDisputed(ctx, r.SessionID)
		s.revert(r.ID)
		return err
	}
	return nil
}

func (s *MemoryStore) ResolveReject(ctx context.Context, r *RefundRequest) error {
	if err := s.claimResolution(r); err != nil {
		return err
	}
	if err := s.sessions.MarkCompletedAfterDispute(ctx, r.SessionID); err != nil {
		s.revert(r.ID)
		return err
	}
	return nil
}

func (s *MemoryStore) claimResolution(r *RefundRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.refunds[r.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status != StatusPending {
		return ErrInvalidState
	}
	stored.Status = r.Status
	stored.ResolvedAt = r.ResolvedAt
	stored.ResolvedBy = r.ResolvedBy
	return nil
}

func (s *MemoryStore) revert(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.refunds[id]; ok {
		stored.Status = StatusPending
		stored.ResolvedAt = nil
		stored.ResolvedBy = ""
	}
}
