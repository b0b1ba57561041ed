package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/creatorpay/creatorpay/internal/payout"
	"github.com/creatorpay/creatorpay/internal/wallet"
)

// MemoryStore implements Store in memory. Conditional transitions happen
// under one mutex, so concurrent completes race exactly like the Postgres
// conditional UPDATE: one wins, the rest get ErrInvalidTransition.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	wallets  wallet.Store
	payouts  payout.Store
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory session store settling into the given
// wallet and payment ledger stores.
func NewMemoryStore(wallets wallet.Store, payouts payout.Store) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		wallets:  wallets,
		payouts:  payouts,
	}
}

func (s *MemoryStore) Create(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) Start(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusInProgress, StatusAccepted)
}

func (s *MemoryStore) CompleteAndSettle(ctx context.Context, sess *Session, held *payout.Entry) error {
	s.mu.Lock()
	stored, ok := s.sessions[sess.ID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if stored.Status != StatusAccepted && stored.Status != StatusInProgress {
		s.mu.Unlock()
		return ErrInvalidTransition
	}
	prevStatus := stored.Status
	stored.Status = StatusAwaitingConfirmation
	stored.ActualMinutes = sess.ActualMinutes
	stored.CompletedAt = sess.CompletedAt
	stored.EndedAt = sess.EndedAt
	stored.AutoReleaseAt = sess.AutoReleaseAt
	stored.UpdatedAt = sess.UpdatedAt
	s.mu.Unlock()

	if err := s.wallets.Settle(ctx, stored.BuyerID, stored.SellerID, stored.Units, stored.ID); err != nil {
		s.revert(sess.ID, prevStatus)
		return err
	}
	if err := s.payouts.Create(ctx, held); err != nil {
		// Undo the settle so the claim can be retried whole.
		_ = s.wallets.ReverseSettle(ctx, stored.BuyerID, stored.SellerID, stored.Units, stored.ID)
		s.revert(sess.ID, prevStatus)
		return err
	}
	return nil
}

func (s *MemoryStore) revert(id, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.sessions[id]; ok {
		stored.Status = status
		stored.ActualMinutes = 0
		stored.CompletedAt = nil
		stored.EndedAt = nil
		stored.AutoReleaseAt = nil
	}
}

func (s *MemoryStore) AutoConfirm(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusCompleted, StatusAwaitingConfirmation)
}

func (s *MemoryStore) ListAutoReleasable(_ context.Context, before time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Session
	for _, sess := range s.sessions {
		if sess.Status == StatusAwaitingConfirmation && sess.AutoReleaseAt != nil && !sess.AutoReleaseAt.After(before) {
			due = append(due, sess)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].AutoReleaseAt.Before(*due[j].AutoReleaseAt) })

	var ids []string
	for _, sess := range due {
		if len(ids) == limit {
			break
		}
		ids = append(ids, sess.ID)
	}
	return ids, nil
}

func (s *MemoryStore) MarkDisputed(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusDisputed, StatusAwaitingConfirmation, StatusCompleted)
}

func (s *MemoryStore) MarkRefunded(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusRefunded, StatusDisputed)
}

func (s *MemoryStore) MarkCompletedAfterDispute(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusCompleted, StatusDisputed)
}

func (s *MemoryStore) transition(_ context.Context, id, to string, from ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	for _, f := range from {
		if sess.Status == f {
			sess.Status = to
			sess.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return ErrInvalidTransition
}
