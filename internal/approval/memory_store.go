package approval

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in memory for tests and demo mode.
type MemoryStore struct {
	mu        sync.Mutex
	approvals map[string]*Approval
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory approval store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{approvals: make(map[string]*Approval)}
}

func (s *MemoryStore) Create(_ context.Context, a *Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	cp.Votes = append([]Vote{}, a.Votes...)
	s.approvals[a.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	cp.Votes = append([]Vote{}, a.Votes...)
	return &cp, nil
}

func (s *MemoryStore) AddVote(_ context.Context, approvalID string, v *Vote) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[approvalID]
	if !ok {
		return 0, 0, ErrNotFound
	}
	if a.Status != StatusPending {
		return 0, 0, ErrInvalidState
	}
	for _, existing := range a.Votes {
		if existing.ApproverID == v.ApproverID {
			return 0, 0, ErrDuplicateVote
		}
	}
	a.Votes = append(a.Votes, *v)

	var approves, rejects int
	for _, vote := range a.Votes {
		switch vote.Vote {
		case VoteApprove:
			approves++
		case VoteReject:
			rejects++
		}
	}
	return approves, rejects, nil
}

func (s *MemoryStore) MarkApproved(_ context.Context, id string, quorumAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return ErrNotFound
	}
	if a.Status != StatusPending {
		return ErrInvalidState
	}
	t := quorumAt
	a.Status = StatusApproved
	a.QuorumAt = &t
	return nil
}

func (s *MemoryStore) MarkRejected(ctx context.Context, id string) error {
	return s.fromPending(id, StatusRejected)
}

func (s *MemoryStore) MarkExpired(ctx context.Context, id string) error {
	return s.fromPending(id, StatusExpired)
}

// ClaimExecution flips approved to executing under the store lock, so of
// any number of concurrent claimants exactly one succeeds.
func (s *MemoryStore) ClaimExecution(_ context.Context, id, executorID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return ErrNotFound
	}
	if a.Status != StatusApproved {
		return ErrInvalidState
	}
	t := at
	a.Status = StatusExecuting
	a.ExecutedBy = executorID
	a.ExecutedAt = &t
	return nil
}

func (s *MemoryStore) FinishExecution(_ context.Context, id, txSignature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return ErrNotFound
	}
	if a.Status != StatusExecuting {
		return ErrInvalidState
	}
	a.Status = StatusExecuted
	a.TxSignature = txSignature
	return nil
}

func (s *MemoryStore) AbortExecution(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return ErrNotFound
	}
	if a.Status != StatusExecuting {
		return ErrInvalidState
	}
	a.Status = StatusApproved
	a.ExecutedBy = ""
	a.ExecutedAt = nil
	return nil
}

func (s *MemoryStore) ListExpirable(_ context.Context, before time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Approval
	for _, a := range s.approvals {
		if a.Status == StatusPending && !a.ExpiresAt.After(before) {
			due = append(due, a)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })

	var ids []string
	for _, a := range due {
		if len(ids) == limit {
			break
		}
		ids = append(ids, a.ID)
	}
	return ids, nil
}

func (s *MemoryStore) fromPending(id, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return ErrNotFound
	}
	if a.Status != StatusPending {
		return ErrInvalidState
	}
	a.Status = to
	return nil
}

// setExpiresAt backdates an approval's deadline. Test helper.
func (s *MemoryStore) setExpiresAt(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.approvals[id]; ok {
		a.ExpiresAt = at
	}
}

// setQuorumAt backdates an approval's quorum time. Test helper.
func (s *MemoryStore) setQuorumAt(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.approvals[id]; ok {
		t := at
		a.QuorumAt = &t
	}
}
