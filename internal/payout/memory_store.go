package payout

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/creatorpay/creatorpay/internal/idgen"
)

// AuditRow is one payment ledger audit record.
type AuditRow struct {
	ID           string    `json:"id"`
	EntryID      string    `json:"entryId"`
	ActorID      string    `json:"actorId"`
	Action       string    `json:"action"`
	StatusBefore string    `json:"statusBefore"`
	StatusAfter  string    `json:"statusAfter"`
	AmountCents  int64     `json:"amountCents"`
	Reason       string    `json:"reason"`
	CreatedAt    time.Time `json:"createdAt"`
}

// MemoryStore implements Store in memory for tests and demo mode.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	audit   []*AuditRow
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory payment ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (s *MemoryStore) Create(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.entries[e.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) Flag(_ context.Context, id, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != StatusHeld || e.FlaggedAt != nil {
		return ErrInvalidState
	}
	t := at
	e.FlaggedAt = &t
	e.FlagReason = reason
	return nil
}

func (s *MemoryStore) ListReleasable(_ context.Context, createdBefore time.Time, limit int) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Entry
	for _, e := range s.entries {
		if e.Status == StatusHeld && e.FlaggedAt == nil && !e.CreatedAt.After(createdBefore) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ReleaseAuto(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != StatusHeld || e.FlaggedAt != nil {
		return ErrInvalidState
	}
	now := time.Now().UTC()
	e.Status = StatusReleased
	e.ReleasedAt = &now
	return nil
}

func (s *MemoryStore) ReleaseHeld(_ context.Context, filter ReleaseFilter, audit AuditInfo) (*ReleaseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	result := &ReleaseResult{}
	for _, e := range s.entries {
		if e.Status != StatusHeld {
			continue
		}
		if !filter.All {
			if filter.EntryID != "" && e.ID != filter.EntryID {
				continue
			}
			if filter.RecipientID != "" && e.RecipientID != filter.RecipientID {
				continue
			}
			if filter.SourceID != "" && e.SourceID != filter.SourceID {
				continue
			}
		}
		s.audit = append(s.audit, &AuditRow{
			ID:           idgen.WithPrefix("aud"),
			EntryID:      e.ID,
			ActorID:      audit.ActorID,
			Action:       "admin_release",
			StatusBefore: e.Status,
			StatusAfter:  StatusLocked,
			AmountCents:  e.AmountCents,
			Reason:       audit.Reason,
			CreatedAt:    now,
		})
		e.Status = StatusLocked
		released := now
		e.ReleasedAt = &released
		result.Count++
		result.TotalCents += e.AmountCents
	}
	return result, nil
}

// AuditRows returns a copy of the recorded audit rows.
func (s *MemoryStore) AuditRows() []*AuditRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*AuditRow, len(s.audit))
	copy(out, s.audit)
	return out
}
