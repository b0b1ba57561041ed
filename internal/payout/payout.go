// Package payout manages the payment ledger: seller earnings held through a
// clearing window, flaggable for review, released automatically or by admin
// override.
package payout

import (
	"context"
	"errors"
	"time"

	"github.com/creatorpay/creatorpay/internal/idgen"
	"github.com/creatorpay/creatorpay/internal/logging"
	"github.com/creatorpay/creatorpay/internal/metrics"
	"github.com/creatorpay/creatorpay/internal/validation"
)

var (
	ErrNotFound         = errors.New("payment ledger entry not found")
	ErrInvalidState     = errors.New("entry state does not allow this operation")
	ErrFlagWindowClosed = errors.New("flag window has closed")
	ErrFilterRequired   = errors.New("at least one filter is required")
)

// Entry statuses. held entries clear automatically; locked entries were
// force-released by an admin and are excluded from the sweep; released
// entries are terminal.
const (
	StatusHeld     = "held"
	StatusLocked   = "locked"
	StatusReleased = "released"
)

// Source types for ledger entries.
const (
	SourceSession = "session"
	SourceManual  = "manual"
)

// Entry is one payment ledger row.
type Entry struct {
	ID          string     `json:"id"`
	RecipientID string     `json:"recipientId"`
	AmountCents int64      `json:"amountCents"`
	Status      string     `json:"status"`
	SourceType  string     `json:"sourceType"`
	SourceID    string     `json:"sourceId,omitempty"`
	FlaggedAt   *time.Time `json:"flaggedAt,omitempty"`
	FlagReason  string     `json:"flagReason,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	ReleasedAt  *time.Time `json:"releasedAt,omitempty"`
}

// Flagged reports whether the entry carries a review flag.
func (e *Entry) Flagged() bool {
	return e.FlaggedAt != nil
}

// NewHeldEntry builds a held entry ready for insertion.
func NewHeldEntry(recipientID string, amountCents int64, sourceType, sourceID string) *Entry {
	return &Entry{
		ID:          idgen.WithPrefix("pay"),
		RecipientID: recipientID,
		AmountCents: amountCents,
		Status:      StatusHeld,
		SourceType:  sourceType,
		SourceID:    sourceID,
		CreatedAt:   time.Now().UTC(),
	}
}

// ReleaseFilter selects held entries for an admin release. Exactly the
// populated fields constrain the selection; All releases everything held.
type ReleaseFilter struct {
	EntryID     string `json:"entryId,omitempty"`
	RecipientID string `json:"recipientId,omitempty"`
	SourceID    string `json:"sourceId,omitempty"`
	All         bool   `json:"all,omitempty"`
}

func (f ReleaseFilter) empty() bool {
	return f.EntryID == "" && f.RecipientID == "" && f.SourceID == "" && !f.All
}

// ReleaseResult summarizes an admin release.
type ReleaseResult struct {
	Count      int   `json:"count"`
	TotalCents int64 `json:"totalCents"`
}

// Store persists payment ledger entries.
type Store interface {
	Create(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	Flag(ctx context.Context, id, reason string, at time.Time) error
	ListReleasable(ctx context.Context, createdBefore time.Time, limit int) ([]*Entry, error)
	ReleaseAuto(ctx context.Context, id string) error
	ReleaseHeld(ctx context.Context, filter ReleaseFilter, audit AuditInfo) (*ReleaseResult, error)
}

// AuditInfo accompanies admin mutations of the ledger.
type AuditInfo struct {
	ActorID string
	Reason  string
}

// Notifier receives release events. Delivery must not block or fail the
// release path.
type Notifier interface {
	PayoutReleased(ctx context.Context, entryID string, amountCents int64, trigger string)
}

// Service enforces the clearing and flag windows around the store.
type Service struct {
	store      Store
	flagWindow time.Duration
	clearing   time.Duration
	notifier   Notifier
}

// New creates a payout service with the given flag and clearing windows.
func New(store Store, flagWindow, clearingWindow time.Duration) *Service {
	return &Service{store: store, flagWindow: flagWindow, clearing: clearingWindow}
}

// WithNotifier attaches an event notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Hold records a new held entry for a recipient.
func (s *Service) Hold(ctx context.Context, recipientID string, amountCents int64, sourceType, sourceID string) (*Entry, error) {
	if amountCents <= 0 {
		return nil, ErrInvalidState
	}
	e := NewHeldEntry(recipientID, amountCents, sourceType, sourceID)
	if err := s.store.Create(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Get returns a ledger entry by ID.
func (s *Service) Get(ctx context.Context, id string) (*Entry, error) {
	return s.store.Get(ctx, id)
}

// Flag marks a held entry for review. Only allowed within the flag window
// after creation; a flagged entry survives the clearing sweep until an admin
// resolves it.
func (s *Service) Flag(ctx context.Context, id, actorID, reason string) (*Entry, error) {
	if errs := validation.Validate(validation.ReasonLength("reason", reason)); len(errs) > 0 {
		return nil, errs
	}
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if now.Sub(e.CreatedAt) > s.flagWindow {
		return nil, ErrFlagWindowClosed
	}
	if err := s.store.Flag(ctx, id, reason, now); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("payout entry flagged", "entry_id", id, "actor", actorID, "reason", reason)
	return s.store.Get(ctx, id)
}

// ReleaseHeld force-releases held entries matching the filter, flags
// included. Entries move to locked so the sweep never touches them again.
func (s *Service) ReleaseHeld(ctx context.Context, filter ReleaseFilter, actorID, reason string) (*ReleaseResult, error) {
	if filter.empty() {
		return nil, ErrFilterRequired
	}
	if errs := validation.Validate(validation.Required("reason", reason)); len(errs) > 0 {
		return nil, errs
	}
	res, err := s.store.ReleaseHeld(ctx, filter, AuditInfo{ActorID: actorID, Reason: reason})
	if err != nil {
		return nil, err
	}
	metrics.PayoutsReleasedTotal.WithLabelValues("admin").Add(float64(res.Count))
	logging.L(ctx).Info("held payouts released by admin",
		"actor", actorID, "count", res.Count, "total_cents", res.TotalCents)
	return res, nil
}

// ReleaseDue releases unflagged held entries whose clearing window elapsed.
// Called by the sweeper; each release is an independent conditional update so
// a crash mid-sweep just leaves work for the next tick.
func (s *Service) ReleaseDue(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := s.store.ListReleasable(ctx, now.Add(-s.clearing), limit)
	if err != nil {
		return 0, err
	}
	var released int
	for _, e := range due {
		if err := s.store.ReleaseAuto(ctx, e.ID); err != nil {
			if errors.Is(err, ErrInvalidState) {
				continue // someone else got there first
			}
			logging.L(ctx).Error("auto release failed", "entry_id", e.ID, "error", err)
			continue
		}
		released++
		metrics.PayoutsReleasedTotal.WithLabelValues("auto").Inc()
		if s.notifier != nil {
			s.notifier.PayoutReleased(ctx, e.ID, e.AmountCents, "auto")
		}
	}
	return released, nil
}
