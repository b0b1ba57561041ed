// Package session drives the booking state machine between a buyer and a
// seller. Completing a session is the settlement moment: reserved units are
// spent and the seller's earnings enter the payment ledger as a held entry,
// both in the same transaction as the status flip.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/creatorpay/creatorpay/internal/idgen"
	"github.com/creatorpay/creatorpay/internal/logging"
	"github.com/creatorpay/creatorpay/internal/metrics"
	"github.com/creatorpay/creatorpay/internal/payout"
	"github.com/creatorpay/creatorpay/internal/traces"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrForbidden         = errors.New("actor is not permitted to perform this action")
	ErrInvalidTransition = errors.New("session status does not allow this transition")
)

// Session statuses. completed and refunded are terminal.
const (
	StatusAccepted             = "accepted"
	StatusInProgress           = "in_progress"
	StatusAwaitingConfirmation = "awaiting_confirmation"
	StatusCompleted            = "completed"
	StatusDisputed             = "disputed"
	StatusRefunded             = "refunded"
)

// MinutesPerUnit converts booked units into default session minutes when the
// seller does not report actual time.
const MinutesPerUnit = 30

// Session is one booked engagement paid in units.
type Session struct {
	ID            string     `json:"id"`
	BuyerID       string     `json:"buyerId"`
	SellerID      string     `json:"sellerId"`
	Units         int64      `json:"units"`
	PriceCents    int64      `json:"priceCents"`
	Status        string     `json:"status"`
	ActualMinutes int64      `json:"actualMinutes,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
	AutoReleaseAt *time.Time `json:"autoReleaseAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// AmountCents is the total value of the session at the booked rate.
func (s *Session) AmountCents() int64 {
	return s.Units * s.PriceCents
}

// Store persists sessions. CompleteAndSettle must apply the status flip, the
// wallet settlement, and the held payout entry atomically; conditional
// transitions return ErrInvalidTransition when the current status does not
// match.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Start(ctx context.Context, id string) error
	CompleteAndSettle(ctx context.Context, s *Session, held *payout.Entry) error
	AutoConfirm(ctx context.Context, id string) error
	ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]string, error)

	// Conditional transitions used by the dispute resolver.
	MarkDisputed(ctx context.Context, id string) error
	MarkRefunded(ctx context.Context, id string) error
	MarkCompletedAfterDispute(ctx context.Context, id string) error
}

// Notifier receives fire-and-forget session events.
type Notifier interface {
	SessionCompleted(ctx context.Context, s *Session)
	SessionAutoConfirmed(ctx context.Context, sessionID string)
}

// Service coordinates session transitions.
type Service struct {
	store         Store
	notify        Notifier
	disputeWindow time.Duration
}

// New creates a session service. disputeWindow is how long after completion
// the buyer may dispute; the same window gates auto-confirmation.
func New(store Store, disputeWindow time.Duration) *Service {
	return &Service{store: store, disputeWindow: disputeWindow}
}

// WithNotifier attaches an event notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notify = n
	return s
}

// DisputeWindow returns the configured dispute window.
func (s *Service) DisputeWindow() time.Duration {
	return s.disputeWindow
}

// Store exposes the underlying store for the dispute resolver.
func (s *Service) Store() Store {
	return s.store
}

// Create books a new session in accepted status. The caller must already
// hold a wallet reservation for the units.
func (s *Service) Create(ctx context.Context, buyerID, sellerID string, units, priceCents int64) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:         idgen.WithPrefix("ses"),
		BuyerID:    buyerID,
		SellerID:   sellerID,
		Units:      units,
		PriceCents: priceCents,
		Status:     StatusAccepted,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get returns a session by ID.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	return s.store.Get(ctx, id)
}

// Start moves an accepted session to in_progress. Seller only.
func (s *Service) Start(ctx context.Context, id, actorID string) (*Session, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.SellerID != actorID {
		return nil, ErrForbidden
	}
	if err := s.store.Start(ctx, id); err != nil {
		return nil, err
	}
	metrics.SessionTransitionsTotal.WithLabelValues(StatusInProgress).Inc()
	return s.store.Get(ctx, id)
}

// Complete marks the session delivered and settles payment. Seller only.
// The session enters awaiting_confirmation; the buyer has the dispute window
// to object before auto-confirmation finalizes it.
func (s *Service) Complete(ctx context.Context, id, actorID string, actualMinutes int64) (*Session, error) {
	ctx, span := traces.StartSpan(ctx, "session.Complete",
		traces.SessionID(id), traces.ActorID(actorID))
	defer span.End()

	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.SellerID != actorID {
		return nil, ErrForbidden
	}

	now := time.Now().UTC()
	release := now.Add(s.disputeWindow)
	sess.Status = StatusAwaitingConfirmation
	sess.CompletedAt = &now
	sess.EndedAt = &now
	sess.AutoReleaseAt = &release
	sess.UpdatedAt = now
	if actualMinutes > 0 {
		sess.ActualMinutes = actualMinutes
	} else {
		sess.ActualMinutes = sess.Units * MinutesPerUnit
	}

	held := payout.NewHeldEntry(sess.SellerID, sess.AmountCents(), payout.SourceSession, sess.ID)
	if err := s.store.CompleteAndSettle(ctx, sess, held); err != nil {
		return nil, err
	}

	metrics.SessionTransitionsTotal.WithLabelValues(StatusAwaitingConfirmation).Inc()
	logging.L(ctx).Info("session completed",
		"session_id", sess.ID,
		"seller", sess.SellerID,
		"units", sess.Units,
		"amount_cents", sess.AmountCents(),
		"auto_release_at", release,
	)
	if s.notify != nil {
		s.notify.SessionCompleted(ctx, sess)
	}
	return sess, nil
}

// AutoConfirmDue finalizes sessions whose confirmation window has elapsed.
// Called by the sweeper; already-confirmed sessions are skipped silently.
func (s *Service) AutoConfirmDue(ctx context.Context, now time.Time, limit int) (int, error) {
	ids, err := s.store.ListAutoReleasable(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	var confirmed int
	for _, id := range ids {
		if err := s.store.AutoConfirm(ctx, id); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue // disputed or already confirmed since listing
			}
			logging.L(ctx).Error("auto confirm failed", "session_id", id, "error", err)
			continue
		}
		confirmed++
		metrics.SessionTransitionsTotal.WithLabelValues(StatusCompleted).Inc()
		if s.notify != nil {
			s.notify.SessionAutoConfirmed(ctx, id)
		}
	}
	return confirmed, nil
}
