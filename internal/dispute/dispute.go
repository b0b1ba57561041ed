// Package dispute owns the refund flow: a buyer disputes a completed session
// within the dispute window, which freezes the refund amount and flips the
// session to disputed; an admin then approves (clawback) or rejects.
package dispute

import (
	"context"
	"errors"
	"time"

	"github.com/creatorpay/creatorpay/internal/idgen"
	"github.com/creatorpay/creatorpay/internal/logging"
	"github.com/creatorpay/creatorpay/internal/metrics"
	"github.com/creatorpay/creatorpay/internal/session"
	"github.com/creatorpay/creatorpay/internal/traces"
	"github.com/creatorpay/creatorpay/internal/validation"
)

var (
	ErrNotFound             = errors.New("refund request not found")
	ErrInvalidState         = errors.New("refund request is not pending")
	ErrApprovalRequired     = errors.New("linked approval has not been approved")
	ErrDisputeWindowExpired = errors.New("dispute window has expired")
)

// Refund request statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// Decisions accepted by Resolve.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// RefundRequest freezes the disputed amount at filing time: later price
// changes never alter what the buyer can recover.
type RefundRequest struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"sessionId"`
	BuyerID     string     `json:"buyerId"`
	SellerID    string     `json:"sellerId"`
	Units       int64      `json:"units"`
	AmountCents int64      `json:"amountCents"`
	Reason      string     `json:"reason"`
	Status      string     `json:"status"`
	ApprovalID  string     `json:"approvalId,omitempty"`
	RequestedAt time.Time  `json:"requestedAt"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy  string     `json:"resolvedBy,omitempty"`
}

// Store persists refund requests. OpenForSession and the Resolve methods are
// atomic with their session (and wallet) side effects.
type Store interface {
	OpenForSession(ctx context.Context, r *RefundRequest) error
	Get(ctx context.Context, id string) (*RefundRequest, error)
	GetBySession(ctx context.Context, sessionID string) (*RefundRequest, error)
	ResolveApprove(ctx context.Context, r *RefundRequest) error
	ResolveReject(ctx context.Context, r *RefundRequest) error
}

// Gate is the approval gate consulted for large refunds.
type Gate interface {
	Request(ctx context.Context, payoutID string, amountCents int64, requestedBy string) (approvalID string, err error)
	IsApproved(ctx context.Context, approvalID string) (bool, error)
}

// Notifier receives fire-and-forget dispute events.
type Notifier interface {
	DisputeOpened(ctx context.Context, r *RefundRequest)
	DisputeResolved(ctx context.Context, r *RefundRequest)
}

// Service coordinates dispute filing and resolution.
type Service struct {
	store         Store
	sessions      session.Store
	gate          Gate
	notify        Notifier
	window        time.Duration
	gateThreshold int64
}

// New creates a dispute service. Refunds above gateThreshold cents require an
// approved gate request before they can be resolved in the buyer's favor.
func New(store Store, sessions session.Store, window time.Duration, gateThreshold int64) *Service {
	return &Service{store: store, sessions: sessions, window: window, gateThreshold: gateThreshold}
}

// WithGate attaches the approval gate.
func (s *Service) WithGate(g Gate) *Service {
	s.gate = g
	return s
}

// WithNotifier attaches an event notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notify = n
	return s
}

// Open files a dispute on a session. Buyer only, within the dispute window
// after completion. Atomically creates the refund request and flips the
// session to disputed.
func (s *Service) Open(ctx context.Context, sessionID, actorID, reason string) (*RefundRequest, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Open",
		traces.SessionID(sessionID), traces.ActorID(actorID))
	defer span.End()

	if errs := validation.Validate(validation.ReasonLength("reason", reason)); len(errs) > 0 {
		return nil, errs
	}

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.BuyerID != actorID {
		return nil, session.ErrForbidden
	}
	if sess.Status != session.StatusAwaitingConfirmation && sess.Status != session.StatusCompleted {
		return nil, session.ErrInvalidTransition
	}
	if sess.CompletedAt == nil {
		return nil, session.ErrInvalidTransition
	}
	if time.Since(*sess.CompletedAt) > s.window {
		return nil, ErrDisputeWindowExpired
	}

	r := &RefundRequest{
		ID:          idgen.WithPrefix("ref"),
		SessionID:   sess.ID,
		BuyerID:     sess.BuyerID,
		SellerID:    sess.SellerID,
		Units:       sess.Units,
		AmountCents: sess.AmountCents(),
		Reason:      reason,
		Status:      StatusPending,
		RequestedAt: time.Now().UTC(),
	}

	if s.gate != nil && r.AmountCents > s.gateThreshold {
		approvalID, err := s.gate.Request(ctx, r.ID, r.AmountCents, actorID)
		if err != nil {
			return nil, err
		}
		r.ApprovalID = approvalID
	}

	if err := s.store.OpenForSession(ctx, r); err != nil {
		return nil, err
	}

	metrics.SessionTransitionsTotal.WithLabelValues(session.StatusDisputed).Inc()
	logging.L(ctx).Info("dispute opened",
		"refund_id", r.ID,
		"session_id", sess.ID,
		"buyer", r.BuyerID,
		"amount_cents", r.AmountCents,
		"approval_id", r.ApprovalID,
	)
	if s.notify != nil {
		s.notify.DisputeOpened(ctx, r)
	}
	return r, nil
}

// Get returns a refund request by ID.
func (s *Service) Get(ctx context.Context, id string) (*RefundRequest, error) {
	return s.store.Get(ctx, id)
}

// Resolve settles a pending dispute. Approving reverses the settled units
// back to the buyer and marks the session refunded; rejecting returns the
// session to completed and leaves the ledger untouched. Large refunds
// require their linked approval to be approved first.
func (s *Service) Resolve(ctx context.Context, refundID, decision, resolverID string) (*RefundRequest, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve",
		traces.RefundID(refundID), traces.ActorID(resolverID))
	defer span.End()

	r, err := s.store.Get(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPending {
		return nil, ErrInvalidState
	}

	now := time.Now().UTC()
	r.ResolvedAt = &now
	r.ResolvedBy = resolverID

	switch decision {
	case DecisionApprove:
		if r.ApprovalID != "" {
			ok, err := s.gate.IsApproved(ctx, r.ApprovalID)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, ErrApprovalRequired
			}
		}
		r.Status = StatusApproved
		if err := s.store.ResolveApprove(ctx, r); err != nil {
			return nil, err
		}
		metrics.SessionTransitionsTotal.WithLabelValues(session.StatusRefunded).Inc()
	case DecisionReject:
		r.Status = StatusRejected
		if err := s.store.ResolveReject(ctx, r); err != nil {
			return nil, err
		}
		metrics.SessionTransitionsTotal.WithLabelValues(session.StatusCompleted).Inc()
	default:
		return nil, validation.ValidationErrors{{Field: "decision", Message: "must be approve or reject"}}
	}

	metrics.DisputesTotal.WithLabelValues(decision).Inc()
	logging.L(ctx).Info("dispute resolved",
		"refund_id", r.ID,
		"session_id", r.SessionID,
		"decision", decision,
		"resolver", resolverID,
		"amount_cents", r.AmountCents,
	)
	if s.notify != nil {
		s.notify.DisputeResolved(ctx, r)
	}
	return r, nil
}
