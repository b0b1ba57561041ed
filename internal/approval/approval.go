// Package approval implements the N-of-M approval gate for outbound money
// movement. Amount tiers decide how many distinct approvers are required and
// whether a post-quorum delay applies before execution.
package approval

import (
	"context"
	"errors"
	"time"

	"github.com/creatorpay/creatorpay/internal/idgen"
	"github.com/creatorpay/creatorpay/internal/logging"
	"github.com/creatorpay/creatorpay/internal/metrics"
	"github.com/creatorpay/creatorpay/internal/payrail"
	"github.com/creatorpay/creatorpay/internal/traces"
	"github.com/creatorpay/creatorpay/internal/validation"
)

var (
	ErrNotFound        = errors.New("approval not found")
	ErrDuplicateVote   = errors.New("approver has already voted")
	ErrInvalidState    = errors.New("approval state does not allow this operation")
	ErrApprovalExpired = errors.New("approval has expired")
	ErrQuorumDelay     = errors.New("post-quorum delay has not elapsed")
)

// Approval statuses. rejected, expired, and executed are terminal.
// executing is a short-lived claim held while the rail call is in flight;
// it reverts to approved if the rail fails.
const (
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusRejected  = "rejected"
	StatusExpired   = "expired"
	StatusExecuting = "executing"
	StatusExecuted  = "executed"
)

// Amount tiers.
const (
	TierLow    = "low"
	TierMedium = "medium"
	TierHigh   = "high"
)

// Vote values.
const (
	VoteApprove = "approve"
	VoteReject  = "reject"
)

// Reject policies. immediate kills the approval on the first reject vote;
// quorum waits for as many rejects as approvals would be needed.
const (
	RejectImmediate = "immediate"
	RejectQuorum    = "quorum"
)

// Policy holds the tier thresholds and timing rules.
type Policy struct {
	LowMaxCents    int64
	MediumMaxCents int64
	HighDelay      time.Duration
	TTL            time.Duration
	RejectMode     string
}

// DefaultPolicy returns the standard tiers: one approver up to $50, two up
// to $500, three plus a 60-minute delay above that, 24-hour expiry.
func DefaultPolicy() Policy {
	return Policy{
		LowMaxCents:    5_000,
		MediumMaxCents: 50_000,
		HighDelay:      60 * time.Minute,
		TTL:            24 * time.Hour,
		RejectMode:     RejectImmediate,
	}
}

// TierFor returns the tier and required approver count for an amount.
func (p Policy) TierFor(amountCents int64) (tier string, required int) {
	switch {
	case amountCents <= p.LowMaxCents:
		return TierLow, 1
	case amountCents <= p.MediumMaxCents:
		return TierMedium, 2
	default:
		return TierHigh, 3
	}
}

// Approval is one gate request over an outbound payment.
type Approval struct {
	ID                string     `json:"id"`
	PayoutID          string     `json:"payoutId"`
	RecipientID       string     `json:"recipientId"`
	AmountCents       int64      `json:"amountCents"`
	Tier              string     `json:"tier"`
	RequiredApprovals int        `json:"requiredApprovals"`
	Status            string     `json:"status"`
	RequestedBy       string     `json:"requestedBy"`
	RequestedAt       time.Time  `json:"requestedAt"`
	ExpiresAt         time.Time  `json:"expiresAt"`
	QuorumAt          *time.Time `json:"quorumAt,omitempty"`
	ExecutedAt        *time.Time `json:"executedAt,omitempty"`
	ExecutedBy        string     `json:"executedBy,omitempty"`
	TxSignature       string     `json:"txSignature,omitempty"`
	Votes             []Vote     `json:"votes"`
}

// Vote is one approver's immutable decision.
type Vote struct {
	ApproverID string    `json:"approverId"`
	Vote       string    `json:"vote"`
	Comment    string    `json:"comment,omitempty"`
	CastAt     time.Time `json:"castAt"`
}

// Store persists approvals and votes. AddVote must enforce one vote per
// approver per approval and reject votes on non-pending approvals.
type Store interface {
	Create(ctx context.Context, a *Approval) error
	Get(ctx context.Context, id string) (*Approval, error)
	AddVote(ctx context.Context, approvalID string, v *Vote) (approveCount, rejectCount int, err error)
	MarkApproved(ctx context.Context, id string, quorumAt time.Time) error
	MarkRejected(ctx context.Context, id string) error
	MarkExpired(ctx context.Context, id string) error
	// ClaimExecution flips approved to executing. The conditional update is
	// the single point of contention: of any number of concurrent executors
	// exactly one claim succeeds, the rest get ErrInvalidState.
	ClaimExecution(ctx context.Context, id, executorID string, at time.Time) error
	FinishExecution(ctx context.Context, id, txSignature string) error
	AbortExecution(ctx context.Context, id string) error
	ListExpirable(ctx context.Context, before time.Time, limit int) ([]string, error)
}

// Notifier receives executed-payout events. Delivery must not block or fail
// the execution path.
type Notifier interface {
	ApprovalExecuted(ctx context.Context, approvalID, txSignature string, amountCents int64)
}

// Service runs the gate workflow.
type Service struct {
	store    Store
	policy   Policy
	rail     payrail.Rail
	notifier Notifier
}

// New creates an approval service executing payouts on the given rail.
func New(store Store, policy Policy, rail payrail.Rail) *Service {
	return &Service{store: store, policy: policy, rail: rail}
}

// WithNotifier attaches an event notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Request opens a gate request for an outbound payment. The recipient
// defaults to the requester, which is the refund case: the disputing buyer
// is paid back.
func (s *Service) Request(ctx context.Context, payoutID string, amountCents int64, requestedBy string) (string, error) {
	a, err := s.RequestFor(ctx, payoutID, requestedBy, amountCents, requestedBy)
	if err != nil {
		return "", err
	}
	return a.ID, nil
}

// RequestFor opens a gate request with an explicit recipient.
func (s *Service) RequestFor(ctx context.Context, payoutID, recipientID string, amountCents int64, requestedBy string) (*Approval, error) {
	if errs := validation.Validate(
		validation.Required("payoutId", payoutID),
		validation.PositiveInt("amountCents", amountCents),
	); len(errs) > 0 {
		return nil, errs
	}

	now := time.Now().UTC()
	tier, required := s.policy.TierFor(amountCents)
	a := &Approval{
		ID:                idgen.WithPrefix("apv"),
		PayoutID:          payoutID,
		RecipientID:       recipientID,
		AmountCents:       amountCents,
		Tier:              tier,
		RequiredApprovals: required,
		Status:            StatusPending,
		RequestedBy:       requestedBy,
		RequestedAt:       now,
		ExpiresAt:         now.Add(s.policy.TTL),
		Votes:             []Vote{},
	}
	if err := s.store.Create(ctx, a); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("approval requested",
		"approval_id", a.ID,
		"payout_id", payoutID,
		"amount_cents", amountCents,
		"tier", tier,
		"required", required,
	)
	return a, nil
}

// Get returns an approval with its votes.
func (s *Service) Get(ctx context.Context, id string) (*Approval, error) {
	return s.store.Get(ctx, id)
}

// IsApproved reports whether the approval reached quorum.
func (s *Service) IsApproved(ctx context.Context, id string) (bool, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	switch a.Status {
	case StatusApproved, StatusExecuting, StatusExecuted:
		return true, nil
	}
	return false, nil
}

// CastVote records one approver's decision. Votes are immutable and one per
// approver. The deadline is checked here, not only by the sweeper, so a vote
// can never land on an approval that should already have expired.
func (s *Service) CastVote(ctx context.Context, approvalID, approverID, vote, comment string) (*Approval, error) {
	ctx, span := traces.StartSpan(ctx, "approval.CastVote",
		traces.ApprovalID(approvalID), traces.ActorID(approverID))
	defer span.End()

	if vote != VoteApprove && vote != VoteReject {
		return nil, validation.ValidationErrors{{Field: "vote", Message: "must be approve or reject"}}
	}

	a, err := s.store.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusPending {
		return nil, ErrInvalidState
	}
	now := time.Now().UTC()
	if now.After(a.ExpiresAt) {
		// Lazy expiry: the sweeper may not have run yet.
		if err := s.store.MarkExpired(ctx, approvalID); err != nil && !errors.Is(err, ErrInvalidState) {
			return nil, err
		}
		return nil, ErrApprovalExpired
	}

	v := &Vote{ApproverID: approverID, Vote: vote, Comment: comment, CastAt: now}
	approves, rejects, err := s.store.AddVote(ctx, approvalID, v)
	if err != nil {
		return nil, err
	}
	metrics.ApprovalVotesTotal.WithLabelValues(vote).Inc()

	switch vote {
	case VoteApprove:
		if approves >= a.RequiredApprovals {
			if err := s.store.MarkApproved(ctx, approvalID, now); err != nil && !errors.Is(err, ErrInvalidState) {
				return nil, err
			}
			logging.L(ctx).Info("approval reached quorum",
				"approval_id", approvalID, "approvals", approves, "required", a.RequiredApprovals)
		}
	case VoteReject:
		rejected := s.policy.RejectMode == RejectImmediate || rejects >= a.RequiredApprovals
		if rejected {
			if err := s.store.MarkRejected(ctx, approvalID); err != nil && !errors.Is(err, ErrInvalidState) {
				return nil, err
			}
			logging.L(ctx).Info("approval rejected",
				"approval_id", approvalID, "rejects", rejects, "mode", s.policy.RejectMode)
		}
	}

	return s.store.Get(ctx, approvalID)
}

// Execute performs the payout for an approved request. High-tier approvals
// must additionally wait out the post-quorum delay.
func (s *Service) Execute(ctx context.Context, approvalID, executorID string) (*Approval, error) {
	ctx, span := traces.StartSpan(ctx, "approval.Execute",
		traces.ApprovalID(approvalID), traces.ActorID(executorID))
	defer span.End()

	a, err := s.store.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusApproved {
		return nil, ErrInvalidState
	}
	now := time.Now().UTC()
	if a.Tier == TierHigh && a.QuorumAt != nil && now.Before(a.QuorumAt.Add(s.policy.HighDelay)) {
		return nil, ErrQuorumDelay
	}

	// Claim the approval before any money moves. Concurrent executors race
	// on this conditional transition; the loser fails here without ever
	// reaching the rail.
	if err := s.store.ClaimExecution(ctx, approvalID, executorID, now); err != nil {
		return nil, err
	}

	txSig, err := s.rail.Payout(ctx, a.RecipientID, a.AmountCents, a.ID)
	if err != nil {
		// No payment went out; put the approval back so it can be retried.
		if abortErr := s.store.AbortExecution(ctx, approvalID); abortErr != nil {
			logging.L(ctx).Error("payout failed and claim not reverted",
				"approval_id", approvalID, "error", abortErr)
		}
		return nil, err
	}
	if err := s.store.FinishExecution(ctx, approvalID, txSig); err != nil {
		// The rail payment went out but the record did not flip; surface
		// loudly so it can be reconciled by hand.
		logging.L(ctx).Error("payout executed but approval not marked",
			"approval_id", approvalID, "tx_signature", txSig, "error", err)
		return nil, err
	}

	logging.L(ctx).Info("approval executed",
		"approval_id", approvalID,
		"executor", executorID,
		"amount_cents", a.AmountCents,
		"tx_signature", txSig,
	)
	if s.notifier != nil {
		s.notifier.ApprovalExecuted(ctx, approvalID, txSig, a.AmountCents)
	}
	return s.store.Get(ctx, approvalID)
}

// ExpireDue marks pending approvals past their deadline as expired. Called
// by the sweeper.
func (s *Service) ExpireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	ids, err := s.store.ListExpirable(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	var expired int
	for _, id := range ids {
		if err := s.store.MarkExpired(ctx, id); err != nil {
			if errors.Is(err, ErrInvalidState) {
				continue
			}
			logging.L(ctx).Error("expire approval failed", "approval_id", id, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}
