// Package purchase records unit purchases and credits the buyer's wallet
// exactly once when a purchase completes.
//
// The payment provider confirms asynchronously, so completion must be
// idempotent: the first caller to flip pending → completed owns the wallet
// credit; every later attempt observes completed and does nothing.
package purchase

import (
	"context"
	"errors"
	"time"

	"github.com/creatorpay/creatorpay/internal/idgen"
	"github.com/creatorpay/creatorpay/internal/logging"
)

var (
	ErrNotFound      = errors.New("purchase not found")
	ErrInvalidAmount = errors.New("invalid purchase amount")
)

// Purchase statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// Purchase is one buyer's order of units from a seller.
type Purchase struct {
	ID          string     `json:"id"`
	BuyerID     string     `json:"buyerId"`
	SellerID    string     `json:"sellerId"`
	Units       int64      `json:"units"`
	PriceCents  int64      `json:"priceCents"`
	TotalCents  int64      `json:"totalCents"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Store persists purchases. CompleteAndCredit must flip the status and credit
// the wallet atomically, returning claimed=false when the purchase was
// already completed.
type Store interface {
	Create(ctx context.Context, p *Purchase) error
	Get(ctx context.Context, id string) (*Purchase, error)
	CompleteAndCredit(ctx context.Context, p *Purchase) (claimed bool, err error)
}

// Service coordinates purchase creation and completion.
type Service struct {
	store Store
}

// New creates a purchase service.
func New(store Store) *Service {
	return &Service{store: store}
}

// Create records a new pending purchase. TotalCents must equal
// Units * PriceCents exactly.
func (s *Service) Create(ctx context.Context, buyerID, sellerID string, units, priceCents int64) (*Purchase, error) {
	if units <= 0 || priceCents <= 0 {
		return nil, ErrInvalidAmount
	}
	p := &Purchase{
		ID:         idgen.WithPrefix("pur"),
		BuyerID:    buyerID,
		SellerID:   sellerID,
		Units:      units,
		PriceCents: priceCents,
		TotalCents: units * priceCents,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns a purchase by ID.
func (s *Service) Get(ctx context.Context, id string) (*Purchase, error) {
	return s.store.Get(ctx, id)
}

// Complete marks a purchase completed and credits the buyer's wallet.
// Safe to call any number of times: only the first call mutates anything.
// Returns the purchase and whether this call performed the credit.
func (s *Service) Complete(ctx context.Context, id string) (*Purchase, bool, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if p.TotalCents != p.Units*p.PriceCents {
		return nil, false, ErrInvalidAmount
	}

	claimed, err := s.store.CompleteAndCredit(ctx, p)
	if err != nil {
		return nil, false, err
	}
	if !claimed {
		logging.L(ctx).Info("purchase already completed, skipping credit", "purchase_id", id)
		// Re-read so the caller sees the completed record.
		p, err = s.store.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return p, false, nil
	}

	logging.L(ctx).Info("purchase completed",
		"purchase_id", id,
		"buyer", p.BuyerID,
		"seller", p.SellerID,
		"units", p.Units,
		"total_cents", p.TotalCents,
	)
	return p, true, nil
}
