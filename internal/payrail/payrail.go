// Package payrail abstracts the outbound payment rail used when approved
// money leaves the platform.
package payrail

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/creatorpay/creatorpay/internal/idgen"
	"github.com/creatorpay/creatorpay/internal/logging"
)

// Rail sends money to a recipient and returns a provider transaction
// signature for the audit trail.
type Rail interface {
	Payout(ctx context.Context, recipientID string, amountCents int64, reference string) (txSignature string, err error)
}

// StripeRail pays recipients via Stripe transfers to connected accounts.
type StripeRail struct {
	sc *client.API
}

var _ Rail = (*StripeRail)(nil)

// NewStripeRail creates a Stripe-backed rail with the given secret key.
func NewStripeRail(secretKey string) *StripeRail {
	sc := &client.API{}
	sc.Init(secretKey, nil)
	return &StripeRail{sc: sc}
}

func (r *StripeRail) Payout(ctx context.Context, recipientID string, amountCents int64, reference string) (string, error) {
	params := &stripe.TransferParams{
		Params:        stripe.Params{Context: ctx},
		Amount:        stripe.Int64(amountCents),
		Currency:      stripe.String(string(stripe.CurrencyUSD)),
		Destination:   stripe.String(recipientID),
		TransferGroup: stripe.String(reference),
	}
	t, err := r.sc.Transfers.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe transfer: %w", err)
	}
	return t.ID, nil
}

// NoopRail simulates payouts for demo mode and tests.
type NoopRail struct{}

var _ Rail = NoopRail{}

func (NoopRail) Payout(ctx context.Context, recipientID string, amountCents int64, reference string) (string, error) {
	sig := "sim_" + idgen.New()
	logging.L(ctx).Info("simulated payout",
		"recipient", recipientID,
		"amount_cents", amountCents,
		"reference", reference,
		"tx_signature", sig,
	)
	return sig, nil
}
