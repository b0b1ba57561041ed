// Package wallet is the sole mutator of unit balances between a holder and a
// counterparty.
//
// Flow:
//  1. Buyer purchase completes → balance credited (weighted average price kept)
//  2. Booking reserves units → reserved within the balance
//  3. Seller completes the session → reserved units settled (spent)
//  4. Dispute approved → settled units reversed back to the buyer
//
// Every mutation appends an immutable wallet entry row in the same transaction
// as the balance update, so balances can be rebuilt and reconciled by folding
// the entries.
package wallet

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidState        = errors.New("invalid balance state for this operation")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrInvalidAmount       = errors.New("invalid amount")
)

// Entry types recorded in wallet_entries.
const (
	EntryPurchaseCredit = "purchase_credit"
	EntryReserve        = "reserve"
	EntrySettle         = "settle"
	EntryRelease        = "release"
	EntryReverseSettle  = "reverse_settle"
)

// Balance is the unit balance one holder owns against one counterparty.
// ReservedUnits is a subset of BalanceUnits earmarked for in-flight sessions.
type Balance struct {
	HolderID       string    `json:"holderId"`
	CounterpartyID string    `json:"counterpartyId"`
	BalanceUnits   int64     `json:"balanceUnits"`
	ReservedUnits  int64     `json:"reservedUnits"`
	AvgPriceCents  int64     `json:"avgPriceCents"`
	TotalPaidCents int64     `json:"totalPaidCents"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Available returns the units not earmarked for a session.
func (b *Balance) Available() int64 {
	return b.BalanceUnits - b.ReservedUnits
}

// Entry is an immutable record of one balance mutation.
type Entry struct {
	ID             string    `json:"id"`
	HolderID       string    `json:"holderId"`
	CounterpartyID string    `json:"counterpartyId"`
	Type           string    `json:"type"`
	Units          int64     `json:"units"`
	AmountCents    int64     `json:"amountCents,omitempty"`
	Reference      string    `json:"reference,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Store persists wallet balances and entries.
type Store interface {
	GetBalance(ctx context.Context, holderID, counterpartyID string) (*Balance, error)
	CreditPurchase(ctx context.Context, holderID, counterpartyID string, units, priceCents, totalCents int64, reference string) error
	Reserve(ctx context.Context, holderID, counterpartyID string, units int64, reference string) error
	Settle(ctx context.Context, holderID, counterpartyID string, units int64, reference string) error
	Release(ctx context.Context, holderID, counterpartyID string, units int64, reference string) error
	ReverseSettle(ctx context.Context, holderID, counterpartyID string, units int64, reference string) error
	GetEntries(ctx context.Context, holderID, counterpartyID string, limit int) ([]*Entry, error)
}

// Service validates inputs and delegates balance arithmetic to the store.
type Service struct {
	store Store
	audit AuditLogger
}

// New creates a new wallet service.
func New(store Store) *Service {
	return &Service{store: store}
}

// WithAudit attaches an audit logger for balance mutations.
func (s *Service) WithAudit(a AuditLogger) *Service {
	s.audit = a
	return s
}

// Store exposes the underlying store for cross-package transaction wiring.
func (s *Service) Store() Store {
	return s.store
}

// GetBalance returns the balance for a (holder, counterparty) pair.
// A missing row reads as a zero balance.
func (s *Service) GetBalance(ctx context.Context, holderID, counterpartyID string) (*Balance, error) {
	return s.store.GetBalance(ctx, holderID, counterpartyID)
}

// CreditPurchase credits units from a completed purchase and folds the price
// into the weighted average cost basis.
//
// Not idempotent: the caller must have claimed the purchase completion with a
// conditional status update before invoking this; re-invocation double-counts.
func (s *Service) CreditPurchase(ctx context.Context, holderID, counterpartyID string, units, priceCents, totalCents int64, reference string) error {
	if units <= 0 || priceCents < 0 || totalCents < 0 {
		return ErrInvalidAmount
	}
	if totalCents != units*priceCents {
		return ErrInvalidAmount
	}
	if err := s.store.CreditPurchase(ctx, holderID, counterpartyID, units, priceCents, totalCents, reference); err != nil {
		return err
	}
	walletOpsTotal.WithLabelValues(EntryPurchaseCredit).Inc()
	s.logAudit(ctx, holderID, counterpartyID, EntryPurchaseCredit, units, totalCents, reference)
	return nil
}

// Reserve earmarks units for an in-flight session.
func (s *Service) Reserve(ctx context.Context, holderID, counterpartyID string, units int64, reference string) error {
	if units <= 0 {
		return ErrInvalidAmount
	}
	if err := s.store.Reserve(ctx, holderID, counterpartyID, units, reference); err != nil {
		return err
	}
	walletOpsTotal.WithLabelValues(EntryReserve).Inc()
	s.logAudit(ctx, holderID, counterpartyID, EntryReserve, units, 0, reference)
	return nil
}

// Settle finalizes a session payment: reserved and total units both drop.
func (s *Service) Settle(ctx context.Context, holderID, counterpartyID string, units int64, reference string) error {
	if units <= 0 {
		return ErrInvalidAmount
	}
	if err := s.store.Settle(ctx, holderID, counterpartyID, units, reference); err != nil {
		return err
	}
	walletOpsTotal.WithLabelValues(EntrySettle).Inc()
	s.logAudit(ctx, holderID, counterpartyID, EntrySettle, units, 0, reference)
	return nil
}

// Release returns reserved units to the spendable balance (session canceled).
func (s *Service) Release(ctx context.Context, holderID, counterpartyID string, units int64, reference string) error {
	if units <= 0 {
		return ErrInvalidAmount
	}
	if err := s.store.Release(ctx, holderID, counterpartyID, units, reference); err != nil {
		return err
	}
	walletOpsTotal.WithLabelValues(EntryRelease).Inc()
	s.logAudit(ctx, holderID, counterpartyID, EntryRelease, units, 0, reference)
	return nil
}

// ReverseSettle credits settled units back to the holder (approved dispute).
func (s *Service) ReverseSettle(ctx context.Context, holderID, counterpartyID string, units int64, reference string) error {
	if units <= 0 {
		return ErrInvalidAmount
	}
	if err := s.store.ReverseSettle(ctx, holderID, counterpartyID, units, reference); err != nil {
		return err
	}
	walletOpsTotal.WithLabelValues(EntryReverseSettle).Inc()
	s.logAudit(ctx, holderID, counterpartyID, EntryReverseSettle, units, 0, reference)
	return nil
}

// GetEntries returns recent wallet entries for a pair, newest first.
func (s *Service) GetEntries(ctx context.Context, holderID, counterpartyID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.GetEntries(ctx, holderID, counterpartyID, limit)
}

func (s *Service) logAudit(ctx context.Context, holderID, counterpartyID, operation string, units, amountCents int64, reference string) {
	if s.audit == nil {
		return
	}
	actorType, actorID, requestID := actorFromCtx(ctx)
	_ = s.audit.LogAudit(ctx, &AuditEntry{
		HolderID:       holderID,
		CounterpartyID: counterpartyID,
		ActorType:      actorType,
		ActorID:        actorID,
		Operation:      operation,
		Units:          units,
		AmountCents:    amountCents,
		Reference:      reference,
		RequestID:      requestID,
	})
}

// weightedAverage recomputes the average purchase price after crediting
// newUnits bought for newTotalCents onto existingUnits at existingAvg.
// Rounds half up; small drift over many purchases is an accepted
// approximation carried over from the original pricing behaviour.
func weightedAverage(existingUnits, existingAvg, newUnits, newTotalCents int64) int64 {
	den := existingUnits + newUnits
	if den <= 0 {
		return 0
	}
	num := existingUnits*existingAvg + newTotalCents
	return (num + den/2) / den
}
