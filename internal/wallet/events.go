package wallet

import (
	"context"
	"fmt"

	"github.com/creatorpay/creatorpay/internal/logging"
)

// FoldEntries replays wallet entries oldest-first and returns the balance
// they imply. The fold is the source of truth for reconciliation: the stored
// balance row is a materialized view of the entry log.
func FoldEntries(holderID, counterpartyID string, entries []*Entry) (*Balance, error) {
	b := &Balance{HolderID: holderID, CounterpartyID: counterpartyID}
	for _, e := range entries {
		switch e.Type {
		case EntryPurchaseCredit:
			prevUnits := b.BalanceUnits
			b.AvgPriceCents = weightedAverage(prevUnits, b.AvgPriceCents, e.Units, e.AmountCents)
			b.BalanceUnits += e.Units
			b.TotalPaidCents += e.AmountCents
		case EntryReserve:
			if b.Available() < e.Units {
				return nil, fmt.Errorf("entry %s: reserve %d exceeds available %d", e.ID, e.Units, b.Available())
			}
			b.ReservedUnits += e.Units
		case EntrySettle:
			if b.ReservedUnits < e.Units {
				return nil, fmt.Errorf("entry %s: settle %d exceeds reserved %d", e.ID, e.Units, b.ReservedUnits)
			}
			b.ReservedUnits -= e.Units
			b.BalanceUnits -= e.Units
		case EntryRelease:
			if b.ReservedUnits < e.Units {
				return nil, fmt.Errorf("entry %s: release %d exceeds reserved %d", e.ID, e.Units, b.ReservedUnits)
			}
			b.ReservedUnits -= e.Units
		case EntryReverseSettle:
			b.BalanceUnits += e.Units
		default:
			return nil, fmt.Errorf("entry %s: unknown type %q", e.ID, e.Type)
		}
		if !e.CreatedAt.IsZero() {
			b.UpdatedAt = e.CreatedAt
		}
	}
	return b, nil
}

// EntryLister is the slice of Store needed to rebuild balances.
type EntryLister interface {
	ListEntriesAsc(ctx context.Context, holderID, counterpartyID string) ([]*Entry, error)
}

// RebuildBalance derives the balance for a pair purely from its entry log.
func RebuildBalance(ctx context.Context, store EntryLister, holderID, counterpartyID string) (*Balance, error) {
	entries, err := store.ListEntriesAsc(ctx, holderID, counterpartyID)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return FoldEntries(holderID, counterpartyID, entries)
}

// Reconcile compares the stored balance against the entry fold and reports
// whether they agree. Mismatches are logged and counted but never repaired
// automatically.
func Reconcile(ctx context.Context, store Store, lister EntryLister, holderID, counterpartyID string) (bool, error) {
	stored, err := store.GetBalance(ctx, holderID, counterpartyID)
	if err != nil {
		return false, err
	}
	derived, err := RebuildBalance(ctx, lister, holderID, counterpartyID)
	if err != nil {
		return false, err
	}

	ok := stored.BalanceUnits == derived.BalanceUnits &&
		stored.ReservedUnits == derived.ReservedUnits &&
		stored.TotalPaidCents == derived.TotalPaidCents

	if !ok {
		reconcileMismatches.Inc()
		logging.L(ctx).Error("wallet balance mismatch",
			"holder", holderID,
			"counterparty", counterpartyID,
			"stored_units", stored.BalanceUnits,
			"derived_units", derived.BalanceUnits,
			"stored_reserved", stored.ReservedUnits,
			"derived_reserved", derived.ReservedUnits,
		)
	}
	return ok, nil
}
