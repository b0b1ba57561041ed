package wallet

import (
	"context"
	"testing"

	"github.com/creatorpay/creatorpay/internal/testutil"
)

// Integration coverage for the conditional-UPDATE guards against a real
// database. The same semantics are covered against the memory store in
// wallet_test.go; these runs confirm the SQL enforces them too.

func TestPostgresLifecycle(t *testing.T) {
	db := testutil.PG(t)
	ctx := context.Background()
	store := NewPostgresStore(db)

	if err := store.CreditPurchase(ctx, "usr_b", "usr_s", 10, 100, 1000, "pur_1"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := store.Reserve(ctx, "usr_b", "usr_s", 4, "ses_1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	b, err := store.GetBalance(ctx, "usr_b", "usr_s")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if b.BalanceUnits != 10 || b.ReservedUnits != 4 || b.AvgPriceCents != 100 {
		t.Fatalf("balance = %+v", b)
	}

	if err := store.Settle(ctx, "usr_b", "usr_s", 4, "ses_1"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	b, _ = store.GetBalance(ctx, "usr_b", "usr_s")
	if b.BalanceUnits != 6 || b.ReservedUnits != 0 {
		t.Fatalf("after settle: %+v", b)
	}

	if err := store.ReverseSettle(ctx, "usr_b", "usr_s", 4, "ref_1"); err != nil {
		t.Fatalf("reverse settle: %v", err)
	}
	b, _ = store.GetBalance(ctx, "usr_b", "usr_s")
	if b.BalanceUnits != 10 {
		t.Fatalf("after reverse settle: %+v", b)
	}

	entries, err := store.GetEntries(ctx, "usr_b", "usr_s", 10)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("entries = %d, want 4", len(entries))
	}

	// The event log must fold back to the stored row.
	rebuilt, err := RebuildBalance(ctx, store, "usr_b", "usr_s")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if rebuilt.BalanceUnits != b.BalanceUnits || rebuilt.ReservedUnits != b.ReservedUnits {
		t.Errorf("rebuilt %+v does not match stored %+v", rebuilt, b)
	}
}

func TestPostgresGuards(t *testing.T) {
	db := testutil.PG(t)
	ctx := context.Background()
	store := NewPostgresStore(db)

	if err := store.Reserve(ctx, "usr_none", "usr_s", 1, ""); err != ErrInsufficientBalance {
		t.Errorf("reserve with no wallet: err = %v, want ErrInsufficientBalance", err)
	}

	if err := store.CreditPurchase(ctx, "usr_b2", "usr_s", 5, 100, 500, ""); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := store.Reserve(ctx, "usr_b2", "usr_s", 6, ""); err != ErrInsufficientBalance {
		t.Errorf("over-reserve: err = %v, want ErrInsufficientBalance", err)
	}
	if err := store.Settle(ctx, "usr_b2", "usr_s", 1, ""); err != ErrInvalidState {
		t.Errorf("settle unreserved: err = %v, want ErrInvalidState", err)
	}
	if err := store.ReverseSettle(ctx, "usr_missing", "usr_s", 1, ""); err != ErrWalletNotFound {
		t.Errorf("reverse settle unknown wallet: err = %v, want ErrWalletNotFound", err)
	}
}
