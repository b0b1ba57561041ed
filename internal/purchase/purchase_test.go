package purchase

import (
	"context"
	"sync"
	"testing"

	"github.com/creatorpay/creatorpay/internal/wallet"
)

func newTestService() (*Service, *wallet.MemoryStore) {
	wstore := wallet.NewMemoryStore()
	return New(NewMemoryStore(wstore)), wstore
}

func TestCompleteCreditsWalletOnce(t *testing.T) {
	ctx := context.Background()
	svc, wstore := newTestService()

	p, err := svc.Create(ctx, "buyer_1", "seller_1", 10, 500)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.TotalCents != 5000 {
		t.Fatalf("total = %d, want 5000", p.TotalCents)
	}

	got, credited, err := svc.Complete(ctx, p.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !credited {
		t.Error("first complete did not credit")
	}
	if got.Status != StatusCompleted || got.CompletedAt == nil {
		t.Errorf("status = %s completedAt = %v", got.Status, got.CompletedAt)
	}

	// Second call is a no-op.
	got, credited, err = svc.Complete(ctx, p.ID)
	if err != nil {
		t.Fatalf("repeat complete: %v", err)
	}
	if credited {
		t.Error("repeat complete credited again")
	}
	if got.Status != StatusCompleted {
		t.Errorf("status after repeat = %s", got.Status)
	}

	b, _ := wallet.New(wstore).GetBalance(ctx, "buyer_1", "seller_1")
	if b.BalanceUnits != 10 || b.TotalPaidCents != 5000 {
		t.Errorf("balance = %d units / %d cents, want 10/5000", b.BalanceUnits, b.TotalPaidCents)
	}
}

func TestConcurrentCompleteCreditsOnce(t *testing.T) {
	ctx := context.Background()
	svc, wstore := newTestService()

	p, err := svc.Create(ctx, "buyer_1", "seller_1", 3, 100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup
	credits := make([]bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, credited, err := svc.Complete(ctx, p.ID)
			if err != nil {
				t.Errorf("complete: %v", err)
				return
			}
			credits[i] = credited
		}(i)
	}
	wg.Wait()

	var n int
	for _, c := range credits {
		if c {
			n++
		}
	}
	if n != 1 {
		t.Errorf("%d calls credited, want exactly 1", n)
	}

	b, _ := wallet.New(wstore).GetBalance(ctx, "buyer_1", "seller_1")
	if b.BalanceUnits != 3 {
		t.Errorf("balance units = %d, want 3", b.BalanceUnits)
	}
}

func TestCreateRejectsNonPositiveAmounts(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.Create(context.Background(), "b", "s", 0, 100); err != ErrInvalidAmount {
		t.Errorf("zero units: err = %v, want ErrInvalidAmount", err)
	}
	if _, err := svc.Create(context.Background(), "b", "s", 5, -1); err != ErrInvalidAmount {
		t.Errorf("negative price: err = %v, want ErrInvalidAmount", err)
	}
}

func TestCompleteUnknownPurchase(t *testing.T) {
	svc, _ := newTestService()
	if _, _, err := svc.Complete(context.Background(), "pur_missing"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
