package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/creatorpay/creatorpay/internal/payout"
	"github.com/creatorpay/creatorpay/internal/wallet"
)

const testDisputeWindow = 48 * time.Hour

type fixture struct {
	sessions *Service
	wallets  *wallet.Service
	payouts  *payout.MemoryStore
	store    *MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	wstore := wallet.NewMemoryStore()
	pstore := payout.NewMemoryStore()
	store := NewMemoryStore(wstore, pstore)
	return &fixture{
		sessions: New(store, testDisputeWindow),
		wallets:  wallet.New(wstore),
		payouts:  pstore,
		store:    store,
	}
}

// bookSession funds the buyer, reserves units, and books the session.
func (f *fixture) bookSession(t *testing.T, units, priceCents int64) *Session {
	t.Helper()
	ctx := context.Background()
	if err := f.wallets.CreditPurchase(ctx, "buyer_1", "seller_1", units, priceCents, units*priceCents, "pur_seed"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	sess, err := f.sessions.Create(ctx, "buyer_1", "seller_1", units, priceCents)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := f.wallets.Reserve(ctx, "buyer_1", "seller_1", units, sess.ID); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	return sess
}

func TestCompleteSettlesAndHoldsPayout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.bookSession(t, 4, 500)

	got, err := f.sessions.Complete(ctx, sess.ID, "seller_1", 90)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.Status != StatusAwaitingConfirmation {
		t.Errorf("status = %s, want awaiting_confirmation", got.Status)
	}
	if got.ActualMinutes != 90 {
		t.Errorf("actual minutes = %d, want 90", got.ActualMinutes)
	}
	if got.CompletedAt == nil || got.AutoReleaseAt == nil {
		t.Fatal("completion timestamps not set")
	}
	if want := got.CompletedAt.Add(testDisputeWindow); !got.AutoReleaseAt.Equal(want) {
		t.Errorf("auto release at = %v, want %v", got.AutoReleaseAt, want)
	}

	b, _ := f.wallets.GetBalance(ctx, "buyer_1", "seller_1")
	if b.BalanceUnits != 0 || b.ReservedUnits != 0 {
		t.Errorf("balance = %d/%d reserved after settle, want 0/0", b.BalanceUnits, b.ReservedUnits)
	}

	// Seller earnings must be held in the payment ledger.
	held, err := f.payouts.ListReleasable(ctx, time.Now().UTC().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("list held: %v", err)
	}
	if len(held) != 1 {
		t.Fatalf("held entries = %d, want 1", len(held))
	}
	if held[0].RecipientID != "seller_1" || held[0].AmountCents != 2000 || held[0].SourceID != sess.ID {
		t.Errorf("held entry = %+v", held[0])
	}
}

func TestCompleteDefaultsActualMinutes(t *testing.T) {
	f := newFixture(t)
	sess := f.bookSession(t, 3, 100)

	got, err := f.sessions.Complete(context.Background(), sess.ID, "seller_1", 0)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.ActualMinutes != 3*MinutesPerUnit {
		t.Errorf("actual minutes = %d, want %d", got.ActualMinutes, 3*MinutesPerUnit)
	}
}

func TestCompleteRequiresSeller(t *testing.T) {
	f := newFixture(t)
	sess := f.bookSession(t, 2, 100)

	if _, err := f.sessions.Complete(context.Background(), sess.ID, "buyer_1", 0); err != ErrForbidden {
		t.Errorf("buyer complete: err = %v, want ErrForbidden", err)
	}
	if _, err := f.sessions.Complete(context.Background(), sess.ID, "stranger", 0); err != ErrForbidden {
		t.Errorf("stranger complete: err = %v, want ErrForbidden", err)
	}
}

func TestCompleteTwiceFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.bookSession(t, 2, 100)

	if _, err := f.sessions.Complete(ctx, sess.ID, "seller_1", 0); err != nil {
		t.Fatalf("first complete: %v", err)
	}
	if _, err := f.sessions.Complete(ctx, sess.ID, "seller_1", 0); err != ErrInvalidTransition {
		t.Errorf("second complete: err = %v, want ErrInvalidTransition", err)
	}
}

func TestConcurrentCompleteSettlesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.bookSession(t, 5, 100)

	var wg sync.WaitGroup
	wins := make([]bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.sessions.Complete(ctx, sess.ID, "seller_1", 0)
			if err == nil {
				wins[i] = true
			} else if err != ErrInvalidTransition {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	var n int
	for _, w := range wins {
		if w {
			n++
		}
	}
	if n != 1 {
		t.Errorf("%d completes won, want exactly 1", n)
	}

	b, _ := f.wallets.GetBalance(ctx, "buyer_1", "seller_1")
	if b.BalanceUnits != 0 {
		t.Errorf("balance units = %d after single settle, want 0", b.BalanceUnits)
	}
}

func TestStartTransition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.bookSession(t, 2, 100)

	if _, err := f.sessions.Start(ctx, sess.ID, "buyer_1"); err != ErrForbidden {
		t.Errorf("buyer start: err = %v, want ErrForbidden", err)
	}

	got, err := f.sessions.Start(ctx, sess.ID, "seller_1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if got.Status != StatusInProgress {
		t.Errorf("status = %s, want in_progress", got.Status)
	}
	if _, err := f.sessions.Start(ctx, sess.ID, "seller_1"); err != ErrInvalidTransition {
		t.Errorf("double start: err = %v, want ErrInvalidTransition", err)
	}

	// Completion is still allowed from in_progress.
	if _, err := f.sessions.Complete(ctx, sess.ID, "seller_1", 0); err != nil {
		t.Errorf("complete from in_progress: %v", err)
	}
}

func TestAutoConfirmDue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.bookSession(t, 2, 100)

	if _, err := f.sessions.Complete(ctx, sess.ID, "seller_1", 0); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Before the window elapses, nothing happens.
	n, err := f.sessions.AutoConfirmDue(ctx, time.Now().UTC(), 100)
	if err != nil {
		t.Fatalf("auto confirm: %v", err)
	}
	if n != 0 {
		t.Errorf("confirmed %d sessions early", n)
	}

	n, err = f.sessions.AutoConfirmDue(ctx, time.Now().UTC().Add(testDisputeWindow+time.Minute), 100)
	if err != nil {
		t.Fatalf("auto confirm: %v", err)
	}
	if n != 1 {
		t.Errorf("confirmed %d sessions, want 1", n)
	}

	got, _ := f.sessions.Get(ctx, sess.ID)
	if got.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}

	// Idempotent: a second pass finds nothing.
	n, _ = f.sessions.AutoConfirmDue(ctx, time.Now().UTC().Add(testDisputeWindow+time.Minute), 100)
	if n != 0 {
		t.Errorf("second sweep confirmed %d sessions", n)
	}
}

func TestCompleteWithoutReservationFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Session booked but units never reserved: settlement must refuse and the
	// session must stay eligible for completion once the reservation exists.
	sess, err := f.sessions.Create(ctx, "buyer_1", "seller_1", 2, 100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.sessions.Complete(ctx, sess.ID, "seller_1", 0); err != wallet.ErrInvalidState {
		t.Fatalf("complete without reservation: err = %v, want wallet.ErrInvalidState", err)
	}

	got, _ := f.sessions.Get(ctx, sess.ID)
	if got.Status != StatusAccepted {
		t.Errorf("status after failed settle = %s, want accepted", got.Status)
	}
}
