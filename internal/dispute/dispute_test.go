package dispute

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/creatorpay/creatorpay/internal/payout"
	"github.com/creatorpay/creatorpay/internal/session"
	"github.com/creatorpay/creatorpay/internal/wallet"
)

const (
	testWindow    = 48 * time.Hour
	testThreshold = 5_000
	testReason    = "the session never took place as promised"
)

// fakeSessions is a hand-rolled session store: it holds sessions directly so
// tests can set completion timestamps without going through the state machine.
type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
}

var _ session.Store = (*fakeSessions)(nil)

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[string]*session.Session)}
}

func (f *fakeSessions) put(s *session.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = s
}

func (f *fakeSessions) Create(_ context.Context, s *session.Session) error {
	f.put(s)
	return nil
}

func (f *fakeSessions) Get(_ context.Context, id string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessions) Start(context.Context, string) error { return nil }

func (f *fakeSessions) CompleteAndSettle(context.Context, *session.Session, *payout.Entry) error {
	return nil
}

func (f *fakeSessions) AutoConfirm(context.Context, string) error { return nil }

func (f *fakeSessions) ListAutoReleasable(context.Context, time.Time, int) ([]string, error) {
	return nil, nil
}

func (f *fakeSessions) MarkDisputed(_ context.Context, id string) error {
	return f.transition(id, session.StatusDisputed, session.StatusAwaitingConfirmation, session.StatusCompleted)
}

func (f *fakeSessions) MarkRefunded(_ context.Context, id string) error {
	return f.transition(id, session.StatusRefunded, session.StatusDisputed)
}

func (f *fakeSessions) MarkCompletedAfterDispute(_ context.Context, id string) error {
	return f.transition(id, session.StatusCompleted, session.StatusDisputed)
}

func (f *fakeSessions) transition(id, to string, from ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	for _, st := range from {
		if s.Status == st {
			s.Status = to
			return nil
		}
	}
	return session.ErrInvalidTransition
}

type fakeGate struct {
	mu         sync.Mutex
	requests   int
	approved   map[string]bool
	lastAmount int64
}

func newFakeGate() *fakeGate {
	return &fakeGate{approved: make(map[string]bool)}
}

func (g *fakeGate) Request(_ context.Context, _ string, amountCents int64, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests++
	g.lastAmount = amountCents
	return "apv_000000000000000000000001", nil
}

func (g *fakeGate) IsApproved(_ context.Context, approvalID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.approved[approvalID], nil
}

func (g *fakeGate) approve(approvalID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.approved[approvalID] = true
}

type fixture struct {
	disputes *Service
	sessions *fakeSessions
	wallets  *wallet.MemoryStore
	gate     *fakeGate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sessions := newFakeSessions()
	wallets := wallet.NewMemoryStore()
	gate := newFakeGate()
	store := NewMemoryStore(sessions, wallets)
	return &fixture{
		disputes: New(store, sessions, testWindow, testThreshold).WithGate(gate),
		sessions: sessions,
		wallets:  wallets,
		gate:     gate,
	}
}

// settledSession sets up a session whose payment already settled: the units
// left the buyer's balance and the seller's earnings are held elsewhere.
func (f *fixture) settledSession(t *testing.T, units, priceCents int64, completedAgo time.Duration) *session.Session {
	t.Helper()
	ctx := context.Background()
	w := wallet.New(f.wallets)
	if err := w.CreditPurchase(ctx, "buyer_1", "seller_1", units, priceCents, units*priceCents, "pur_seed"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := w.Reserve(ctx, "buyer_1", "seller_1", units, "ses_seed"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := w.Settle(ctx, "buyer_1", "seller_1", units, "ses_seed"); err != nil {
		t.Fatalf("settle: %v", err)
	}

	completed := time.Now().UTC().Add(-completedAgo)
	release := completed.Add(testWindow)
	s := &session.Session{
		ID:            "ses_000000000000000000000001",
		BuyerID:       "buyer_1",
		SellerID:      "seller_1",
		Units:         units,
		PriceCents:    priceCents,
		Status:        session.StatusAwaitingConfirmation,
		CompletedAt:   &completed,
		AutoReleaseAt: &release,
		CreatedAt:     completed.Add(-time.Hour),
		UpdatedAt:     completed,
	}
	f.sessions.put(s)
	return s
}

func TestOpenFreezesAmountAndDisputesSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.settledSession(t, 4, 1000, time.Hour)

	r, err := f.disputes.Open(ctx, sess.ID, "buyer_1", testReason)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if r.Status != StatusPending {
		t.Errorf("status = %s, want pending", r.Status)
	}
	if r.AmountCents != 4000 || r.Units != 4 {
		t.Errorf("frozen amount = %d/%d units, want 4000/4", r.AmountCents, r.Units)
	}

	got, _ := f.sessions.Get(ctx, sess.ID)
	if got.Status != session.StatusDisputed {
		t.Errorf("session status = %s, want disputed", got.Status)
	}
}

func TestOpenOnlyBuyer(t *testing.T) {
	f := newFixture(t)
	sess := f.settledSession(t, 2, 1000, time.Hour)

	if _, err := f.disputes.Open(context.Background(), sess.ID, "seller_1", testReason); err != session.ErrForbidden {
		t.Errorf("seller open: err = %v, want session.ErrForbidden", err)
	}
}

func TestOpenWindowExpired(t *testing.T) {
	f := newFixture(t)
	sess := f.settledSession(t, 2, 1000, testWindow+time.Hour)

	if _, err := f.disputes.Open(context.Background(), sess.ID, "buyer_1", testReason); err != ErrDisputeWindowExpired {
		t.Errorf("err = %v, want ErrDisputeWindowExpired", err)
	}
}

func TestOpenJustInsideWindow(t *testing.T) {
	f := newFixture(t)
	sess := f.settledSession(t, 2, 1000, testWindow-time.Minute)

	if _, err := f.disputes.Open(context.Background(), sess.ID, "buyer_1", testReason); err != nil {
		t.Errorf("open inside window: %v", err)
	}
}

func TestOpenRejectsShortReason(t *testing.T) {
	f := newFixture(t)
	sess := f.settledSession(t, 2, 1000, time.Hour)

	if _, err := f.disputes.Open(context.Background(), sess.ID, "buyer_1", "not long enough"); err == nil {
		t.Error("short reason accepted")
	}
}

func TestOpenWrongStatus(t *testing.T) {
	f := newFixture(t)
	sess := f.settledSession(t, 2, 1000, time.Hour)
	f.sessions.sessions[sess.ID].Status = session.StatusAccepted

	if _, err := f.disputes.Open(context.Background(), sess.ID, "buyer_1", testReason); err != session.ErrInvalidTransition {
		t.Errorf("err = %v, want session.ErrInvalidTransition", err)
	}
}

func TestSmallRefundSkipsGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.settledSession(t, 2, 1000, time.Hour) // $20.00, under threshold

	r, err := f.disputes.Open(ctx, sess.ID, "buyer_1", testReason)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if r.ApprovalID != "" || f.gate.requests != 0 {
		t.Errorf("gate consulted for small refund: approvalID=%q requests=%d", r.ApprovalID, f.gate.requests)
	}

	// Resolvable immediately.
	if _, err := f.disputes.Resolve(ctx, r.ID, DecisionApprove, "adm_1"); err != nil {
		t.Errorf("resolve small refund: %v", err)
	}
}

func TestLargeRefundRequiresApproval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.settledSession(t, 6, 1000, time.Hour) // $60.00, over threshold

	r, err := f.disputes.Open(ctx, sess.ID, "buyer_1", testReason)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if r.ApprovalID == "" || f.gate.requests != 1 || f.gate.lastAmount != 6000 {
		t.Fatalf("gate not consulted: %+v requests=%d", r, f.gate.requests)
	}

	if _, err := f.disputes.Resolve(ctx, r.ID, DecisionApprove, "adm_1"); err != ErrApprovalRequired {
		t.Fatalf("resolve before approval: err = %v, want ErrApprovalRequired", err)
	}

	f.gate.approve(r.ApprovalID)
	got, err := f.disputes.Resolve(ctx, r.ID, DecisionApprove, "adm_1")
	if err != nil {
		t.Fatalf("resolve after approval: %v", err)
	}
	if got.Status != StatusApproved {
		t.Errorf("status = %s, want approved", got.Status)
	}
}

func TestApproveReversesSettlement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.settledSession(t, 3, 1000, time.Hour)

	r, err := f.disputes.Open(ctx, sess.ID, "buyer_1", testReason)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got, err := f.disputes.Resolve(ctx, r.ID, DecisionApprove, "adm_1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.ResolvedBy != "adm_1" || got.ResolvedAt == nil {
		t.Errorf("resolution fields = %q/%v", got.ResolvedBy, got.ResolvedAt)
	}

	b, _ := wallet.New(f.wallets).GetBalance(ctx, "buyer_1", "seller_1")
	if b.BalanceUnits != 3 {
		t.Errorf("balance units after reversal = %d, want 3", b.BalanceUnits)
	}
	s, _ := f.sessions.Get(ctx, sess.ID)
	if s.Status != session.StatusRefunded {
		t.Errorf("session status = %s, want refunded", s.Status)
	}
}

func TestRejectLeavesLedgerUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.settledSession(t, 3, 1000, time.Hour)

	r, _ := f.disputes.Open(ctx, sess.ID, "buyer_1", testReason)
	got, err := f.disputes.Resolve(ctx, r.ID, DecisionReject, "adm_1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Status != StatusRejected {
		t.Errorf("status = %s, want rejected", got.Status)
	}

	b, _ := wallet.New(f.wallets).GetBalance(ctx, "buyer_1", "seller_1")
	if b.BalanceUnits != 0 {
		t.Errorf("balance units = %d after reject, want 0", b.BalanceUnits)
	}
	s, _ := f.sessions.Get(ctx, sess.ID)
	if s.Status != session.StatusCompleted {
		t.Errorf("session status = %s, want completed", s.Status)
	}
}

func TestResolveTwiceFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sess := f.settledSession(t, 2, 1000, time.Hour)

	r, _ := f.disputes.Open(ctx, sess.ID, "buyer_1", testReason)
	if _, err := f.disputes.Resolve(ctx, r.ID, DecisionReject, "adm_1"); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if _, err := f.disputes.Resolve(ctx, r.ID, DecisionApprove, "adm_2"); err != ErrInvalidState {
		t.Errorf("second resolve: err = %v, want ErrInvalidState", err)
	}
}
