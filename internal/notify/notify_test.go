package notify

import (
	"context"
	"errors"
	"testing"
	"time"
)

type chanSink struct {
	ch chan Event
}

func (s chanSink) Deliver(_ context.Context, e Event) error {
	s.ch <- e
	return nil
}

type failingSink struct{}

func (failingSink) Deliver(context.Context, Event) error {
	return errors.New("connection refused")
}

func receive(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return Event{}
	}
}

func TestEmitterDelivers(t *testing.T) {
	ch := make(chan Event, 1)
	e := New(chanSink{ch})

	e.SessionAutoConfirmed(context.Background(), "ses_1")

	got := receive(t, ch)
	if got.Type != EventSessionAutoConfirmed {
		t.Errorf("type = %s, want %s", got.Type, EventSessionAutoConfirmed)
	}
	if got.Data["sessionId"] != "ses_1" {
		t.Errorf("sessionId = %v", got.Data["sessionId"])
	}
}

func TestEmitterDetachesFromCanceledContext(t *testing.T) {
	ch := make(chan Event, 1)
	e := New(chanSink{ch})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.PayoutReleased(ctx, "pay_1", 2000, "auto")

	got := receive(t, ch)
	if got.Data["trigger"] != "auto" {
		t.Errorf("trigger = %v", got.Data["trigger"])
	}
}

func TestNilSinkIsSafe(t *testing.T) {
	e := New(nil)
	e.SessionAutoConfirmed(context.Background(), "ses_1")
}

func TestFailingSinkDoesNotPropagate(t *testing.T) {
	e := New(failingSink{})
	// Fire-and-forget: nothing to assert beyond not panicking or blocking.
	e.ApprovalExecuted(context.Background(), "apv_1", "sim_abc", 9000)
	time.Sleep(10 * time.Millisecond)
}
