package payment

import (
	"testing"
)

// TestTransition_DefinedEdges tests every defined edge of the state machine.
func TestTransition_DefinedEdges(t *testing.T) {
	cases := []struct {
		from Status
		ev   EventKind
		want Status
	}{
		{StatusInit, EventPaymentSucceeded, StatusPaid},
		{StatusInit, EventPaymentFailed, StatusFailed},
		{StatusInit, EventPaymentCanceled, StatusCanceled},
		{StatusPaid, EventRefund, StatusRefunded},
		{StatusCredited, EventRefund, StatusRefunded},
		{StatusPaid, EventChargeback, StatusChargeback},
		{StatusCredited, EventChargeback, StatusChargeback},
	}

	for _, c := range cases {
		got, ok := Transition(c.from, c.ev)
		if !ok {
			t.Errorf("Transition(%s, %s): expected defined edge", c.from, c.ev)
			continue
		}
		if got != c.want {
			t.Errorf("Transition(%s, %s) = %s, want %s", c.from, c.ev, got, c.want)
		}
	}
}

// TestTransition_TerminalStatesAreOneWay tests that no event moves a payment
// out of a terminal state.
func TestTransition_TerminalStatesAreOneWay(t *testing.T) {
	terminals := []Status{StatusFailed, StatusCanceled, StatusRefunded, StatusChargeback}
	events := []EventKind{EventPaymentSucceeded, EventPaymentFailed, EventPaymentCanceled, EventRefund, EventChargeback}

	for _, from := range terminals {
		if !from.Terminal() {
			t.Errorf("expected %s to be terminal", from)
		}
		for _, ev := range events {
			if got, ok := Transition(from, ev); ok {
				t.Errorf("Transition(%s, %s) = %s: terminal states must have no outgoing edges", from, ev, got)
			}
		}
	}
}

// TestTransition_UnknownEventNeverApplies tests that unknown observations
// are never applied speculatively.
func TestTransition_UnknownEventNeverApplies(t *testing.T) {
	states := []Status{StatusInit, StatusPaid, StatusCredited, StatusFailed, StatusCanceled, StatusRefunded, StatusChargeback}
	for _, from := range states {
		if _, ok := Transition(from, EventUnknown); ok {
			t.Errorf("Transition(%s, unknown): expected no edge", from)
		}
	}
}

// TestRedundant tests that replayed observations are recognized as no-ops.
func TestRedundant(t *testing.T) {
	cases := []struct {
		from Status
		ev   EventKind
		want bool
	}{
		{StatusRefunded, EventRefund, true},
		{StatusChargeback, EventChargeback, true},
		{StatusPaid, EventPaymentSucceeded, true},
		{StatusCredited, EventPaymentSucceeded, true},
		{StatusFailed, EventPaymentFailed, true},
		{StatusCanceled, EventPaymentCanceled, true},
		{StatusInit, EventRefund, false},
		{StatusRefunded, EventChargeback, false},
	}

	for _, c := range cases {
		if got := Redundant(c.from, c.ev); got != c.want {
			t.Errorf("Redundant(%s, %s) = %v, want %v", c.from, c.ev, got, c.want)
		}
	}
}
