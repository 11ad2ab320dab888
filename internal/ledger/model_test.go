package ledger

import (
	"testing"
)

// TestEntryValidate_KnownReasons tests that all known reasons validate.
func TestEntryValidate_KnownReasons(t *testing.T) {
	reasons := []Reason{
		ReasonPurchase,
		ReasonUsage,
		ReasonAdminAdjust,
		ReasonRefund,
		ReasonChargeback,
		ReasonTransfer,
	}

	for _, reason := range reasons {
		e := &Entry{AccountID: "acct-1", Delta: 10, Reason: reason}
		if err := e.Validate(); err != nil {
			t.Errorf("expected reason %q to validate, got %v", reason, err)
		}
	}
}

// TestEntryValidate_UnknownReason tests that an unknown reason is rejected.
func TestEntryValidate_UnknownReason(t *testing.T) {
	e := &Entry{AccountID: "acct-1", Delta: 10, Reason: Reason("bonus")}
	if err := e.Validate(); err != ErrInvalidReason {
		t.Errorf("expected ErrInvalidReason, got %v", err)
	}
}

// TestEntryValidate_ZeroDelta tests that zero-delta entries are rejected.
func TestEntryValidate_ZeroDelta(t *testing.T) {
	e := &Entry{AccountID: "acct-1", Delta: 0, Reason: ReasonUsage}
	if err := e.Validate(); err != ErrZeroDelta {
		t.Errorf("expected ErrZeroDelta, got %v", err)
	}
}
