// Package credit implements the credit engine: the single component allowed
// to turn provider observations, debits, and admin adjustments into ledger
// entries. All multi-step flows commit atomically or not at all.
package credit

import (
	"context"
	"time"

	"github.com/onnwee/creditledger/internal/audit"
	"github.com/onnwee/creditledger/internal/ledger"
	"github.com/onnwee/creditledger/internal/payment"
	"github.com/onnwee/creditledger/internal/provider"
)

// Outcome describes what processing one provider event did.
type Outcome struct {
	// Duplicate is set when the event had already been processed; nothing
	// was changed.
	Duplicate bool

	// Ignored is set when the event was recorded as processed but implied
	// no state change (unknown kind, redundant replay, undefined edge).
	Ignored bool

	// Unresolved is set when the event could not be mapped to an account.
	// The payment is stored without one and repaired by a later sweep.
	Unresolved bool

	AccountID     string
	PaymentID     string
	Status        payment.Status
	CreditedDelta int64
}

// Result returns a short label for logs and metrics.
func (o *Outcome) Result() string {
	switch {
	case o.Duplicate:
		return "duplicate"
	case o.Unresolved:
		return "unresolved"
	case o.Ignored:
		return "ignored"
	case o.CreditedDelta > 0:
		return "credited"
	default:
		return "applied"
	}
}

// DebitRequest consumes credits from an account.
type DebitRequest struct {
	AccountID string
	// Amount is the positive number of credits to consume.
	Amount int64
	// Reference ties the debit to the caller's operation.
	Reference string
}

// AdjustRequest is a manual balance change by an operator.
type AdjustRequest struct {
	ActorAccountID  string
	TargetAccountID string
	Delta           int64
	Comment         string
	// AllowNegative permits the adjustment to take the balance below zero.
	AllowNegative bool
}

// Service is the credit engine contract the API and the sweeper depend on.
type Service interface {
	// ProcessEvent applies one normalized provider event. Duplicates and
	// unknown observations are safe no-ops reported via the Outcome.
	ProcessEvent(ctx context.Context, event *provider.Event) (*Outcome, error)

	// Balance returns the account's current balance.
	Balance(ctx context.Context, accountID string) (int64, error)

	// Debit atomically checks the balance and consumes credits, returning
	// the entry and the resulting balance as observed inside the same
	// transaction. Returns ledger.ErrInsufficientCredits without writing
	// when the balance is too low.
	Debit(ctx context.Context, req DebitRequest) (*ledger.Entry, int64, error)

	// AdminAdjust applies a manual adjustment, recording the admin action
	// and the ledger entry together.
	AdminAdjust(ctx context.Context, req AdjustRequest) (*ledger.Entry, error)

	// History lists an account's ledger entries, newest first.
	History(ctx context.Context, accountID string, limit, offset int) ([]*ledger.Entry, error)

	// ListActions lists admin actions, newest first, optionally filtered
	// to one target account.
	ListActions(ctx context.Context, targetAccountID string, limit int) ([]*audit.AdminAction, error)

	// StalePayments lists payments stuck in non-settled states older than
	// cutoff, oldest first.
	StalePayments(ctx context.Context, cutoff time.Time, limit int) ([]*payment.Payment, error)

	// Anonymize scrubs an account's external identity mappings while
	// preserving its ledger history.
	Anonymize(ctx context.Context, accountID string) error
}
