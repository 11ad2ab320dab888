// Package payment provides the per-payment lifecycle record and its state
// machine. A payment is created the first time a provider event references
// it and is mutated only by the ingestion pipeline or reconciliation.
package payment

import (
	"errors"
	"time"
)

// Status is the payment lifecycle state.
type Status string

const (
	StatusInit       Status = "init"
	StatusPaid       Status = "paid"
	StatusCredited   Status = "credited"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
	StatusRefunded   Status = "refunded"
	StatusChargeback Status = "chargeback"
)

// Terminal reports whether no transition is defined out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusFailed, StatusCanceled, StatusRefunded, StatusChargeback:
		return true
	}
	return false
}

// EventKind is the normalized provider observation applied to a payment.
type EventKind string

const (
	EventPaymentSucceeded EventKind = "payment_succeeded"
	EventPaymentFailed    EventKind = "payment_failed"
	EventPaymentCanceled  EventKind = "payment_canceled"
	EventRefund           EventKind = "refund"
	EventChargeback       EventKind = "chargeback"
	EventUnknown          EventKind = "unknown"
)

// ErrPaymentNotFound is returned when a payment record is not found.
var ErrPaymentNotFound = errors.New("payment not found")

// Payment represents one provider-side payment attempt.
type Payment struct {
	ID                        string    `json:"id"`
	AccountID                 *string   `json:"account_id,omitempty"`
	Provider                  string    `json:"provider"`
	ProviderPaymentIntentID   *string   `json:"provider_payment_intent_id,omitempty"`
	ProviderCheckoutSessionID *string   `json:"provider_checkout_session_id,omitempty"`
	AmountCents               int64     `json:"amount_cents"`
	Currency                  string    `json:"currency"`
	ExpectedCredits           int64     `json:"expected_credits"`
	Status                    Status    `json:"status"`
	RawProviderData           []byte    `json:"-"`
	CreatedAt                 time.Time `json:"created_at"`
	UpdatedAt                 time.Time `json:"updated_at"`
}

// Transition returns the state an observation moves a payment into, and
// whether that edge is defined. Undefined edges must be ignored by callers;
// unknown provider states never mutate the ledger.
//
// The paid->credited edge is not listed here: crediting is the engine's own
// step, taken after a successful payment observation, so the ledger append
// and the status change commit together.
func Transition(from Status, ev EventKind) (Status, bool) {
	switch ev {
	case EventPaymentSucceeded:
		if from == StatusInit {
			return StatusPaid, true
		}
	case EventPaymentFailed:
		if from == StatusInit {
			return StatusFailed, true
		}
	case EventPaymentCanceled:
		if from == StatusInit {
			return StatusCanceled, true
		}
	case EventRefund:
		if from == StatusPaid || from == StatusCredited {
			return StatusRefunded, true
		}
	case EventChargeback:
		if from == StatusPaid || from == StatusCredited {
			return StatusChargeback, true
		}
	}
	return from, false
}

// Redundant reports whether ev re-observes the state a payment is already
// in, meaning a replay that must be treated as a successful no-op rather
// than an unknown transition.
func Redundant(from Status, ev EventKind) bool {
	switch ev {
	case EventPaymentSucceeded:
		return from == StatusPaid || from == StatusCredited
	case EventPaymentFailed:
		return from == StatusFailed
	case EventPaymentCanceled:
		return from == StatusCanceled
	case EventRefund:
		return from == StatusRefunded
	case EventChargeback:
		return from == StatusChargeback
	}
	return false
}
