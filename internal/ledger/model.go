// Package ledger provides the append-only credit ledger. Every balance
// change in the system is a signed ledger entry; an account's balance is the
// sum of its entries and is never stored as independent state.
package ledger

import (
	"errors"
	"time"
)

// Reason classifies why a ledger entry was written.
type Reason string

const (
	ReasonPurchase    Reason = "purchase"
	ReasonUsage       Reason = "usage"
	ReasonAdminAdjust Reason = "admin_adjust"
	ReasonRefund      Reason = "refund"
	ReasonChargeback  Reason = "chargeback"
	ReasonTransfer    Reason = "transfer"
)

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool {
	switch r {
	case ReasonPurchase, ReasonUsage, ReasonAdminAdjust, ReasonRefund, ReasonChargeback, ReasonTransfer:
		return true
	}
	return false
}

var (
	// ErrInsufficientCredits is returned when a debit would drive the
	// balance negative.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrInvalidReason is returned when an entry carries an unknown reason.
	ErrInvalidReason = errors.New("invalid ledger entry reason")

	// ErrZeroDelta is returned when an entry carries a zero delta.
	ErrZeroDelta = errors.New("ledger entry delta must be non-zero")
)

// Entry is one immutable row of the ledger. Once written it is never
// updated or deleted.
type Entry struct {
	ID            string    `json:"id"`
	AccountID     string    `json:"account_id"`
	Delta         int64     `json:"delta"`
	Reason        Reason    `json:"reason"`
	PaymentID     *string   `json:"payment_id,omitempty"`
	SourceEventID *string   `json:"source_event_id,omitempty"`
	Reference     *string   `json:"reference,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Validate checks entry invariants that hold regardless of storage backend.
func (e *Entry) Validate() error {
	if !e.Reason.Valid() {
		return ErrInvalidReason
	}
	if e.Delta == 0 {
		return ErrZeroDelta
	}
	return nil
}
