// Package provider abstracts the payment provider: webhook verification and
// parsing on the inbound path, and status fetches for reconciliation. The
// rest of the system only ever sees normalized events.
package provider

import (
	"context"
	"errors"

	"github.com/onnwee/creditledger/internal/account"
	"github.com/onnwee/creditledger/internal/payment"
)

var (
	// ErrInvalidSignature is returned when a webhook payload fails
	// signature verification. Nothing is written to the database.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrMalformedPayload is returned when a verified payload cannot be
	// parsed into a usable event.
	ErrMalformedPayload = errors.New("malformed webhook payload")

	// ErrUnavailable is returned when the provider cannot be reached. The
	// caller skips the affected payment and retries on the next cycle.
	ErrUnavailable = errors.New("payment provider unavailable")
)

// Event is a provider observation normalized for the credit engine.
type Event struct {
	Provider          string
	ID                string
	Kind              payment.EventKind
	PaymentIntentID   string
	CheckoutSessionID string
	AmountCents       int64
	Currency          string
	Credits           int64
	Identifiers       []account.Identifier
	Payload           []byte
}

// Provider is the contract a payment provider integration fulfills.
type Provider interface {
	// Name identifies the provider in idempotency records and payments.
	Name() string

	// VerifyWebhook checks the payload signature and parses the event.
	// Returns ErrInvalidSignature or ErrMalformedPayload on rejection;
	// unrecognized-but-valid events come back with Kind EventUnknown.
	VerifyWebhook(payload []byte, signatureHeader string) (*Event, error)

	// FetchStatus queries the provider's source of truth for a payment
	// and returns the equivalent normalized event, or nil when the
	// provider-side state implies no local action. Callers must pass a
	// context with a deadline; this runs before any lock is taken.
	FetchStatus(ctx context.Context, p *payment.Payment) (*Event, error)
}
