package provider

import (
	"context"
	"sync"

	"github.com/onnwee/creditledger/internal/payment"
)

// Fake is an in-memory Provider for tests. Webhook verification accepts any
// payload whose signature matches the configured secret, and status fetches
// are served from a scripted table keyed by payment id.
type Fake struct {
	mu       sync.Mutex
	secret   string
	events   map[string]*Event
	statuses map[string]*Event
	statErr  map[string]error
	fetches  int
}

// NewFake creates a fake provider that accepts signature as valid.
func NewFake(secret string) *Fake {
	return &Fake{
		secret:   secret,
		events:   make(map[string]*Event),
		statuses: make(map[string]*Event),
		statErr:  make(map[string]error),
	}
}

// Name implements Provider.
func (f *Fake) Name() string { return "fake" }

// AddEvent registers the event returned for a payload key.
func (f *Fake) AddEvent(payloadKey string, event *Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[payloadKey] = event
}

// SetStatus scripts the FetchStatus result for a payment id.
func (f *Fake) SetStatus(paymentID string, event *Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[paymentID] = event
}

// SetStatusError scripts a FetchStatus failure for a payment id.
func (f *Fake) SetStatusError(paymentID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statErr[paymentID] = err
}

// Fetches returns how many status fetches have been made.
func (f *Fake) Fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

// VerifyWebhook implements Provider.
func (f *Fake) VerifyWebhook(payload []byte, signatureHeader string) (*Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if signatureHeader != f.secret {
		return nil, ErrInvalidSignature
	}
	if event, ok := f.events[string(payload)]; ok {
		return event, nil
	}
	return nil, ErrMalformedPayload
}

// FetchStatus implements Provider.
func (f *Fake) FetchStatus(_ context.Context, p *payment.Payment) (*Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetches++
	if err, ok := f.statErr[p.ID]; ok {
		return nil, err
	}
	return f.statuses[p.ID], nil
}
