package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
	"github.com/stripe/stripe-go/v81/paymentintent"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/onnwee/creditledger/internal/account"
	"github.com/onnwee/creditledger/internal/payment"
	"github.com/onnwee/creditledger/internal/validate"
)

// StripeProviderName is the provider tag recorded on payments and
// processed-event rows originating from Stripe.
const StripeProviderName = "stripe"

// StripeProvider verifies and normalizes Stripe webhook events and fetches
// payment state for reconciliation.
type StripeProvider struct {
	webhookSecret string
	prices        PriceTable
	logger        *slog.Logger
}

// NewStripeProvider creates a Stripe provider. Setting the API key here
// configures the package-level Stripe client used by status fetches.
func NewStripeProvider(apiKey, webhookSecret string, prices PriceTable, logger *slog.Logger) *StripeProvider {
	stripe.Key = apiKey
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeProvider{
		webhookSecret: webhookSecret,
		prices:        prices,
		logger:        logger,
	}
}

// Name implements Provider.
func (p *StripeProvider) Name() string {
	return StripeProviderName
}

// VerifyWebhook implements Provider. The signature check runs before any
// parsing so forged payloads are rejected without side effects.
func (p *StripeProvider) VerifyWebhook(payload []byte, signatureHeader string) (*Event, error) {
	stripeEvent, err := webhook.ConstructEvent(payload, signatureHeader, p.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	event := &Event{
		Provider: StripeProviderName,
		ID:       stripeEvent.ID,
		Kind:     kindForEventType(string(stripeEvent.Type)),
		Payload:  payload,
	}

	switch string(stripeEvent.Type) {
	case "checkout.session.completed",
		"checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(stripeEvent.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("%w: checkout session: %v", ErrMalformedPayload, err)
		}
		p.fillFromSession(event, &sess)

		// A completed session with a delayed payment method is not paid
		// yet; the async_payment_succeeded event follows later.
		if string(stripeEvent.Type) == "checkout.session.completed" && sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			event.Kind = payment.EventUnknown
		}

	case "payment_intent.succeeded",
		"payment_intent.payment_failed",
		"payment_intent.canceled":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(stripeEvent.Data.Raw, &intent); err != nil {
			return nil, fmt.Errorf("%w: payment intent: %v", ErrMalformedPayload, err)
		}
		p.fillFromIntent(event, &intent)

	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(stripeEvent.Data.Raw, &charge); err != nil {
			return nil, fmt.Errorf("%w: charge: %v", ErrMalformedPayload, err)
		}
		p.fillFromCharge(event, &charge)

	case "charge.dispute.created":
		var dispute stripe.Dispute
		if err := json.Unmarshal(stripeEvent.Data.Raw, &dispute); err != nil {
			return nil, fmt.Errorf("%w: dispute: %v", ErrMalformedPayload, err)
		}
		event.AmountCents = dispute.Amount
		event.Currency = string(dispute.Currency)
		if dispute.PaymentIntent != nil {
			event.PaymentIntentID = dispute.PaymentIntent.ID
		}

	default:
		p.logger.Debug("ignoring unhandled stripe event type",
			slog.String("event_id", stripeEvent.ID),
			slog.String("event_type", string(stripeEvent.Type)))
	}

	return event, nil
}

// FetchStatus implements Provider. It queries Stripe for the payment's
// current state and synthesizes the event a webhook for that state would
// have carried. Returns nil when the provider-side state needs no local
// action (still pending).
func (p *StripeProvider) FetchStatus(ctx context.Context, pay *payment.Payment) (*Event, error) {
	if pay.ProviderPaymentIntentID != nil && *pay.ProviderPaymentIntentID != "" {
		return p.fetchIntentStatus(ctx, pay, *pay.ProviderPaymentIntentID)
	}
	if pay.ProviderCheckoutSessionID != nil && *pay.ProviderCheckoutSessionID != "" {
		return p.fetchSessionStatus(ctx, pay, *pay.ProviderCheckoutSessionID)
	}
	return nil, fmt.Errorf("%w: payment %s has no provider reference", ErrMalformedPayload, pay.ID)
}

func (p *StripeProvider) fetchIntentStatus(ctx context.Context, pay *payment.Payment, intentID string) (*Event, error) {
	intent, err := paymentintent.Get(intentID, &stripe.PaymentIntentParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: fetch payment intent %s: %v", ErrUnavailable, intentID, err)
	}

	var kind payment.EventKind
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		kind = payment.EventPaymentSucceeded
	case stripe.PaymentIntentStatusCanceled:
		kind = payment.EventPaymentCanceled
	default:
		// Still in flight on Stripe's side; nothing to repair yet.
		return nil, nil
	}

	event := &Event{
		Provider: StripeProviderName,
		ID:       reconEventID(pay.ID, string(intent.Status)),
		Kind:     kind,
	}
	p.fillFromIntent(event, intent)
	return event, nil
}

func (p *StripeProvider) fetchSessionStatus(ctx context.Context, pay *payment.Payment, sessionID string) (*Event, error) {
	sess, err := session.Get(sessionID, &stripe.CheckoutSessionParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: fetch checkout session %s: %v", ErrUnavailable, sessionID, err)
	}

	var kind payment.EventKind
	switch {
	case sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		kind = payment.EventPaymentSucceeded
	case sess.Status == stripe.CheckoutSessionStatusExpired:
		kind = payment.EventPaymentCanceled
	default:
		return nil, nil
	}

	event := &Event{
		Provider: StripeProviderName,
		ID:       reconEventID(pay.ID, string(sess.PaymentStatus)),
		Kind:     kind,
	}
	p.fillFromSession(event, sess)
	return event, nil
}

func (p *StripeProvider) fillFromSession(event *Event, sess *stripe.CheckoutSession) {
	event.CheckoutSessionID = sess.ID
	event.AmountCents = sess.AmountTotal
	event.Currency = string(sess.Currency)
	event.Credits = p.prices.CreditsFor(sess.Metadata["price_id"], sess.Metadata)
	if sess.PaymentIntent != nil {
		event.PaymentIntentID = sess.PaymentIntent.ID
	}

	email := sess.CustomerEmail
	if sess.CustomerDetails != nil && sess.CustomerDetails.Email != "" {
		email = sess.CustomerDetails.Email
	}
	event.Identifiers = buildIdentifiers(customerID(sess.Customer), sess.Metadata["account_ref"], email)
}

func (p *StripeProvider) fillFromIntent(event *Event, intent *stripe.PaymentIntent) {
	event.PaymentIntentID = intent.ID
	event.AmountCents = intent.Amount
	event.Currency = string(intent.Currency)
	event.Credits = p.prices.CreditsFor(intent.Metadata["price_id"], intent.Metadata)
	event.Identifiers = buildIdentifiers(customerID(intent.Customer), intent.Metadata["account_ref"], intent.ReceiptEmail)
}

func (p *StripeProvider) fillFromCharge(event *Event, charge *stripe.Charge) {
	event.AmountCents = charge.AmountRefunded
	event.Currency = string(charge.Currency)
	if charge.PaymentIntent != nil {
		event.PaymentIntentID = charge.PaymentIntent.ID
	}

	var email string
	if charge.BillingDetails != nil {
		email = charge.BillingDetails.Email
	}
	event.Identifiers = buildIdentifiers(customerID(charge.Customer), charge.Metadata["account_ref"], email)
}

// kindForEventType maps a Stripe event type to the normalized event kind.
// Session-level success is refined by payment status in VerifyWebhook.
func kindForEventType(eventType string) payment.EventKind {
	switch eventType {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded", "payment_intent.succeeded":
		return payment.EventPaymentSucceeded
	case "checkout.session.async_payment_failed", "payment_intent.payment_failed":
		return payment.EventPaymentFailed
	case "payment_intent.canceled":
		return payment.EventPaymentCanceled
	case "charge.refunded":
		return payment.EventRefund
	case "charge.dispute.created":
		return payment.EventChargeback
	default:
		return payment.EventUnknown
	}
}

// reconEventID builds a deterministic event id for a state observed by
// polling rather than by webhook, so re-observing the same state on a later
// sweep deduplicates exactly like a redelivered webhook would.
func reconEventID(paymentID, state string) string {
	return fmt.Sprintf("recon:%s:%s", paymentID, state)
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func buildIdentifiers(providerCustomerID, accountRef, email string) []account.Identifier {
	var ids []account.Identifier
	if providerCustomerID != "" {
		ids = append(ids, account.Identifier{Kind: account.KindProviderCustomer, Value: providerCustomerID})
	}
	if accountRef != "" {
		// Metadata is caller-controlled; only a well-formed ref becomes an identity.
		if ref, err := validate.AccountRef(accountRef); err == nil {
			ids = append(ids, account.Identifier{Kind: account.KindAccountRef, Value: ref})
		}
	}
	if email != "" {
		// Provider-supplied emails vary in casing. Normalizing here keeps
		// one customer from splitting into two accounts; a malformed email
		// cannot resolve an account and is dropped.
		if normalized, err := validate.Email(email); err == nil {
			ids = append(ids, account.Identifier{Kind: account.KindEmail, Value: normalized})
		}
	}
	return ids
}
