package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/creditledger/internal/account"
	"github.com/onnwee/creditledger/internal/audit"
	"github.com/onnwee/creditledger/internal/idempotency"
	"github.com/onnwee/creditledger/internal/ledger"
	"github.com/onnwee/creditledger/internal/payment"
	"github.com/onnwee/creditledger/internal/provider"
)

// Engine is the PostgreSQL-backed credit engine. Every operation runs in a
// single transaction so the idempotency claim, the payment status, and the
// ledger always move together.
type Engine struct {
	db      *sql.DB
	logger  *slog.Logger
	metrics *Metrics
}

// NewEngine creates a credit engine. metrics may be nil.
func NewEngine(database *sql.DB, logger *slog.Logger, metrics *Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		db:      database,
		logger:  logger,
		metrics: metrics,
	}
}

// ProcessEvent implements Service.
//
// The whole flow is one transaction: claim the event, find or create the
// payment under its row lock, apply the state machine, and credit. A
// rollback on any error releases the claim, so a provider retry of a failed
// delivery gets a clean second attempt.
func (e *Engine) ProcessEvent(ctx context.Context, event *provider.Event) (*Outcome, error) {
	outcome, err := e.processEvent(ctx, event)
	if err != nil {
		e.metrics.recordEvent(event.Provider, "error")
		return nil, err
	}

	e.metrics.recordEvent(event.Provider, outcome.Result())
	return outcome, nil
}

func (e *Engine) processEvent(ctx context.Context, event *provider.Event) (*Outcome, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer e.rollback(tx)

	claimed, err := idempotency.ClaimTx(ctx, tx, event.Provider, event.ID, idempotency.HashPayload(event.Payload))
	if err != nil {
		return nil, err
	}
	if !claimed {
		e.logger.Info("skipping duplicate provider event",
			slog.String("provider", event.Provider),
			slog.String("event_id", event.ID))
		return &Outcome{Duplicate: true}, nil
	}

	// Events we do not act on still keep their claim so redeliveries stay
	// cheap. There is nothing to lose by re-claiming them: they never
	// mutate the ledger.
	if event.Kind == payment.EventUnknown {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return &Outcome{Ignored: true}, nil
	}
	if event.PaymentIntentID == "" && event.CheckoutSessionID == "" {
		e.logger.Warn("provider event carries no payment reference",
			slog.String("provider", event.Provider),
			slog.String("event_id", event.ID),
			slog.String("kind", string(event.Kind)))
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return &Outcome{Ignored: true}, nil
	}

	outcome := &Outcome{}

	pay, err := e.findOrCreatePayment(ctx, tx, event, outcome)
	if err != nil {
		return nil, err
	}

	next, ok := payment.Transition(pay.Status, event.Kind)
	if !ok {
		// A paid-but-uncredited payment re-observed as succeeded is the
		// repair path for purchases that initially lacked an account or
		// a price, not a plain replay.
		repairable := pay.Status == payment.StatusPaid && event.Kind == payment.EventPaymentSucceeded
		if !repairable {
			if !payment.Redundant(pay.Status, event.Kind) {
				e.logger.Warn("ignoring undefined payment transition",
					slog.String("payment_id", pay.ID),
					slog.String("status", string(pay.Status)),
					slog.String("kind", string(event.Kind)),
					slog.String("event_id", event.ID))
			}
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("failed to commit transaction: %w", err)
			}
			outcome.Ignored = true
			outcome.PaymentID = pay.ID
			outcome.Status = pay.Status
			return outcome, nil
		}
		next = payment.StatusPaid
	}

	pay.Status = next
	mergeEventData(pay, event)

	switch next {
	case payment.StatusPaid:
		if err := e.creditPayment(ctx, tx, pay, event, outcome); err != nil {
			return nil, err
		}
	case payment.StatusRefunded, payment.StatusChargeback:
		if err := e.reversePayment(ctx, tx, pay, event, outcome); err != nil {
			return nil, err
		}
	}

	if err := payment.UpdateTx(ctx, tx, pay); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	outcome.PaymentID = pay.ID
	outcome.Status = pay.Status
	if pay.AccountID != nil {
		outcome.AccountID = *pay.AccountID
	}

	e.metrics.recordGranted(outcome.CreditedDelta)
	e.logger.Info("processed provider event",
		slog.String("provider", event.Provider),
		slog.String("event_id", event.ID),
		slog.String("payment_id", pay.ID),
		slog.String("status", string(pay.Status)),
		slog.Int64("credited", outcome.CreditedDelta))

	return outcome, nil
}

// findOrCreatePayment locates the payment by its provider natural key,
// creating it on first contact. Existing payments missing an account get a
// resolution retry so later, richer events can backfill it.
func (e *Engine) findOrCreatePayment(ctx context.Context, tx *sql.Tx, event *provider.Event, outcome *Outcome) (*payment.Payment, error) {
	intentID := nullable(event.PaymentIntentID)
	sessionID := nullable(event.CheckoutSessionID)

	pay, err := payment.FindForUpdateTx(ctx, tx, event.Provider, intentID, sessionID)
	if err == nil {
		if pay.AccountID == nil && len(event.Identifiers) > 0 {
			if err := e.resolveAccount(ctx, tx, pay, event, outcome); err != nil {
				return nil, err
			}
			if err := payment.UpdateTx(ctx, tx, pay); err != nil {
				return nil, err
			}
		}
		return pay, nil
	}
	if !errors.Is(err, payment.ErrPaymentNotFound) {
		return nil, err
	}

	pay = &payment.Payment{
		Provider:                  event.Provider,
		ProviderPaymentIntentID:   intentID,
		ProviderCheckoutSessionID: sessionID,
		AmountCents:               event.AmountCents,
		Currency:                  event.Currency,
		ExpectedCredits:           event.Credits,
		Status:                    payment.StatusInit,
		RawProviderData:           event.Payload,
	}
	if err := e.resolveAccount(ctx, tx, pay, event, outcome); err != nil {
		return nil, err
	}
	if err := payment.InsertTx(ctx, tx, pay); err != nil {
		return nil, err
	}

	return pay, nil
}

// resolveAccount maps the event's identifiers onto an account. An event with
// no resolvable identity is not an error: the payment is kept without an
// account and the claim stands, so the sweeper can repair it once a richer
// observation arrives.
func (e *Engine) resolveAccount(ctx context.Context, tx *sql.Tx, pay *payment.Payment, event *provider.Event, outcome *Outcome) error {
	acct, _, err := account.ResolveTx(ctx, tx, event.Identifiers)
	if errors.Is(err, account.ErrUnresolved) {
		e.logger.Warn("could not resolve account for provider event",
			slog.String("provider", event.Provider),
			slog.String("event_id", event.ID))
		outcome.Unresolved = true
		return nil
	}
	if err != nil {
		return err
	}

	pay.AccountID = &acct.ID
	return nil
}

// creditPayment grants the purchased credits and moves the payment to its
// settled state. Runs inside the ingestion transaction, so the ledger append
// and the status change commit together. A payment without an account or a
// price stays paid-but-uncredited for the sweeper.
func (e *Engine) creditPayment(ctx context.Context, tx *sql.Tx, pay *payment.Payment, event *provider.Event, outcome *Outcome) error {
	if pay.AccountID == nil {
		outcome.Unresolved = true
		return nil
	}
	if pay.ExpectedCredits <= 0 {
		e.logger.Warn("payment has no credit amount, leaving uncredited",
			slog.String("payment_id", pay.ID))
		return nil
	}

	before, err := ledger.BalanceTx(ctx, tx, *pay.AccountID)
	if err != nil {
		return err
	}

	entry := &ledger.Entry{
		AccountID:     *pay.AccountID,
		Delta:         pay.ExpectedCredits,
		Reason:        ledger.ReasonPurchase,
		PaymentID:     &pay.ID,
		SourceEventID: nullable(event.ID),
	}
	if err := ledger.AppendTx(ctx, tx, entry); err != nil {
		return err
	}

	pay.Status = payment.StatusCredited
	outcome.CreditedDelta = pay.ExpectedCredits
	e.logger.Info("credited purchase",
		slog.String("account_id", *pay.AccountID),
		slog.String("payment_id", pay.ID),
		slog.Int64("credits", pay.ExpectedCredits),
		slog.Int64("balance_before", before),
		slog.Int64("balance_after", before+pay.ExpectedCredits))

	return nil
}

// reversePayment removes exactly the credits the payment granted. A payment
// that never granted anything reverses to nothing, and because the status is
// now terminal a second refund event is a redundant replay, so a payment can
// never be reversed twice or for more than it granted.
func (e *Engine) reversePayment(ctx context.Context, tx *sql.Tx, pay *payment.Payment, event *provider.Event, outcome *Outcome) error {
	if pay.AccountID == nil {
		return nil
	}

	granted, err := ledger.PurchaseCreditsTx(ctx, tx, pay.ID)
	if err != nil {
		return err
	}
	if granted <= 0 {
		return nil
	}

	reason := ledger.ReasonRefund
	if pay.Status == payment.StatusChargeback {
		reason = ledger.ReasonChargeback
	}

	entry := &ledger.Entry{
		AccountID:     *pay.AccountID,
		Delta:         -granted,
		Reason:        reason,
		PaymentID:     &pay.ID,
		SourceEventID: nullable(event.ID),
	}
	if err := ledger.AppendTx(ctx, tx, entry); err != nil {
		return err
	}

	outcome.CreditedDelta = -granted
	e.metrics.recordReversed(granted)
	e.logger.Info("reversed payment credits",
		slog.String("account_id", *pay.AccountID),
		slog.String("payment_id", pay.ID),
		slog.String("reason", string(reason)),
		slog.Int64("credits", granted))

	return nil
}

// Balance implements Service.
func (e *Engine) Balance(ctx context.Context, accountID string) (int64, error) {
	if _, err := account.GetTx(ctx, e.db, accountID); err != nil {
		return 0, err
	}
	return ledger.BalanceTx(ctx, e.db, accountID)
}

// Debit implements Service. The account row lock serializes the balance
// check with concurrent debits, so two spends racing for the same credits
// cannot both pass the check. The returned balance is the one the locked
// transaction observed, not a re-read.
func (e *Engine) Debit(ctx context.Context, req DebitRequest) (*ledger.Entry, int64, error) {
	if req.Amount <= 0 {
		return nil, 0, ledger.ErrZeroDelta
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer e.rollback(tx)

	if err := account.LockTx(ctx, tx, req.AccountID); err != nil {
		return nil, 0, err
	}

	balance, err := ledger.BalanceTx(ctx, tx, req.AccountID)
	if err != nil {
		return nil, 0, err
	}
	if balance < req.Amount {
		e.metrics.recordDebitRejected()
		return nil, 0, fmt.Errorf("%w: balance %d, requested %d", ledger.ErrInsufficientCredits, balance, req.Amount)
	}

	entry := &ledger.Entry{
		AccountID: req.AccountID,
		Delta:     -req.Amount,
		Reason:    ledger.ReasonUsage,
		Reference: nullable(req.Reference),
	}
	if err := ledger.AppendTx(ctx, tx, entry); err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	e.logger.Info("debited account",
		slog.String("account_id", req.AccountID),
		slog.Int64("amount", req.Amount),
		slog.Int64("balance_after", balance-req.Amount))

	return entry, balance - req.Amount, nil
}

// AdminAdjust implements Service. The admin action and the ledger entry are
// written in the same transaction; neither exists without the other.
func (e *Engine) AdminAdjust(ctx context.Context, req AdjustRequest) (*ledger.Entry, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer e.rollback(tx)

	if err := account.LockTx(ctx, tx, req.TargetAccountID); err != nil {
		return nil, err
	}

	balance, err := ledger.BalanceTx(ctx, tx, req.TargetAccountID)
	if err != nil {
		return nil, err
	}
	if req.Delta < 0 && balance+req.Delta < 0 && !req.AllowNegative {
		return nil, fmt.Errorf("%w: balance %d, adjustment %d", ledger.ErrInsufficientCredits, balance, req.Delta)
	}

	action := &audit.AdminAction{
		ActorAccountID:  req.ActorAccountID,
		TargetAccountID: req.TargetAccountID,
		Delta:           req.Delta,
		Comment:         req.Comment,
	}
	if err := audit.InsertTx(ctx, tx, action); err != nil {
		return nil, err
	}

	entry := &ledger.Entry{
		AccountID: req.TargetAccountID,
		Delta:     req.Delta,
		Reason:    ledger.ReasonAdminAdjust,
		Reference: &action.ID,
	}
	if err := ledger.AppendTx(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	e.logger.Info("applied admin adjustment",
		slog.String("actor_account_id", req.ActorAccountID),
		slog.String("target_account_id", req.TargetAccountID),
		slog.Int64("delta", req.Delta),
		slog.Int64("balance_after", balance+req.Delta))

	return entry, nil
}

// History implements Service.
func (e *Engine) History(ctx context.Context, accountID string, limit, offset int) ([]*ledger.Entry, error) {
	if _, err := account.GetTx(ctx, e.db, accountID); err != nil {
		return nil, err
	}
	return ledger.EntriesTx(ctx, e.db, accountID, limit, offset)
}

// ListActions implements Service.
func (e *Engine) ListActions(ctx context.Context, targetAccountID string, limit int) ([]*audit.AdminAction, error) {
	return audit.ListTx(ctx, e.db, targetAccountID, limit)
}

// StalePayments implements Service.
func (e *Engine) StalePayments(ctx context.Context, cutoff time.Time, limit int) ([]*payment.Payment, error) {
	return payment.ListStaleTx(ctx, e.db, cutoff, limit)
}

// Anonymize implements Service.
func (e *Engine) Anonymize(ctx context.Context, accountID string) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer e.rollback(tx)

	if err := account.AnonymizeTx(ctx, tx, accountID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	e.logger.Info("anonymized account", slog.String("account_id", accountID))
	return nil
}

func (e *Engine) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

func (e *Engine) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		e.logger.Error("failed to rollback transaction", slog.String("error", err.Error()))
	}
}

// mergeEventData backfills payment fields the event knows and the stored row
// does not. Established values are never overwritten.
func mergeEventData(pay *payment.Payment, event *provider.Event) {
	if pay.ProviderPaymentIntentID == nil && event.PaymentIntentID != "" {
		pay.ProviderPaymentIntentID = &event.PaymentIntentID
	}
	if pay.ProviderCheckoutSessionID == nil && event.CheckoutSessionID != "" {
		pay.ProviderCheckoutSessionID = &event.CheckoutSessionID
	}
	if pay.AmountCents == 0 && event.AmountCents != 0 {
		pay.AmountCents = event.AmountCents
	}
	if pay.Currency == "" && event.Currency != "" {
		pay.Currency = event.Currency
	}
	if pay.ExpectedCredits == 0 && event.Credits > 0 {
		pay.ExpectedCredits = event.Credits
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
