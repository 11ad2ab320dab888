package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/creditledger/internal/db"
)

const paymentColumns = `id, account_id, provider, provider_payment_intent_id, provider_checkout_session_id,
	amount_cents, currency, expected_credits, status, raw_provider_data, created_at, updated_at`

// FindForUpdateTx looks a payment up by its provider natural key (payment
// intent id first, then checkout session id) and acquires the per-payment
// row lock. Returns ErrPaymentNotFound when no row matches.
func FindForUpdateTx(ctx context.Context, q db.Querier, provider string, intentID, sessionID *string) (*Payment, error) {
	if intentID != nil && *intentID != "" {
		p, err := scanOne(q.QueryRowContext(ctx, `
			SELECT `+paymentColumns+` FROM payments
			WHERE provider = $1 AND provider_payment_intent_id = $2
			FOR UPDATE
		`, provider, *intentID))
		if err == nil || !errors.Is(err, ErrPaymentNotFound) {
			return p, err
		}
	}

	if sessionID != nil && *sessionID != "" {
		return scanOne(q.QueryRowContext(ctx, `
			SELECT `+paymentColumns+` FROM payments
			WHERE provider = $1 AND provider_checkout_session_id = $2
			FOR UPDATE
		`, provider, *sessionID))
	}

	return nil, ErrPaymentNotFound
}

// GetForUpdateTx retrieves a payment by id with the row lock held.
func GetForUpdateTx(ctx context.Context, q db.Querier, id string) (*Payment, error) {
	return scanOne(q.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE
	`, id))
}

// InsertTx creates a payment row in its entry state.
func InsertTx(ctx context.Context, q db.Querier, p *Payment) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = StatusInit
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := q.ExecContext(ctx, `
		INSERT INTO payments (id, account_id, provider, provider_payment_intent_id, provider_checkout_session_id,
			amount_cents, currency, expected_credits, status, raw_provider_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, p.ID, p.AccountID, p.Provider, p.ProviderPaymentIntentID, p.ProviderCheckoutSessionID,
		p.AmountCents, p.Currency, p.ExpectedCredits, string(p.Status), p.RawProviderData, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}

	return nil
}

// UpdateTx persists mutable payment fields. The status CHECK constraint and
// the callers' row locks keep concurrent updates serialized.
func UpdateTx(ctx context.Context, q db.Querier, p *Payment) error {
	p.UpdatedAt = time.Now().UTC()
	res, err := q.ExecContext(ctx, `
		UPDATE payments
		SET account_id = $1,
		    provider_payment_intent_id = $2,
		    provider_checkout_session_id = $3,
		    amount_cents = $4,
		    currency = $5,
		    expected_credits = $6,
		    status = $7,
		    raw_provider_data = $8,
		    updated_at = $9
		WHERE id = $10
	`, p.AccountID, p.ProviderPaymentIntentID, p.ProviderCheckoutSessionID,
		p.AmountCents, p.Currency, p.ExpectedCredits, string(p.Status), p.RawProviderData, p.UpdatedAt, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPaymentNotFound
	}

	return nil
}

// ListStaleTx returns payments stuck in non-settled states older than
// cutoff, oldest first, for the reconciliation sweeper. No locks are taken;
// the sweeper locks each payment individually when it applies a repair.
func ListStaleTx(ctx context.Context, q db.Querier, cutoff time.Time, limit int) ([]*Payment, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := q.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status IN ($1, $2) AND created_at < $3
		ORDER BY created_at ASC
		LIMIT $4
	`, string(StatusInit), string(StatusPaid), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale payments: %w", err)
	}
	defer rows.Close()

	var payments []*Payment
	for rows.Next() {
		p, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stale payments: %w", err)
	}

	return payments, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOne(row *sql.Row) (*Payment, error) {
	p, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return p, err
}

func scanRow(row rowScanner) (*Payment, error) {
	var p Payment
	var status string
	err := row.Scan(&p.ID, &p.AccountID, &p.Provider, &p.ProviderPaymentIntentID, &p.ProviderCheckoutSessionID,
		&p.AmountCents, &p.Currency, &p.ExpectedCredits, &status, &p.RawProviderData, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan payment: %w", err)
	}
	p.Status = Status(status)
	return &p, nil
}
