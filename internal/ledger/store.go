package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/creditledger/internal/db"
)

// AppendTx inserts a ledger entry using the given querier. Callers that need
// atomicity with other writes pass their open *sql.Tx; the entry is the only
// mutation primitive the ledger exposes.
func AppendTx(ctx context.Context, q db.Querier, e *Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, delta, reason, payment_id, source_event_id, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.AccountID, e.Delta, string(e.Reason), e.PaymentID, e.SourceEventID, e.Reference, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}

	return nil
}

// BalanceTx returns the current balance for an account as the sum of its
// entries. Inside a transaction that holds the account row lock this is the
// authoritative balance.
func BalanceTx(ctx context.Context, q db.Querier, accountID string) (int64, error) {
	var balance int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE account_id = $1
	`, accountID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to compute balance: %w", err)
	}
	return balance, nil
}

// PurchaseCreditsTx returns the total credits granted to a payment via
// purchase entries. Refund and chargeback reversals are capped at this value
// so a payment can never be reversed for more than it granted.
func PurchaseCreditsTx(ctx context.Context, q db.Querier, paymentID string) (int64, error) {
	var granted int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delta), 0) FROM ledger_entries
		WHERE payment_id = $1 AND reason = $2
	`, paymentID, string(ReasonPurchase)).Scan(&granted)
	if err != nil {
		return 0, fmt.Errorf("failed to compute purchase credits: %w", err)
	}
	return granted, nil
}

// EntriesTx lists an account's ledger entries, newest first.
func EntriesTx(ctx context.Context, q db.Querier, accountID string, limit, offset int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, account_id, delta, reason, payment_id, source_event_id, reference, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var reason string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Delta, &reason, &e.PaymentID, &e.SourceEventID, &e.Reference, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Reason = Reason(reason)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledger entries: %w", err)
	}

	return entries, nil
}
