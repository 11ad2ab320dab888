package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/creditledger/internal/db"
)

// ResolveTx maps candidate identifiers to exactly one account, trying each
// candidate in the fixed priority order and creating a new account only when
// nothing matches. All side effects happen through q, so a resolve inside an
// ingestion transaction is atomic with the rest of the ingestion step.
//
// Returns the account and whether it was newly created.
func ResolveTx(ctx context.Context, q db.Querier, ids []Identifier) (*Account, bool, error) {
	candidates := CandidateOrder(ids)
	if len(candidates) == 0 {
		return nil, false, ErrUnresolved
	}

	for _, c := range candidates {
		var accountID string
		err := q.QueryRowContext(ctx, `
			SELECT account_id FROM account_identities WHERE kind = $1 AND value = $2
		`, string(c.Kind), c.Value).Scan(&accountID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to look up identity %s: %w", c.Kind, err)
		}

		acct, err := GetTx(ctx, q, accountID)
		if err != nil {
			return nil, false, err
		}

		// Attach any identifiers the matched account does not have yet so
		// later events can match on more fields.
		if err := attachIdentitiesTx(ctx, q, accountID, candidates); err != nil {
			return nil, false, err
		}
		return acct, false, nil
	}

	// Last resort: create a new account with whatever identifiers we have.
	acct, err := createTx(ctx, q)
	if err != nil {
		return nil, false, err
	}
	if err := attachIdentitiesTx(ctx, q, acct.ID, candidates); err != nil {
		return nil, false, err
	}

	slog.InfoContext(ctx, "created account from provider event",
		slog.String("account_id", acct.ID),
		slog.Int("identifiers", len(candidates)))

	return acct, true, nil
}

// GetTx retrieves an account by id. Returns ErrAccountNotFound if absent.
func GetTx(ctx context.Context, q db.Querier, id string) (*Account, error) {
	var a Account
	err := q.QueryRowContext(ctx, `
		SELECT id, status, created_at, updated_at FROM accounts WHERE id = $1
	`, id).Scan(&a.ID, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &a, nil
}

// LockTx acquires the per-account row lock used to serialize balance checks
// with concurrent debits. Returns ErrAccountNotFound if the account does not
// exist.
func LockTx(ctx context.Context, q db.Querier, id string) error {
	var locked string
	err := q.QueryRowContext(ctx, `
		SELECT id FROM accounts WHERE id = $1 FOR UPDATE
	`, id).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock account: %w", err)
	}
	return nil
}

// AnonymizeTx scrubs an account's external identity mappings and marks it
// anonymized. The ledger history stays intact; only the mapping to a real
// person is removed.
func AnonymizeTx(ctx context.Context, q db.Querier, id string) error {
	if _, err := GetTx(ctx, q, id); err != nil {
		return err
	}

	if _, err := q.ExecContext(ctx, `
		DELETE FROM account_identities WHERE account_id = $1
	`, id); err != nil {
		return fmt.Errorf("failed to delete account identities: %w", err)
	}

	if _, err := q.ExecContext(ctx, `
		UPDATE accounts SET status = $1, updated_at = NOW() WHERE id = $2
	`, StatusAnonymized, id); err != nil {
		return fmt.Errorf("failed to anonymize account: %w", err)
	}

	return nil
}

// createTx inserts a new active account.
func createTx(ctx context.Context, q db.Querier) (*Account, error) {
	now := time.Now().UTC()
	a := &Account{
		ID:        uuid.New().String(),
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO accounts (id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
	`, a.ID, a.Status, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	return a, nil
}

// attachIdentitiesTx attaches identifiers to an account. Identities already
// claimed (by this or any other account) are left untouched; the unique
// constraint on (kind, value) keeps mappings unique across accounts.
func attachIdentitiesTx(ctx context.Context, q db.Querier, accountID string, ids []Identifier) error {
	for _, c := range ids {
		_, err := q.ExecContext(ctx, `
			INSERT INTO account_identities (id, account_id, kind, value)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (kind, value) DO NOTHING
		`, uuid.New().String(), accountID, string(c.Kind), c.Value)
		if err != nil {
			return fmt.Errorf("failed to attach identity %s: %w", c.Kind, err)
		}
	}
	return nil
}
