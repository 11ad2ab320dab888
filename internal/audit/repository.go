package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/creditledger/internal/db"
)

// InsertTx appends an admin action using the given querier so it commits
// atomically with the ledger entry it explains.
func InsertTx(ctx context.Context, q db.Querier, a *AdminAction) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO admin_actions (id, actor_account_id, target_account_id, delta, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, a.ID, a.ActorAccountID, a.TargetAccountID, a.Delta, a.Comment, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert admin action: %w", err)
	}

	return nil
}

// ListTx returns admin actions, newest first, optionally filtered to one
// target account (empty targetAccountID means all).
func ListTx(ctx context.Context, q db.Querier, targetAccountID string, limit int) ([]*AdminAction, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, actor_account_id, target_account_id, delta, comment, created_at
		FROM admin_actions
	`
	args := []any{}
	if targetAccountID != "" {
		query += ` WHERE target_account_id = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, targetAccountID, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list admin actions: %w", err)
	}
	defer rows.Close()

	var actions []*AdminAction
	for rows.Next() {
		var a AdminAction
		if err := rows.Scan(&a.ID, &a.ActorAccountID, &a.TargetAccountID, &a.Delta, &a.Comment, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan admin action: %w", err)
		}
		actions = append(actions, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate admin actions: %w", err)
	}

	return actions, nil
}
