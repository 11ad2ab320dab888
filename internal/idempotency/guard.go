// Package idempotency provides the durable processed-event guard that makes
// webhook delivery safe under provider retries and concurrent redelivery.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/onnwee/creditledger/internal/db"
)

// ProcessedEvent is the idempotency record for one inbound provider event.
// A second event with the same (provider, event id) is a no-op replay.
type ProcessedEvent struct {
	Provider    string    `json:"provider"`
	EventID     string    `json:"event_id"`
	PayloadHash string    `json:"payload_hash"`
	ReceivedAt  time.Time `json:"received_at"`
}

// HashPayload returns the SHA-256 hex digest of a raw event payload, stored
// alongside the claim for audit.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// ClaimTx attempts to claim a provider event inside the caller's
// transaction. The unique constraint on (provider, event_id) is the
// concurrency primitive: the loser of a concurrent race sees zero rows
// affected and must treat the event as already processed. A rollback of the
// enclosing transaction releases the claim, so a failed ingestion attempt
// can be legitimately retried by the provider.
func ClaimTx(ctx context.Context, q db.Querier, provider, eventID, payloadHash string) (bool, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO processed_events (provider, event_id, payload_hash, received_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (provider, event_id) DO NOTHING
	`, provider, eventID, payloadHash)
	if err != nil {
		return false, fmt.Errorf("failed to claim event: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result: %w", err)
	}

	return n > 0, nil
}

// DeleteOlderThanTx removes processed-event records older than cutoff and
// returns the number deleted. Records must outlive the provider's retry
// window; the retention period is configuration, not policy baked in here.
func DeleteOlderThanTx(ctx context.Context, q db.Querier, cutoff time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `
		DELETE FROM processed_events WHERE received_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old processed events: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read delete result: %w", err)
	}

	return n, nil
}
