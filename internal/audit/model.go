// Package audit provides the append-only record of manual balance
// adjustments. Every admin adjustment produces both an AdminAction here and
// a corresponding ledger entry; the action is the informational parent that
// answers who changed a balance and why.
package audit

import (
	"errors"
	"time"
)

// ErrEmptyComment is returned when an adjustment carries no comment. Manual
// balance changes must always be explainable after the fact.
var ErrEmptyComment = errors.New("admin action comment is required")

// AdminAction records one manual balance adjustment.
type AdminAction struct {
	ID              string    `json:"id"`
	ActorAccountID  string    `json:"actor_account_id"`
	TargetAccountID string    `json:"target_account_id"`
	Delta           int64     `json:"delta"`
	Comment         string    `json:"comment"`
	CreatedAt       time.Time `json:"created_at"`
}

// Validate checks action invariants.
func (a *AdminAction) Validate() error {
	if a.Comment == "" {
		return ErrEmptyComment
	}
	return nil
}
