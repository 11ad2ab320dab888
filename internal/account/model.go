// Package account provides internal account identity and the resolver that
// maps provider-side identifiers onto exactly one internal account.
package account

import (
	"errors"
	"time"
)

// IdentityKind names the origin of an external identifier, in resolution
// priority order: provider customer id first, then the application account
// reference carried through event metadata, then email.
type IdentityKind string

const (
	KindProviderCustomer IdentityKind = "provider_customer"
	KindAccountRef       IdentityKind = "account_ref"
	KindEmail            IdentityKind = "email"
)

// Account statuses. Accounts are never deleted, only anonymized.
const (
	StatusActive     = "active"
	StatusAnonymized = "anonymized"
)

var (
	// ErrUnresolved is returned when an event carries no usable identifier.
	ErrUnresolved = errors.New("no usable account identifier")

	// ErrAccountNotFound is returned when an account id does not exist.
	ErrAccountNotFound = errors.New("account not found")
)

// Account is the internal identity credits are held against.
type Account struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Identifier is one (kind, value) candidate carried by a provider event.
type Identifier struct {
	Kind  IdentityKind `json:"kind"`
	Value string       `json:"value"`
}

// kindPriority is the fixed resolution order. Lower wins. Ties are broken by
// this order only, never by recency, so any deterministic match beats
// creating a duplicate account.
var kindPriority = map[IdentityKind]int{
	KindProviderCustomer: 0,
	KindAccountRef:       1,
	KindEmail:            2,
}

// CandidateOrder returns ids filtered to known kinds with non-empty values,
// sorted by the fixed priority order. The input order of equal-priority
// duplicates is preserved.
func CandidateOrder(ids []Identifier) []Identifier {
	var out []Identifier
	for prio := 0; prio < len(kindPriority); prio++ {
		for _, id := range ids {
			if id.Value == "" {
				continue
			}
			if p, ok := kindPriority[id.Kind]; ok && p == prio {
				out = append(out, id)
			}
		}
	}
	return out
}
