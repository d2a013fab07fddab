/*
Package engine implements the daily allocation entry lifecycle.

PURPOSE:
  This package contains the rules governing how an allocation record — one
  logged unit of outsourced case-processing work — is created, billed, edited
  with a mandatory audit trail, deleted through a two-phase approval flow,
  and locked once its reporting month closes.

KEY CONCEPTS IN THIS FILE (types.go):
  - ResourceID/RecordID/LocationID: Type-safe identifiers
  - Actor: Who is performing an operation (resource or admin)
  - Category: A client-specific request category; some categories claim
    "primary" status for an external request identifier
  - Money helpers built on decimal.Decimal

DESIGN PRINCIPLES:
  1. Precision: All rates and amounts use decimal.Decimal, never float64
  2. Auditability: Every business-field mutation produces exactly one
     edit-history entry; history is append-only
  3. Determinism: Lock and lateness checks run in a single fixed business
     time zone via an injected Clock

SEE ALSO:
  - record.go: The AllocationRecord entity and its billing rules
  - service.go: The lifecycle service orchestrating all operations
  - time.go: Business-zone temporal policy
*/
package engine

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ResourceID string
type RecordID string
type LocationID string

// =============================================================================
// ACTORS
// =============================================================================

type ActorRole string

const (
	RoleResource ActorRole = "resource"
	RoleAdmin    ActorRole = "admin"
)

// Actor identifies who is performing an operation. Name and Email are
// denormalized into audit entries so history stays readable even if the
// directory record changes later.
type Actor struct {
	ID    string
	Name  string
	Email string
	Role  ActorRole
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// =============================================================================
// REQUEST CATEGORIES
// =============================================================================

// Category is a client-specific request category. Primary categories claim
// the canonical first occurrence of an external request identifier; at most
// one non-deleted primary entry may exist per (request id, scope).
type Category struct {
	Name    string
	Primary bool
}

// =============================================================================
// MONEY
// =============================================================================

func MustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Rate is a billing rate resolved from the master catalog. Zero is a valid
// rate: unresolved lookups return zero and the caller decides whether that
// is acceptable.
type Rate = decimal.Decimal
