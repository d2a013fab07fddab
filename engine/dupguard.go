/*
dupguard.go - "At most one primary entry per request identifier"

PURPOSE:
  A request is primary when its category marks it as the canonical first
  occurrence of an external request identifier. The guard checks whether a
  non-deleted primary already exists within the client's duplicate scope
  and, if so, suggests a non-primary category the caller may use instead of
  rejecting outright. Callers decide whether to block or merely warn; the
  lifecycle service blocks when the chosen category itself claims primary.

SCOPE:
  Per-client policy: ScopeClient keys on (request id, client name),
  ScopeGlobal on the request id alone. See policy.go.
*/
package engine

import (
	"context"
	"strings"
)

// DuplicateCheck is the guard's verdict.
type DuplicateCheck struct {
	Exists            bool
	SuggestedCategory string
	Conflicting       *AllocationRecord
}

// DuplicateGuard enforces the primary-request rule.
type DuplicateGuard struct {
	Store    RecordStore
	Policies *PolicyTable
}

// CheckPrimary looks for an existing non-deleted primary entry for
// requestID under the client's scope. exclude removes the record being
// edited from the search. A blank request id never conflicts.
func (g *DuplicateGuard) CheckPrimary(ctx context.Context, requestID, client string, exclude RecordID) (DuplicateCheck, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return DuplicateCheck{}, nil
	}

	policy := g.Policies.For(client)
	existing, err := g.Store.FindPrimary(ctx, requestID, client, policy.DuplicateScope, policy.PrimaryCategories, exclude)
	if err != nil {
		return DuplicateCheck{}, err
	}
	if existing == nil {
		return DuplicateCheck{}, nil
	}
	return DuplicateCheck{
		Exists:            true,
		SuggestedCategory: policy.NonPrimarySuggestion,
		Conflicting:       existing,
	}, nil
}
