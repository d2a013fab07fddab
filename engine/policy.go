/*
policy.go - Per-client business policy table

PURPOSE:
  Clients diverge on a handful of rules: how duplicate primary requests are
  scoped, how billing amounts derive from the rate, and which category to
  suggest when a primary already exists. These live in a policy table keyed
  by client name — new clients are added by data, not by new conditionals.
*/
package engine

import "strings"

// =============================================================================
// DUPLICATE SCOPE
// =============================================================================

// DuplicateScope controls the key used by the duplicate guard.
type DuplicateScope string

const (
	// ScopeGlobal keys duplicates on the request identifier alone.
	ScopeGlobal DuplicateScope = "global"

	// ScopeClient keys duplicates on (request identifier, client name).
	ScopeClient DuplicateScope = "client"
)

// =============================================================================
// BILLING MODE
// =============================================================================

type BillingMode string

const (
	// BillPerUnit computes amount = rate × count.
	BillPerUnit BillingMode = "per_unit"

	// BillFlatEntry charges the rate once per entry regardless of count.
	BillFlatEntry BillingMode = "flat_entry"
)

// =============================================================================
// CLIENT POLICY
// =============================================================================

// ClientPolicy is one row of the policy table. The zero value is NOT valid;
// use PolicyTable.For which falls back to sensible defaults.
type ClientPolicy struct {
	Client string

	DuplicateScope DuplicateScope
	BillingMode    BillingMode

	// PrimaryCategories are the category names that claim the canonical
	// first occurrence of a request id for this client.
	PrimaryCategories []string

	// NonPrimarySuggestion is offered when a primary already exists.
	NonPrimarySuggestion string
}

// IsPrimaryCategory reports whether category claims primary status under
// this policy. Matching is case-insensitive.
func (p ClientPolicy) IsPrimaryCategory(category string) bool {
	for _, c := range p.PrimaryCategories {
		if strings.EqualFold(c, category) {
			return true
		}
	}
	return false
}

// PolicyTable maps client name (lower-cased) to its policy.
type PolicyTable struct {
	policies map[string]ClientPolicy
	fallback ClientPolicy
}

// DefaultPolicy applies to clients without an explicit row: duplicates
// scoped by client, per-unit billing, "new request" claims primary,
// "follow-up" suggested on conflict.
func DefaultPolicy() ClientPolicy {
	return ClientPolicy{
		DuplicateScope:       ScopeClient,
		BillingMode:          BillPerUnit,
		PrimaryCategories:    []string{"new request"},
		NonPrimarySuggestion: "follow-up",
	}
}

func NewPolicyTable(policies ...ClientPolicy) *PolicyTable {
	t := &PolicyTable{
		policies: make(map[string]ClientPolicy, len(policies)),
		fallback: DefaultPolicy(),
	}
	for _, p := range policies {
		t.policies[strings.ToLower(strings.TrimSpace(p.Client))] = p
	}
	return t
}

// For returns the policy for a client, falling back to the default row.
func (t *PolicyTable) For(client string) ClientPolicy {
	if t == nil {
		return DefaultPolicy()
	}
	if p, ok := t.policies[strings.ToLower(strings.TrimSpace(client))]; ok {
		return p
	}
	return t.fallback
}
