/*
catalog.go - Business keys and rate resolution against the master catalog

PURPOSE:
  Derives the stable business key for a work location and resolves billing
  rates for (category, sub-category) pairs. Pure queries: this file never
  mutates state, and rate resolution reads master data freshly on each
  create — the engine holds no catalog cache that could go stale.

BUSINESS KEY:
  lowercase(trim(client)) | lowercase(trim(project)) | lowercase(trim(location))
  The same inputs always produce the same key. Records stamp the key once at
  creation and never recompute it.

RATE RESOLUTION:
  Rates live per location: a table of (category, sub-category) rows plus an
  optional flat rate. Flat-billed categories fall back to the flat rate.
  Unresolved lookups return zero, not an error — the caller decides whether
  a zero rate is acceptable.
*/
package engine

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BUSINESS KEY
// =============================================================================

// BuildLocationKey derives the deterministic client|project|location key.
func BuildLocationKey(client, project, location string) string {
	norm := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
	return norm(client) + "|" + norm(project) + "|" + norm(location)
}

// =============================================================================
// MASTER CATALOG
// =============================================================================

// CategoryRate is one row of a location's rate table.
type CategoryRate struct {
	Category    string
	SubCategory string
	Rate        decimal.Decimal
}

// Location is the master-catalog view of a work location (subproject).
type Location struct {
	ID       LocationID
	Client   string
	Project  string
	Name     string
	Key      string // business key; derived via BuildLocationKey if empty

	// FlatRate backs flat-billed categories and the BillFlatEntry mode.
	FlatRate decimal.Decimal

	// FlatCategories name the categories billed at the flat rate.
	FlatCategories []string

	Rates []CategoryRate
}

// BusinessKey returns the stored key, deriving it when the catalog row
// predates key stamping.
func (l Location) BusinessKey() string {
	if l.Key != "" {
		return l.Key
	}
	return BuildLocationKey(l.Client, l.Project, l.Name)
}

func (l Location) isFlatCategory(category string) bool {
	for _, c := range l.FlatCategories {
		if strings.EqualFold(c, category) {
			return true
		}
	}
	return false
}

// ResolveRate looks up the rate for (category, subCategory) in the
// location's rate table. Matching is case-insensitive; an empty stored
// sub-category matches any requested sub-category within its category.
// Flat categories fall back to the flat rate. Unresolved returns zero.
func (l Location) ResolveRate(category, subCategory string) decimal.Decimal {
	var categoryFallback *decimal.Decimal
	for i := range l.Rates {
		r := &l.Rates[i]
		if !strings.EqualFold(r.Category, category) {
			continue
		}
		if strings.EqualFold(r.SubCategory, subCategory) {
			return r.Rate
		}
		if r.SubCategory == "" && categoryFallback == nil {
			categoryFallback = &r.Rate
		}
	}
	if categoryFallback != nil {
		return *categoryFallback
	}
	if l.isFlatCategory(category) {
		return l.FlatRate
	}
	return decimal.Zero
}

// Catalog is the master rate/location collaborator.
type Catalog interface {
	// GetLocation returns the location or ErrNotFound. Transport failures
	// surface as ErrCollaboratorUnavailable to the lifecycle service.
	GetLocation(ctx context.Context, id LocationID) (*Location, error)
}
