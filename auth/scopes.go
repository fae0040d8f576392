// Package auth enforces per-tier authorization scopes. The code tier is
// open; model-backed and human tiers each require a scope, and "*" grants
// everything. Anonymous access is a deliberate configuration, never a
// default.
package auth

import (
	"fmt"

	"github.com/c360studio/cascade/registry"
)

// Wildcard grants every tier.
const Wildcard = "*"

// requiredScope maps each tier to the scope it demands. The code tier has
// no entry: it is always permitted.
var requiredScope = map[registry.FunctionType]string{
	registry.TypeGenerative: "functions:tier:generative",
	registry.TypeAgentic:    "functions:tier:agentic",
	registry.TypeHuman:      "functions:tier:human",
}

// RequiredScope returns the scope a tier demands, "" for tiers open to all.
func RequiredScope(tier registry.FunctionType) string {
	return requiredScope[tier]
}

// Principal is an authenticated caller with a set of granted scopes.
type Principal struct {
	Subject string   `json:"subject"`
	Scopes  []string `json:"scopes"`
}

// HasScope reports whether the principal holds the scope or the wildcard.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope || s == Wildcard {
			return true
		}
	}
	return false
}

// TierAuthorizationError identifies a denied tier. The cascade recognizes
// this error and surfaces 403 instead of escalating past it.
type TierAuthorizationError struct {
	Tier          registry.FunctionType
	RequiredScope string
}

func (e *TierAuthorizationError) Error() string {
	return fmt.Sprintf("tier %s requires scope %s", e.Tier, e.RequiredScope)
}

// Authorizer checks a principal's access to tiers.
type Authorizer struct {
	allowAnonymous bool
}

// NewAuthorizer creates an authorizer that denies anonymous callers any
// scoped tier.
func NewAuthorizer() *Authorizer {
	return &Authorizer{}
}

// NewAnonymousAuthorizer creates an authorizer that treats a missing
// principal as fully trusted. For closed deployments only; the permissive
// mode must be chosen explicitly at construction.
func NewAnonymousAuthorizer() *Authorizer {
	return &Authorizer{allowAnonymous: true}
}

// Authorize checks one tier. It returns a *TierAuthorizationError on
// denial and nil when the tier is permitted.
func (a *Authorizer) Authorize(p *Principal, tier registry.FunctionType) error {
	scope := requiredScope[tier]
	if scope == "" {
		return nil
	}
	if p == nil {
		if a.allowAnonymous {
			return nil
		}
		return &TierAuthorizationError{Tier: tier, RequiredScope: scope}
	}
	if !p.HasScope(scope) {
		return &TierAuthorizationError{Tier: tier, RequiredScope: scope}
	}
	return nil
}
