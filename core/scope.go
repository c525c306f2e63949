package core

import (
	"sort"
	"strings"
)

// Scope is a permission an app may request and a consent may grant
type Scope string

const (
	ScopeAccounts     Scope = "accounts"
	ScopeBalances     Scope = "balances"
	ScopeTransactions Scope = "transactions"
	ScopePayments     Scope = "payments"
)

// AllScopes is the fixed enumerated scope set, in canonical order
var AllScopes = []Scope{ScopeAccounts, ScopeBalances, ScopeTransactions, ScopePayments}

// Valid reports whether s belongs to the enumerated set
func (s Scope) Valid() bool {
	switch s {
	case ScopeAccounts, ScopeBalances, ScopeTransactions, ScopePayments:
		return true
	}
	return false
}

// Scopes is a set of scopes kept in canonical order without duplicates
type Scopes []Scope

// ParseScopes parses a space separated scope string. Unknown or repeated
// scopes are rejected with invalid_scope.
func ParseScopes(raw string) (Scopes, error) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil, NewError(KindInvalidScope, "scope is required")
	}
	out := make(Scopes, 0, len(fields))
	for _, f := range fields {
		s := Scope(f)
		if !s.Valid() {
			return nil, Errorf(KindInvalidScope, "unknown scope %q", f)
		}
		if out.Contains(s) {
			return nil, Errorf(KindInvalidScope, "duplicate scope %q", f)
		}
		out = append(out, s)
	}
	return out.Normalize(), nil
}

// NewScopes builds a normalized set from the given values
func NewScopes(values ...Scope) Scopes {
	out := make(Scopes, 0, len(values))
	for _, v := range values {
		if !out.Contains(v) {
			out = append(out, v)
		}
	}
	return out.Normalize()
}

// Normalize returns the set sorted in canonical order
func (s Scopes) Normalize() Scopes {
	out := append(Scopes(nil), s...)
	sort.Slice(out, func(i, j int) bool { return scopeRank(out[i]) < scopeRank(out[j]) })
	return out
}

func scopeRank(s Scope) int {
	for i, v := range AllScopes {
		if v == s {
			return i
		}
	}
	return len(AllScopes)
}

// Contains reports whether the set includes s
func (s Scopes) Contains(scope Scope) bool {
	for _, v := range s {
		if v == scope {
			return true
		}
	}
	return false
}

// SubsetOf reports whether every scope in s is also in other
func (s Scopes) SubsetOf(other Scopes) bool {
	for _, v := range s {
		if !other.Contains(v) {
			return false
		}
	}
	return true
}

// String renders the set as the space separated wire form
func (s Scopes) String() string {
	parts := make([]string, len(s))
	for i, v := range s {
		parts[i] = string(v)
	}
	return strings.Join(parts, " ")
}
