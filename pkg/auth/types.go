package auth

import "slices"

// Principal is the producer or operator behind an authenticated request.
type Principal struct {
	ID     string
	Scopes []string
}

// HasScope reports whether the token granted scope. The "*" scope grants
// everything.
func (p *Principal) HasScope(scope string) bool {
	return slices.Contains(p.Scopes, scope) || slices.Contains(p.Scopes, "*")
}
