package policy

import "strings"

// MatchPermission reports whether granted ("resource:action", with "*"
// allowed in either position, or a bare "*") satisfies a required
// "resource:action" string. Implemented as a direct string comparison
// rather than a regex engine: the grammar is fixed and small enough that
// a finite set of comparisons is both faster and easier to audit than
// compiling a pattern per check.
func MatchPermission(granted, required string) bool {
	if granted == "*" {
		return true
	}
	gRes, gAct, ok := splitPermission(granted)
	if !ok {
		return false
	}
	rRes, rAct, ok := splitPermission(required)
	if !ok {
		return false
	}
	if gRes == rRes && gAct == rAct {
		return true
	}
	if gRes == "*" && gAct == rAct {
		return true
	}
	if gRes == rRes && gAct == "*" {
		return true
	}
	if gRes == "*" && gAct == "*" {
		return true
	}
	return false
}

func splitPermission(s string) (resource, action string, ok bool) {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

// MatchAny reports whether required is satisfied by any permission in
// granted, short-circuiting on the first match.
func MatchAny(granted []string, required string) bool {
	for _, g := range granted {
		if MatchPermission(g, required) {
			return true
		}
	}
	return false
}
