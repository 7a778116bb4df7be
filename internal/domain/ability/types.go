// Package ability implements the CASL-style Ability decision object
// compiled per principal (component J: AbilityFactory).
package ability

import "strings"

// WildcardAction is the action that matches any action ("manage").
const WildcardAction = "manage"

// WildcardSubject is the subject that matches any subject ("all").
const WildcardSubject = "all"

// Rule is one compiled ability rule: an action/subject pair plus an
// optional raw condition expression (template-substituted against the
// evaluation context before being evaluated).
type Rule struct {
	ID        string
	Action    string
	Subject   string
	Condition string // optional, "${attr.path}" templates resolved at creation
	Inverted  bool   // "cannot" rules
}

// matches reports whether this rule applies to (action, subject),
// honoring the manage/all wildcards.
func (r Rule) matches(action, subject string) bool {
	actionMatch := r.Action == action || r.Action == WildcardAction
	subjectMatch := r.Subject == subject || r.Subject == WildcardSubject
	return actionMatch && subjectMatch
}

// Ability is an immutable, principal-scoped decision object.
type Ability struct {
	Rules []Rule
	// Evaluate resolves a rule's Condition against a request-scoped
	// context, returning whether the condition holds. A nil Evaluate
	// falls back to defaultEvaluate, under which only the literal
	// condition "true" holds.
	Evaluate func(condition string, ctx map[string]any) bool
}

// Decision is the result of Ability.Can.
type Decision struct {
	Granted bool
	Reason  string
}

// Can answers can(action, subject, context?). The first matching
// non-inverted rule whose condition (if any) holds grants; an inverted
// rule matching first denies, mirroring CASL's "most specific rule wins"
// by iterating rules in definition order.
func (a *Ability) Can(action, subject string, ctx map[string]any) Decision {
	for _, r := range a.Rules {
		if !r.matches(action, subject) {
			continue
		}
		if r.Condition != "" {
			eval := a.Evaluate
			if eval == nil {
				eval = defaultEvaluate
			}
			if !eval(r.Condition, ctx) {
				continue
			}
		}
		if r.Inverted {
			return Decision{Granted: false, Reason: "denied by rule " + r.ID}
		}
		return Decision{Granted: true, Reason: "granted by rule " + r.ID}
	}
	return Decision{Granted: false, Reason: "no matching rule"}
}

// defaultEvaluate is used when no CEL-backed evaluator is wired: it
// treats a condition as satisfied only when it is a literal "true" after
// substitution, never guessing at unresolved templates.
func defaultEvaluate(condition string, _ map[string]any) bool {
	return strings.TrimSpace(condition) == "true"
}

// Changes describes a permission diff between two Abilities, keyed by
// rule id, per AbilityFactory.getPermissionChanges.
type Changes struct {
	Added    []string
	Removed  []string
	Modified []string
}

// Diff computes the set-diff between old and new by rule id. A rule id
// present in both but with a different action/subject/condition/inverted
// shape is reported as modified.
func Diff(oldA, newA *Ability) Changes {
	oldByID := make(map[string]Rule, len(oldA.Rules))
	for _, r := range oldA.Rules {
		oldByID[r.ID] = r
	}
	newByID := make(map[string]Rule, len(newA.Rules))
	for _, r := range newA.Rules {
		newByID[r.ID] = r
	}

	var c Changes
	for id, nr := range newByID {
		or, existed := oldByID[id]
		if !existed {
			c.Added = append(c.Added, id)
			continue
		}
		if or.Action != nr.Action || or.Subject != nr.Subject || or.Condition != nr.Condition || or.Inverted != nr.Inverted {
			c.Modified = append(c.Modified, id)
		}
	}
	for id := range oldByID {
		if _, stillPresent := newByID[id]; !stillPresent {
			c.Removed = append(c.Removed, id)
		}
	}
	return c
}
