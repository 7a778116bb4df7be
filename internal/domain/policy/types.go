// Package policy holds the role, permission and decision types and the
// permission wildcard matching for the RBAC/ABAC decision engine
// (components H, I). Role-hierarchy expansion lives in
// internal/service's RoleHierarchyManager.
package policy

import "time"

// RoleDefinition describes one role: the roles it inherits from and the
// permission strings it directly grants.
type RoleDefinition struct {
	Name        string
	Inherits    []string
	Permissions []string // "resource:action", "*" allowed in either position
	Description string
}

// Permission is the canonical (resource, action) pair a RoleDefinition
// grants. Matching treats "*" as a wildcard in either position, and a bare
// "*" as "any permission".
type Permission struct {
	Resource string
	Action   string
}

// String renders the permission in "resource:action" form.
func (p Permission) String() string {
	if p.Resource == "*" && p.Action == "*" {
		return "*"
	}
	return p.Resource + ":" + p.Action
}

// Decision is the outcome of PermissionEvaluator.check.
type Decision struct {
	Allowed              bool
	EffectiveRoles       []string
	EffectivePermissions []string
	MatchedPolicies      []string // at least "local_rbac" when Allowed
	Reason               string   // "authorized" | "insufficient permissions" | "rbac_check_error"
	Context              map[string]any
	EvaluatedAt          time.Time
}

const (
	ReasonAuthorized  = "authorized"
	ReasonInsufficient = "insufficient permissions"
	ReasonError       = "rbac_check_error"
	MatchedLocalRBAC  = "local_rbac"
)
