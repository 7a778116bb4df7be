package service

import (
	"github.com/accessguard/accessguard/internal/domain/auth"
)

// StaticCatalog is a fixed, config-loaded implementation of RoleCatalog
// and RulesCatalog: the role set is read once at startup and never
// refreshed, matching the gateway's local RBAC deployment mode (no
// external policy store).
type StaticCatalog struct {
	permissions map[auth.Role][]string
	rules       map[auth.Role][]PermissionRule
	hierarchy   map[auth.Role][]auth.Role
}

// RoleDefinitionInput is the shape NewStaticCatalog consumes, matching
// config.RoleDefinitionConfig without importing the config package
// (kept dependency direction: config depends on nothing in service).
type RoleDefinitionInput struct {
	Name        string
	Inherits    []string
	Permissions []string
}

// NewStaticCatalog builds a StaticCatalog and the role-hierarchy
// additions implied by each definition's Inherits list, from a
// configured role set.
func NewStaticCatalog(defs []RoleDefinitionInput) (*StaticCatalog, map[auth.Role][]auth.Role) {
	c := &StaticCatalog{
		permissions: make(map[auth.Role][]string, len(defs)),
		rules:       make(map[auth.Role][]PermissionRule, len(defs)),
	}
	hierarchy := make(map[auth.Role][]auth.Role, len(defs))
	for _, def := range defs {
		role := auth.Role(def.Name)
		c.permissions[role] = def.Permissions
		c.rules[role] = rulesFromPermissions(def.Permissions)

		parents := make([]auth.Role, len(def.Inherits))
		for i, p := range def.Inherits {
			parents[i] = auth.Role(p)
		}
		hierarchy[role] = parents
	}
	return c, hierarchy
}

func rulesFromPermissions(perms []string) []PermissionRule {
	rules := make([]PermissionRule, len(perms))
	for i, p := range perms {
		rules[i] = PermissionRule{ID: p, Action: p}
	}
	return rules
}

// PermissionsFor implements RoleCatalog.
func (c *StaticCatalog) PermissionsFor(role auth.Role) []string {
	return c.permissions[role]
}

// RulesFor implements RulesCatalog.
func (c *StaticCatalog) RulesFor(role auth.Role) []PermissionRule {
	return c.rules[role]
}
