package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/accessguard/accessguard/internal/domain/auth"
	domaincache "github.com/accessguard/accessguard/internal/domain/cache"
	"github.com/accessguard/accessguard/internal/domain/policy"
)

const defaultPermissionCacheSize = 4096

// RoleCatalog resolves a role's directly-granted permissions, backing
// PermissionEvaluator's effective-permission computation. Populated from
// the configured RoleDefinition set at startup.
type RoleCatalog interface {
	PermissionsFor(role auth.Role) []string
}

// PermissionEvaluator implements component I: effective-permission
// computation over RoleHierarchyManager's expansion, with a two-tier
// cache (in-process LRU, then CacheFacade) keyed by an xxhash digest of
// the (principal, resource, action) triple.
type PermissionEvaluator struct {
	hierarchy *RoleHierarchyManager
	roles     RoleCatalog
	cache     domaincache.Facade
	local     *resultCache[policy.Decision]
	cacheTTL  time.Duration // default 300s
}

// NewPermissionEvaluator wires the role hierarchy, role catalog, and
// remote cache behind a bounded local LRU.
func NewPermissionEvaluator(hierarchy *RoleHierarchyManager, roles RoleCatalog, cache domaincache.Facade) *PermissionEvaluator {
	return &PermissionEvaluator{
		hierarchy: hierarchy,
		roles:     roles,
		cache:     cache,
		local:     newResultCache[policy.Decision](defaultPermissionCacheSize),
		cacheTTL:  300 * time.Second,
	}
}

func computePermissionCacheKey(principalID string, roles []auth.Role, resource, action string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(resource)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(action)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(principalID)
	_, _ = h.Write([]byte{0})

	sorted := make([]string, len(roles))
	for i, r := range roles {
		sorted[i] = string(r)
	}
	sort.Strings(sorted)
	for _, r := range sorted {
		_, _ = h.WriteString(r)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// Check answers whether principal may perform action on resource. Cache
// lookup order: local LRU, then CacheFacade under
// rbac:<resource>:<action>:<principalHash>, then live computation.
func (e *PermissionEvaluator) Check(ctx context.Context, principal auth.Principal, resource, action string, evalCtx map[string]any) policy.Decision {
	key := computePermissionCacheKey(principal.ID, principal.Roles, resource, action)
	if decision, ok := e.local.Get(key); ok {
		return decision
	}

	remoteKey := fmt.Sprintf("%s:%s:%s:%d", domaincache.NamespaceRBAC, resource, action, key)
	if raw, err := e.cache.Get(ctx, remoteKey); err == nil {
		var decision policy.Decision
		if json.Unmarshal(raw, &decision) == nil {
			e.local.Put(key, decision)
			return decision
		}
	}

	decision := e.evaluate(principal, resource, action, evalCtx)
	e.local.Put(key, decision)
	if raw, err := json.Marshal(decision); err == nil {
		_ = e.cache.Set(ctx, remoteKey, raw, e.cacheTTL)
	}
	return decision
}

func (e *PermissionEvaluator) evaluate(principal auth.Principal, resource, action string, evalCtx map[string]any) policy.Decision {
	expanded := e.hierarchy.ExpandRoles(principal.Roles)

	permSet := make(map[string]struct{})
	for _, perm := range principal.Permissions {
		permSet[perm] = struct{}{}
	}
	if e.roles != nil {
		for _, role := range expanded {
			for _, perm := range e.roles.PermissionsFor(role) {
				permSet[perm] = struct{}{}
			}
		}
	}
	effectivePermissions := make([]string, 0, len(permSet))
	for p := range permSet {
		effectivePermissions = append(effectivePermissions, p)
	}
	sort.Strings(effectivePermissions)

	required := resource + ":" + action
	allowed := policy.MatchAny(effectivePermissions, required)

	effectiveRoles := make([]string, len(expanded))
	for i, r := range expanded {
		effectiveRoles[i] = string(r)
	}
	sort.Strings(effectiveRoles)

	decision := policy.Decision{
		Allowed:              allowed,
		EffectiveRoles:       effectiveRoles,
		EffectivePermissions: effectivePermissions,
		Context:              evalCtx,
		EvaluatedAt:          time.Now().UTC(),
	}
	if allowed {
		decision.MatchedPolicies = []string{policy.MatchedLocalRBAC}
		decision.Reason = policy.ReasonAuthorized
	} else {
		decision.Reason = policy.ReasonInsufficient
	}
	return decision
}

// CheckMany applies Check sequentially over a set of (resource, action)
// pairs, returning a map keyed by "resource:action".
func (e *PermissionEvaluator) CheckMany(ctx context.Context, principal auth.Principal, pairs []policy.Permission, evalCtx map[string]any) map[string]policy.Decision {
	out := make(map[string]policy.Decision, len(pairs))
	for _, p := range pairs {
		out[p.String()] = e.Check(ctx, principal, p.Resource, p.Action, evalCtx)
	}
	return out
}
