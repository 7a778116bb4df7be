package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/accessguard/accessguard/internal/domain/ability"
	"github.com/accessguard/accessguard/internal/domain/auth"
	domaincache "github.com/accessguard/accessguard/internal/domain/cache"
)

const defaultAbilityCacheSize = 2048

// ConditionEvaluator is the CEL-backed evaluator's interface as consumed
// by AbilityFactory, kept narrow so tests can substitute a stub.
type ConditionEvaluator interface {
	Evaluate(expr string, evalCtx map[string]any) (bool, error)
}

// PermissionRule is one (action, subject, condition?) grant attached to
// a role, the shape RoleCatalog's permission entries decode into when
// they carry ABAC conditions rather than bare "resource:action" strings.
type PermissionRule struct {
	ID        string
	Action    string
	Subject   string
	Condition string // "${attr.path}" templates, substituted at createAbility time
	Inverted  bool
}

// RulesCatalog resolves a role's ability rules, the ABAC-aware sibling
// of RoleCatalog's plain permission strings.
type RulesCatalog interface {
	RulesFor(role auth.Role) []PermissionRule
}

// AbilityFactory implements component J: compiles a principal's
// (roles, attributes, session) into an Ability, cached per
// (userId, rolesHash, attributesHash).
type AbilityFactory struct {
	hierarchy *RoleHierarchyManager
	rules     RulesCatalog
	evaluator ConditionEvaluator
	cache     domaincache.Facade
	local     *resultCache[*ability.Ability]
	cacheTTL  time.Duration

	mu         sync.Mutex
	userKeys   map[string]map[uint64]struct{} // userID -> set of cache keys, for clearCache(userID)
}

// NewAbilityFactory wires the role hierarchy, rule catalog, CEL
// evaluator, and remote cache behind a bounded local LRU.
func NewAbilityFactory(hierarchy *RoleHierarchyManager, rules RulesCatalog, evaluator ConditionEvaluator, cache domaincache.Facade) *AbilityFactory {
	return &AbilityFactory{
		hierarchy: hierarchy,
		rules:     rules,
		evaluator: evaluator,
		cache:     cache,
		local:     newResultCache[*ability.Ability](defaultAbilityCacheSize),
		cacheTTL:  300 * time.Second,
		userKeys:  make(map[string]map[uint64]struct{}),
	}
}

func computeAbilityCacheKey(userID string, roles []auth.Role, attrs map[string]any, sessionID string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(userID)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(sessionID)
	_, _ = h.Write([]byte{0})

	sortedRoles := make([]string, len(roles))
	for i, r := range roles {
		sortedRoles[i] = string(r)
	}
	sort.Strings(sortedRoles)
	for _, r := range sortedRoles {
		_, _ = h.WriteString(r)
		_, _ = h.Write([]byte{0})
	}

	attrKeys := make([]string, 0, len(attrs))
	for k := range attrs {
		attrKeys = append(attrKeys, k)
	}
	sort.Strings(attrKeys)
	for _, k := range attrKeys {
		_, _ = h.WriteString(k)
		_, _ = h.Write([]byte{'='})
		_, _ = fmt.Fprintf(h, "%v", attrs[k])
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// CreateAbility builds (or returns the cached) Ability for principal,
// scoped additionally by sessionID so two sessions for the same user
// with different attribute snapshots don't collide.
func (f *AbilityFactory) CreateAbility(ctx context.Context, principal auth.Principal, sessionID string) *ability.Ability {
	key := computeAbilityCacheKey(principal.ID, principal.Roles, principal.Attributes, sessionID)
	if a, ok := f.local.Get(key); ok {
		return a
	}

	remoteKey := fmt.Sprintf("%s:%s:%d", domaincache.NamespaceAbility, principal.ID, key)
	if raw, err := f.cache.Get(ctx, remoteKey); err == nil {
		if a, err := f.deserializeAbility(raw); err == nil {
			f.cacheLocally(principal.ID, key, a)
			return a
		}
	}

	a := f.build(principal)
	f.cacheLocally(principal.ID, key, a)
	if raw, err := serializeAbility(a); err == nil {
		_ = f.cache.Set(ctx, remoteKey, raw, f.cacheTTL)
	}
	return a
}

func (f *AbilityFactory) cacheLocally(userID string, key uint64, a *ability.Ability) {
	f.local.Put(key, a)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.userKeys[userID] == nil {
		f.userKeys[userID] = make(map[uint64]struct{})
	}
	f.userKeys[userID][key] = struct{}{}
}

func (f *AbilityFactory) build(principal auth.Principal) *ability.Ability {
	expanded := f.hierarchy.ExpandRoles(principal.Roles)

	var rules []ability.Rule
	if f.rules != nil {
		for _, role := range expanded {
			for _, r := range f.rules.RulesFor(role) {
				rules = append(rules, ability.Rule{
					ID:        r.ID,
					Action:    r.Action,
					Subject:   r.Subject,
					Condition: substituteAttrTemplates(r.Condition, principal.Attributes),
					Inverted:  r.Inverted,
				})
			}
		}
	}

	a := &ability.Ability{Rules: rules}
	if f.evaluator != nil {
		a.Evaluate = func(condition string, ctx map[string]any) bool {
			ok, err := f.evaluator.Evaluate(condition, ctx)
			return err == nil && ok
		}
	}
	return a
}

// substituteAttrTemplates replaces "${attr.path}" occurrences with the
// corresponding value from attrs, formatted as a CEL literal.
// Unresolvable paths are left as-is, per the component design.
func substituteAttrTemplates(condition string, attrs map[string]any) string {
	if condition == "" || attrs == nil {
		return condition
	}
	out := condition
	for k, v := range attrs {
		placeholder := "${attr." + k + "}"
		if !strings.Contains(out, placeholder) {
			continue
		}
		out = strings.ReplaceAll(out, placeholder, formatCELLiteral(v))
	}
	return out
}

func formatCELLiteral(v any) string {
	switch val := v.(type) {
	case string:
		return fmt.Sprintf("%q", val)
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", val)
	}
}

func serializeAbility(a *ability.Ability) ([]byte, error) {
	return json.Marshal(a.Rules)
}

// deserializeAbility rebuilds an Ability from a cache-hit payload. The
// Evaluate func is never serialized, so it must be reattached here the
// same way build() attaches it, or every cache-hit ability silently
// falls back to the zero-value evaluator.
func (f *AbilityFactory) deserializeAbility(raw []byte) (*ability.Ability, error) {
	var rules []ability.Rule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, err
	}
	a := &ability.Ability{Rules: rules}
	if f.evaluator != nil {
		a.Evaluate = func(condition string, ctx map[string]any) bool {
			ok, err := f.evaluator.Evaluate(condition, ctx)
			return err == nil && ok
		}
	}
	return a, nil
}

// ClearCache invalidates all ability entries for userID, or every entry
// when userID is empty.
func (f *AbilityFactory) ClearCache(userID string) {
	if userID == "" {
		f.local.Clear()
		f.mu.Lock()
		f.userKeys = make(map[string]map[uint64]struct{})
		f.mu.Unlock()
		_ = f.cache.InvalidatePrefix(context.Background(), domaincache.NamespaceAbility+":")
		return
	}
	f.mu.Lock()
	keys := f.userKeys[userID]
	delete(f.userKeys, userID)
	f.mu.Unlock()
	for key := range keys {
		f.local.Delete(key)
	}
	_ = f.cache.InvalidatePrefix(context.Background(), fmt.Sprintf("%s:%s:", domaincache.NamespaceAbility, userID))
}

// GetPermissionChanges delegates to ability.Diff, component J's
// getPermissionChanges.
func (f *AbilityFactory) GetPermissionChanges(oldAbility, newAbility *ability.Ability) ability.Changes {
	return ability.Diff(oldAbility, newAbility)
}
