package service

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/accessguard/accessguard/internal/domain/auth"
)

const defaultMaxHierarchyDepth = 10

// RoleHierarchyManager implements component H: a role inheritance graph
// with DFS expansion, cycle detection, and a hard depth cap.
type RoleHierarchyManager struct {
	mu       sync.RWMutex
	inherits map[auth.Role][]auth.Role // role -> directly inherited roles
	maxDepth int
}

// NewRoleHierarchyManager creates an empty hierarchy with the default
// depth cap.
func NewRoleHierarchyManager() *RoleHierarchyManager {
	return &RoleHierarchyManager{
		inherits: make(map[auth.Role][]auth.Role),
		maxDepth: defaultMaxHierarchyDepth,
	}
}

// UpdateHierarchy merges additions into the current graph without
// validating them. An inherited role that is never itself defined as a
// key is recorded as given, and ExpandRoles treats it as a terminal node.
func (m *RoleHierarchyManager) UpdateHierarchy(additions map[auth.Role][]auth.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for role, parents := range additions {
		m.inherits[role] = append(m.inherits[role], parents...)
	}
}

// ExpandRoles computes the transitive closure of inputRoles via DFS, with
// a per-root visited set and a hard depth cap. On cycle detection it logs
// a warning and terminates that branch without failing the whole call.
func (m *RoleHierarchyManager) ExpandRoles(inputRoles []auth.Role) []auth.Role {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[auth.Role]struct{})
	for _, root := range inputRoles {
		m.dfs(root, make(map[auth.Role]bool), 0, result)
	}

	out := make([]auth.Role, 0, len(result))
	for r := range result {
		out = append(out, r)
	}
	return out
}

// hierarchyFrame is one pending node in the explicit-stack walk below:
// onStack carries the set of ancestors on the path that reached role, so
// a cycle can be detected without recursion.
type hierarchyFrame struct {
	role    auth.Role
	onStack map[auth.Role]bool
	depth   int
}

// dfs walks the inheritance graph from role with an explicit stack
// rather than recursion, so the depth cap is just an integer compare
// and adversarial input (a long or cyclic chain) can't exhaust the
// goroutine stack.
func (m *RoleHierarchyManager) dfs(role auth.Role, onStack map[auth.Role]bool, depth int, result map[auth.Role]struct{}) {
	stack := []hierarchyFrame{{role: role, onStack: onStack, depth: depth}}

	for len(stack) > 0 {
		frame := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		result[frame.role] = struct{}{}
		if frame.depth >= m.maxDepth {
			continue
		}
		if frame.onStack[frame.role] {
			slog.Warn("role hierarchy manager: cycle detected", "role", frame.role)
			continue
		}

		childOnStack := make(map[auth.Role]bool, len(frame.onStack)+1)
		for r := range frame.onStack {
			childOnStack[r] = true
		}
		childOnStack[frame.role] = true

		for _, parent := range m.inherits[frame.role] {
			stack = append(stack, hierarchyFrame{role: parent, onStack: childOnStack, depth: frame.depth + 1})
		}
	}
}

// jwtPayloadClaims mirrors the subset of JWT payload fields used to
// extract role claims without verifying the signature; callers must have
// already validated the token.
type jwtPayloadClaims struct {
	RealmAccess    map[string][]string            `json:"realm_access"`
	ResourceAccess map[string]map[string][]string `json:"resource_access"`
}

// ExtractRolesFromToken parses the unverified JWT payload segment and
// returns the union of realm_access.roles and every
// resource_access.<client>.roles.
func ExtractRolesFromToken(tokenString string) ([]auth.Role, error) {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed token: expected 3 segments, got %d", len(parts))
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	var claims jwtPayloadClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	var roles []auth.Role
	for _, r := range claims.RealmAccess["roles"] {
		roles = append(roles, auth.Role("realm:"+r))
	}
	for client, cm := range claims.ResourceAccess {
		for _, r := range cm["roles"] {
			roles = append(roles, auth.Role(fmt.Sprintf("client:%s:%s", client, r)))
		}
	}
	return roles, nil
}

// ValidateHierarchy is a standalone validator used at config load time:
// DFS with a recursion stack flags cycles and dangling inherited roles.
func ValidateHierarchy(graph map[auth.Role][]auth.Role) (bool, []string) {
	var errs []string
	visited := make(map[auth.Role]bool)

	var visit func(role auth.Role, stack map[auth.Role]bool)
	visit = func(role auth.Role, stack map[auth.Role]bool) {
		if stack[role] {
			errs = append(errs, fmt.Sprintf("cycle detected at role: %s", role))
			return
		}
		if visited[role] {
			return
		}
		visited[role] = true
		stack[role] = true
		defer delete(stack, role)

		for _, parent := range graph[role] {
			if _, defined := graph[parent]; !defined {
				errs = append(errs, fmt.Sprintf("Role %s inherits from undefined role: %s", role, parent))
				continue
			}
			visit(parent, stack)
		}
	}

	for role := range graph {
		visit(role, make(map[auth.Role]bool))
	}
	return len(errs) == 0, errs
}
