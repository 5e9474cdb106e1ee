// Package authz resolves group-based permissions.
//
// External identity-provider groups map to internal groups; internal groups
// inherit transitively. The inheritance graph is expected to be acyclic, but
// the resolver tolerates cycles by skipping revisited nodes and warning.
package authz

import (
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/promptgate/promptgate/pkg/config"
)

// AnonymousGroup is assigned when no group mapping applies.
const AnonymousGroup = "anonymous"

// Wildcard grants access to every resource of a type.
const Wildcard = "*"

// Resolver computes effective permissions over a fixed group set.
// Build a fresh Resolver whenever the group snapshot changes; resolved
// permission sets are memoized per group id.
type Resolver struct {
	groups map[string]*config.Group

	mu   sync.Mutex
	memo map[string]config.Permissions
}

// NewResolver indexes the given groups.
func NewResolver(groups []*config.Group) *Resolver {
	idx := make(map[string]*config.Group, len(groups))
	for _, g := range groups {
		idx[g.ID] = g
	}
	return &Resolver{groups: idx, memo: make(map[string]config.Permissions)}
}

// MapExternalGroups maps raw identity-provider group names onto internal
// group ids. Unmapped names are logged once per call. An empty result falls
// back to the provider's default groups, then to the anonymous group.
func (r *Resolver) MapExternalGroups(external []string, provider string, defaults map[string][]string) []string {
	seen := make(map[string]bool)
	var internal []string

	for _, ext := range external {
		matched := false
		for _, g := range r.groups {
			if slices.Contains(g.Mappings, ext) {
				matched = true
				if !seen[g.ID] {
					seen[g.ID] = true
					internal = append(internal, g.ID)
				}
			}
		}
		if !matched {
			slog.Info("external group has no internal mapping; add it to a group's mappings list to grant access",
				"externalGroup", ext, "provider", provider)
		}
	}

	if len(internal) > 0 {
		sort.Strings(internal)
		return internal
	}

	if defs, ok := defaults[provider]; ok && len(defs) > 0 {
		return slices.Clone(defs)
	}
	return []string{AnonymousGroup}
}

// Effective computes the merged permissions for a set of group ids,
// following inheritance.
func (r *Resolver) Effective(groupIDs []string) config.Permissions {
	var result config.Permissions
	for _, id := range groupIDs {
		result = merge(result, r.resolveGroup(id))
	}
	return result
}

func (r *Resolver) resolveGroup(id string) config.Permissions {
	r.mu.Lock()
	if p, ok := r.memo[id]; ok {
		r.mu.Unlock()
		return p
	}
	r.mu.Unlock()

	visited := make(map[string]bool)
	p := r.walk(id, visited)

	r.mu.Lock()
	r.memo[id] = p
	r.mu.Unlock()
	return p
}

// walk performs the DFS over the inheritance graph. Revisiting a node means
// the graph has a cycle; the repeat edge is dropped with a warning.
func (r *Resolver) walk(id string, visited map[string]bool) config.Permissions {
	if visited[id] {
		slog.Warn("group inheritance cycle detected; ignoring repeated edge", "group", id)
		return config.Permissions{}
	}
	visited[id] = true

	g, ok := r.groups[id]
	if !ok {
		slog.Warn("unknown group referenced", "group", id)
		return config.Permissions{}
	}

	result := g.Permissions
	for _, parent := range g.Inherits {
		result = merge(result, r.walk(parent, visited))
	}
	return result
}

// merge combines two permission sets: wildcard wins per list, otherwise the
// union of explicit ids; adminAccess is ORed.
func merge(a, b config.Permissions) config.Permissions {
	return config.Permissions{
		Apps:        mergeList(a.Apps, b.Apps),
		Prompts:     mergeList(a.Prompts, b.Prompts),
		Models:      mergeList(a.Models, b.Models),
		AdminAccess: a.AdminAccess || b.AdminAccess,
	}
}

func mergeList(a, b []string) []string {
	if slices.Contains(a, Wildcard) || slices.Contains(b, Wildcard) {
		return []string{Wildcard}
	}
	set := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, id := range a {
		if !set[id] {
			set[id] = true
			out = append(out, id)
		}
	}
	for _, id := range b {
		if !set[id] {
			set[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Allowed reports whether id passes the permitted list.
func Allowed(permitted []string, id string) bool {
	return slices.Contains(permitted, Wildcard) || slices.Contains(permitted, id)
}

// FilterIDs keeps only the ids present in the permitted list. Used
// identically for apps, models and prompts.
func FilterIDs(permitted []string, ids []string) []string {
	if slices.Contains(permitted, Wildcard) {
		return slices.Clone(ids)
	}
	var out []string
	for _, id := range ids {
		if slices.Contains(permitted, id) {
			out = append(out, id)
		}
	}
	return out
}

// DetectCycles reports each inheritance cycle found in the group graph.
// Used by config validation to warn operators at load time.
func DetectCycles(groups []*config.Group) []string {
	idx := make(map[string]*config.Group, len(groups))
	for _, g := range groups {
		idx[g.ID] = g
	}

	var warnings []string
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int)

	var visit func(id string, path []string)
	visit = func(id string, path []string) {
		switch state[id] {
		case inStack:
			warnings = append(warnings, "inheritance cycle involving group "+id)
			return
		case done:
			return
		}
		state[id] = inStack
		if g, ok := idx[id]; ok {
			for _, parent := range g.Inherits {
				visit(parent, append(path, id))
			}
		}
		state[id] = done
	}

	ids := make([]string, 0, len(idx))
	for id := range idx {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		visit(id, nil)
	}
	return warnings
}
