package reason

import (
	"fmt"
	"strings"
)

// PriorityDefault is the lowest scheduling urgency; it also serves as the
// fallthrough for malformed depender chains.
const PriorityDefault = 3

// SourceChange identifies one upstream source whose version moved, by its
// position in the recipe's ordered source list and its source spec.
type SourceChange struct {
	Index  int    `json:"index"`
	Source string `json:"source"`
}

// Reason explains why a package is scheduled to build this cycle. Reasons are
// append-only within a cycle and a package may accumulate several.
type Reason interface {
	// Kind is the variant name used in serialized log records.
	Kind() string
	// String renders the reason for the human build log.
	String() string
	// Fields returns the variant-specific payload for structured events.
	Fields() map[string]any

	reasonVariant()
}

// UpdatedPkgrel marks a release-field bump in the recipe itself.
type UpdatedPkgrel struct{}

func (UpdatedPkgrel) Kind() string           { return "UpdatedPkgrel" }
func (UpdatedPkgrel) String() string         { return "package release updated" }
func (UpdatedPkgrel) Fields() map[string]any { return nil }
func (UpdatedPkgrel) reasonVariant()         {}

// NvChecker marks upstream version movement on one or more sources.
type NvChecker struct {
	Items []SourceChange
}

func (NvChecker) Kind() string { return "NvChecker" }

func (r NvChecker) String() string {
	specs := make([]string, 0, len(r.Items))
	for _, item := range r.Items {
		specs = append(specs, item.Source)
	}
	return fmt.Sprintf("upstream updated (%s)", strings.Join(specs, ", "))
}

func (r NvChecker) Fields() map[string]any {
	items := make([]map[string]any, 0, len(r.Items))
	for _, item := range r.Items {
		items = append(items, map[string]any{"index": item.Index, "source": item.Source})
	}
	return map[string]any{"sources": items}
}

func (NvChecker) reasonVariant() {}

// Depended marks a package promoted into the cycle because a scheduled
// depender needs its artifact.
type Depended struct {
	Depender string
}

func (Depended) Kind() string { return "Depended" }

func (r Depended) String() string {
	return fmt.Sprintf("depended by %s", r.Depender)
}

func (r Depended) Fields() map[string]any {
	return map[string]any{"depender": r.Depender}
}

func (Depended) reasonVariant() {}

// UpdatedFailed marks a previously failed package whose recipe changed.
type UpdatedFailed struct{}

func (UpdatedFailed) Kind() string           { return "UpdatedFailed" }
func (UpdatedFailed) String() string         { return "previously failed and recipe updated" }
func (UpdatedFailed) Fields() map[string]any { return nil }
func (UpdatedFailed) reasonVariant()         {}

// FailedByDeps marks a package whose last attempt failed on missing internal
// dependencies, carried over from the previous cycle.
type FailedByDeps struct {
	Deps []string
}

func (FailedByDeps) Kind() string { return "FailedByDeps" }

func (r FailedByDeps) String() string {
	return fmt.Sprintf("previously failed on missing dependencies (%s)", strings.Join(r.Deps, ", "))
}

func (r FailedByDeps) Fields() map[string]any {
	return map[string]any{"deps": r.Deps}
}

func (FailedByDeps) reasonVariant() {}

// Cmdline marks a package named on the command line.
type Cmdline struct{}

func (Cmdline) Kind() string           { return "Cmdline" }
func (Cmdline) String() string         { return "requested on the command line" }
func (Cmdline) Fields() map[string]any { return nil }
func (Cmdline) reasonVariant()         {}

// basePriority returns the variant's own urgency; Depended defers to its
// depender chain and reports false.
func basePriority(r Reason) (int, bool) {
	switch v := r.(type) {
	case UpdatedPkgrel:
		return 0, true
	case NvChecker:
		for _, item := range v.Items {
			if item.Source == "manual" {
				return 0, true
			}
		}
		if len(v.Items) > 1 || (len(v.Items) > 0 && v.Items[0].Index > 0) {
			return 1, true
		}
		return PriorityDefault, true
	case UpdatedFailed:
		return 2, true
	case FailedByDeps, Cmdline:
		return PriorityDefault, true
	default:
		return 0, false
	}
}

// maxDepth bounds Depended recursion on malformed graphs.
const maxDepth = 64

// Resolver computes effective build priorities: the minimum over a package's
// reasons, recursing through Depended chains. Results are memoized for the
// lifetime of the resolver, which matches one cycle.
type Resolver struct {
	reasonsOf func(pkgbase string) []Reason
	memo      map[string]int
}

// NewResolver creates a Resolver over the given per-package reason lookup.
func NewResolver(reasonsOf func(pkgbase string) []Reason) *Resolver {
	return &Resolver{reasonsOf: reasonsOf, memo: make(map[string]int)}
}

// Priority returns the effective build priority of pkgbase. A package without
// reasons, a Depended cycle, or a chain deeper than the recursion limit yields
// the default priority.
func (r *Resolver) Priority(pkgbase string) int {
	return r.priority(pkgbase, 0, map[string]struct{}{})
}

func (r *Resolver) priority(pkgbase string, depth int, visiting map[string]struct{}) int {
	if cached, ok := r.memo[pkgbase]; ok {
		return cached
	}
	if depth > maxDepth {
		return PriorityDefault
	}
	if _, seen := visiting[pkgbase]; seen {
		return PriorityDefault
	}
	visiting[pkgbase] = struct{}{}
	defer delete(visiting, pkgbase)

	best := PriorityDefault
	for _, rn := range r.reasonsOf(pkgbase) {
		var p int
		if base, ok := basePriority(rn); ok {
			p = base
		} else if dep, ok := rn.(Depended); ok {
			p = r.priority(dep.Depender, depth+1, visiting)
		} else {
			p = PriorityDefault
		}
		if p < best {
			best = p
		}
	}

	r.memo[pkgbase] = best
	return best
}

// Describe joins reasons for the human build log.
func Describe(reasons []Reason) string {
	parts := make([]string, 0, len(reasons))
	for _, r := range reasons {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, "; ")
}

// Serialize renders reasons as structured records for the run log.
func Serialize(reasons []Reason) []map[string]any {
	out := make([]map[string]any, 0, len(reasons))
	for _, r := range reasons {
		record := map[string]any{"kind": r.Kind()}
		for k, v := range r.Fields() {
			record[k] = v
		}
		out = append(out, record)
	}
	return out
}
