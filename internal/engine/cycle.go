package engine

import (
	"sort"

	"github.com/pkgmill/pkgmill/internal/nvchecker"
	"github.com/pkgmill/pkgmill/internal/reason"
	"github.com/pkgmill/pkgmill/internal/recipe"
)

// Cycle is the per-cycle mutable context. All maps are populated before the
// worker pool starts; Failed and Built are written only from the driver
// thread inside the result handler.
type Cycle struct {
	Catalog *recipe.Catalog

	// Reasons maps pkgbase to its append-only build reasons.
	Reasons map[string][]reason.Reason
	// NvData holds the upstream-check result per package.
	NvData map[string][]nvchecker.Change
	// Failed maps packages that failed this cycle to their missing internal
	// dependencies (empty for plain failures).
	Failed map[string][]string
	// Built is the set of packages built successfully this cycle.
	Built map[string]struct{}
	// DepMap is the dependency subgraph the sorter consumes.
	DepMap map[string]map[string]struct{}

	prio      *reason.Resolver
	prioStale bool
}

// NewCycle creates an empty cycle context over the catalog.
func NewCycle(catalog *recipe.Catalog) *Cycle {
	return &Cycle{
		Catalog: catalog,
		Reasons: make(map[string][]reason.Reason),
		NvData:  make(map[string][]nvchecker.Change),
		Failed:  make(map[string][]string),
		Built:   make(map[string]struct{}),
		DepMap:  make(map[string]map[string]struct{}),
	}
}

// AddReason appends a build reason to pkgbase.
func (c *Cycle) AddReason(pkgbase string, r reason.Reason) {
	c.Reasons[pkgbase] = append(c.Reasons[pkgbase], r)
	c.prioStale = true
}

// ReasonsOf returns pkgbase's reasons so far.
func (c *Cycle) ReasonsOf(pkgbase string) []reason.Reason {
	return c.Reasons[pkgbase]
}

// Reasoned reports whether pkgbase has at least one build reason.
func (c *Cycle) Reasoned(pkgbase string) bool {
	return len(c.Reasons[pkgbase]) > 0
}

// ReasonedPackages returns all reasoned packages in sorted order.
func (c *Cycle) ReasonedPackages() []string {
	pkgs := make([]string, 0, len(c.Reasons))
	for pkg := range c.Reasons {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	return pkgs
}

// Priority returns the effective build priority of pkgbase: the minimum over
// its reasons, following Depended chains transitively.
func (c *Cycle) Priority(pkgbase string) int {
	if c.prio == nil || c.prioStale {
		c.prio = reason.NewResolver(c.ReasonsOf)
		c.prioStale = false
	}
	return c.prio.Priority(pkgbase)
}
