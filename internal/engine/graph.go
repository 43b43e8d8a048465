package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pkgmill/pkgmill/internal/logger"
	"github.com/pkgmill/pkgmill/internal/notify"
	"github.com/pkgmill/pkgmill/internal/reason"
)

// BuildDepGraph materializes the cycle's dependency subgraph, seeded from
// reasoned packages. Dependencies whose artifacts are missing are promoted
// into the cycle via Depended reasons; non-managed dependencies are reported
// once per depender.
func BuildDepGraph(ctx context.Context, cy *Cycle, database Database, sink notify.Sink, log *logger.Logger) {
	nonexistent := make(map[string][]string)
	visited := make(map[string]struct{})
	worklist := cy.ReasonedPackages()

	for len(worklist) > 0 {
		pkg := worklist[0]
		worklist = worklist[1:]
		if _, done := visited[pkg]; done {
			continue
		}
		visited[pkg] = struct{}{}

		r, ok := cy.Catalog.Get(pkg)
		if !ok {
			cy.DepMap[pkg] = make(map[string]struct{})
			continue
		}

		depSet := make(map[string]struct{}, len(r.Deps))
		for _, dep := range r.Deps {
			depSet[dep.PkgBase] = struct{}{}

			if dep.Resolve() {
				continue
			}
			if !cy.Catalog.Managed(dep.PkgBase) {
				nonexistent[pkg] = append(nonexistent[pkg], dep.Name)
				continue
			}
			if dbLastBuildFailed(database, ctx, dep.PkgBase) {
				// The database's liveness view may be stale; the skip can
				// mask a newly buildable package, so it is logged.
				log.Warnf("not promoting dependency %s of %s: its last build failed", dep.PkgBase, pkg)
				continue
			}
			cy.AddReason(dep.PkgBase, reason.Depended{Depender: pkg})
			worklist = append(worklist, dep.PkgBase)
		}
		cy.DepMap[pkg] = depSet
	}

	// Dependencies that were not promoted still enter the map so the sorter
	// sees the full relevant subgraph; without a reason they complete
	// immediately.
	for _, pkg := range mapKeysSorted(cy.DepMap) {
		for dep := range cy.DepMap[pkg] {
			if _, present := cy.DepMap[dep]; present {
				continue
			}
			inner := make(map[string]struct{})
			if r, ok := cy.Catalog.Get(dep); ok {
				for _, dd := range r.Deps {
					inner[dd.PkgBase] = struct{}{}
				}
			}
			cy.DepMap[dep] = inner
		}
	}

	for _, pkg := range mapKeysSorted(nonexistent) {
		deps := nonexistent[pkg]
		sort.Strings(deps)
		sink.Send(pkg, "nonexistent dependencies",
			fmt.Sprintf("package %s depends on packages not managed by this repository: %s",
				pkg, strings.Join(deps, ", ")))
	}
}

func mapKeysSorted[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
