package engine

import (
	"context"
	"time"

	"github.com/pkgmill/pkgmill/internal/logger"
	"github.com/pkgmill/pkgmill/internal/nvchecker"
	"github.com/pkgmill/pkgmill/internal/reason"
	"github.com/pkgmill/pkgmill/internal/state"
)

// CollectInput carries everything the reason collector consumes.
type CollectInput struct {
	// Cmdline is the force-build package list; when non-empty it replaces
	// change detection entirely.
	Cmdline []string
	// Changed maps packages to files changed over the commit range.
	Changed map[string][]string
	// PkgrelChanged reports whether the package's release field moved over
	// the commit range.
	PkgrelChanged func(pkgbase string) (bool, error)
	// PrevFailed is the previous cycle's failure memory.
	PrevFailed map[string]state.FailedEntry
	// Upstream is the upstream-check result for the packages under
	// consideration.
	Upstream map[string][]nvchecker.Change
	// Now anchors throttle decisions.
	Now time.Time
}

// CollectReasons classifies each candidate package with zero or more build
// reasons and records upstream-check data on the cycle.
func CollectReasons(ctx context.Context, cy *Cycle, database Database, in CollectInput, log *logger.Logger) {
	if len(in.Cmdline) > 0 {
		for _, pkg := range in.Cmdline {
			if !cy.Catalog.Managed(pkg) {
				log.Warnf("requested package %s is not managed by this repository", pkg)
				continue
			}
			cy.AddReason(pkg, reason.Cmdline{})
		}
	} else {
		collectFromChanges(cy, in, log)
	}

	collectUpstream(ctx, cy, database, in, log)
}

func collectFromChanges(cy *Cycle, in CollectInput, log *logger.Logger) {
	changed := make(map[string]struct{}, len(in.Changed))
	for pkg := range in.Changed {
		if cy.Catalog.Managed(pkg) {
			changed[pkg] = struct{}{}
		}
	}

	for pkg := range changed {
		if _, failedBefore := in.PrevFailed[pkg]; failedBefore {
			cy.AddReason(pkg, reason.UpdatedFailed{})
		}
	}

	for pkg := range changed {
		if upstreamUnknown(cy, in, pkg) {
			continue
		}
		if in.PkgrelChanged == nil {
			continue
		}
		bumped, err := in.PkgrelChanged(pkg)
		if err != nil {
			log.Error(err, "failed to inspect release field for "+pkg)
			continue
		}
		if bumped {
			cy.AddReason(pkg, reason.UpdatedPkgrel{})
		}
	}

	for pkg, entry := range in.PrevFailed {
		if !cy.Catalog.Managed(pkg) {
			continue
		}
		cy.AddReason(pkg, reason.FailedByDeps{Deps: append([]string(nil), entry.Missing...)})
	}
}

// upstreamUnknown reports whether pkg declares upstream sources but the
// checker produced no result for it this cycle.
func upstreamUnknown(cy *Cycle, in CollectInput, pkg string) bool {
	r, ok := cy.Catalog.Get(pkg)
	if !ok || len(r.Sources) == 0 {
		return false
	}
	_, checked := in.Upstream[pkg]
	return !checked
}

func collectUpstream(ctx context.Context, cy *Cycle, database Database, in CollectInput, log *logger.Logger) {
	for pkg, changes := range in.Upstream {
		cy.NvData[pkg] = changes

		var moved []reason.SourceChange
		for _, change := range changes {
			if change.Old == change.New {
				continue
			}
			moved = append(moved, reason.SourceChange{Index: change.Index, Source: change.Source})
		}
		if len(moved) == 0 {
			continue
		}

		surviving := applyThrottle(ctx, cy, database, in.Now, pkg, moved, log)
		if len(surviving) == 0 {
			continue
		}
		cy.AddReason(pkg, reason.NvChecker{Items: surviving})
	}
}

// applyThrottle drops source changes whose per-source interval has not
// elapsed since the package's last successful build. Without a database every
// pair survives.
func applyThrottle(ctx context.Context, cy *Cycle, database Database, now time.Time, pkg string, moved []reason.SourceChange, log *logger.Logger) []reason.SourceChange {
	r, ok := cy.Catalog.Get(pkg)
	if !ok {
		return moved
	}

	surviving := moved[:0]
	for _, change := range moved {
		interval, throttled := r.ThrottleFor(change.Index)
		if !throttled {
			surviving = append(surviving, change)
			continue
		}
		last, known := dbLastSuccess(database, ctx, pkg)
		if !known || !last.Add(interval).After(now) {
			surviving = append(surviving, change)
			continue
		}
		log.Infof("throttled %s source %d until %s", pkg, change.Index, last.Add(interval).Format(time.RFC3339))
	}
	return surviving
}
