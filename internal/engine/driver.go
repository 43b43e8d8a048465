package engine

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/pkgmill/pkgmill/internal/builder"
	"github.com/pkgmill/pkgmill/internal/logger"
	"github.com/pkgmill/pkgmill/internal/reason"
)

// Worker identity is intentionally process-wide: builders may key per-worker
// sandbox slots on it, and workers are not recycled across cycles.
var (
	workerMu  sync.Mutex
	workerSeq int
)

func nextWorkerID() int {
	workerMu.Lock()
	defer workerMu.Unlock()
	id := workerSeq
	workerSeq++
	return id
}

// Driver pulls ready packages from the sorter and pushes them through a
// bounded worker pool, feeding results back to the handler from the driver
// goroutine.
type Driver struct {
	Cycle          *Cycle
	Sorter         *Sorter
	Builder        builder.Builder
	Handler        *ResultHandler
	DB             Database
	RunID          string
	MaxConcurrency int
	LogDir         string
	Log            *logger.Logger
}

type buildDone struct {
	pkg string
	res builder.Result
}

// Run executes the scheduling loop until the sorter is exhausted or the
// context is cancelled. On cancellation, in-flight builds finish and their
// results are handled; no new builds start.
func (d *Driver) Run(ctx context.Context) error {
	concurrency := d.MaxConcurrency
	if concurrency < 1 {
		concurrency = 1
	}

	// Builds are not cancelled with ctx: an interrupt stops dispatching only.
	buildCtx := context.WithoutCancel(ctx)

	jobs := make(chan string)
	results := make(chan buildDone)
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			workerID := nextWorkerID()
			for pkg := range jobs {
				logPath := filepath.Join(d.LogDir, pkg+".log")
				results <- buildDone{pkg: pkg, res: d.Builder.Build(buildCtx, pkg, workerID, logPath)}
			}
		}()
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	running := make(map[string]struct{}, concurrency)
	inflight := 0
	interrupted := false

	for {
		if !interrupted && ctx.Err() != nil {
			interrupted = true
			d.Log.Warn("interrupted; waiting for running builds to finish")
		}

		var picked []string
		if !interrupted {
			picked = d.tryPickSome(ctx, concurrency-inflight, running)
			for _, pkg := range picked {
				d.Log.Infof("building %s because: %s", pkg, reason.Describe(d.Cycle.ReasonsOf(pkg)))
				dbMarkStatus(d.DB, ctx, d.RunID, pkg, "building")
				running[pkg] = struct{}{}
				inflight++
				jobs <- pkg
			}
		}

		if inflight == 0 {
			if interrupted || len(picked) == 0 {
				break
			}
			continue
		}

		var done buildDone
		if interrupted {
			done = <-results
		} else {
			select {
			case done = <-results:
			case <-ctx.Done():
				interrupted = true
				d.Log.Warn("interrupted; waiting for running builds to finish")
				continue
			}
		}

		delete(running, done.pkg)
		inflight--
		d.Handler.Handle(ctx, done.pkg, done.res)

		// Drain any further completed builds without blocking.
		drained := true
		for drained {
			select {
			case more := <-results:
				delete(running, more.pkg)
				inflight--
				d.Handler.Handle(ctx, more.pkg, more.res)
			default:
				drained = false
			}
		}
	}

	if interrupted {
		return ctx.Err()
	}
	return nil
}

// tryPickSome selects up to limit ready packages. Packages already failed
// this cycle and carried-over failures whose dependencies are still missing
// are completed in place without building.
func (d *Driver) tryPickSome(ctx context.Context, limit int, running map[string]struct{}) []string {
	if limit <= 0 || !d.Sorter.IsActive() {
		return nil
	}

	var picked []string
	pickedSet := make(map[string]struct{})

	// Completing a package in place can unblock its dependents, so the
	// frontier is re-fetched until a pass makes no further progress.
	for len(picked) < limit {
		completedInPlace := false
		for _, pkg := range d.Sorter.Ready() {
			if len(picked) >= limit {
				break
			}
			if _, busy := running[pkg]; busy {
				continue
			}
			if _, chosen := pickedSet[pkg]; chosen {
				continue
			}
			if _, failed := d.Cycle.Failed[pkg]; failed {
				d.Sorter.Done(pkg)
				dbMarkStatus(d.DB, ctx, d.RunID, pkg, "done")
				completedInPlace = true
				continue
			}
			if d.stillMissingDeps(pkg) {
				d.Log.Infof("skipping %s: previously missing dependencies are still unavailable", pkg)
				d.Sorter.Done(pkg)
				dbMarkStatus(d.DB, ctx, d.RunID, pkg, "done")
				completedInPlace = true
				continue
			}
			picked = append(picked, pkg)
			pickedSet[pkg] = struct{}{}
		}
		if !completedInPlace {
			break
		}
	}
	return picked
}

// stillMissingDeps reports whether pkg's only reason is a carried-over
// missing-dependency failure whose dependencies still fail to resolve.
func (d *Driver) stillMissingDeps(pkg string) bool {
	reasons := d.Cycle.ReasonsOf(pkg)
	if len(reasons) == 0 {
		return false
	}

	missing := make(map[string]struct{})
	for _, r := range reasons {
		fbd, ok := r.(reason.FailedByDeps)
		if !ok {
			return false
		}
		for _, dep := range fbd.Deps {
			missing[dep] = struct{}{}
		}
	}

	r, ok := d.Cycle.Catalog.Get(pkg)
	if !ok {
		return true
	}
	for _, dep := range r.Deps {
		if _, wasMissing := missing[dep.PkgBase]; !wasMissing {
			continue
		}
		if !dep.Resolve() {
			return true
		}
	}
	return false
}
