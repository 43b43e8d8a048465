package engine

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pkgmill/pkgmill/internal/builder"
	"github.com/pkgmill/pkgmill/internal/db"
	"github.com/pkgmill/pkgmill/internal/logger"
	"github.com/pkgmill/pkgmill/internal/recipe"
)

func nopLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Options{Level: "debug", Writer: io.Discard})
	require.NoError(t, err)
	return log
}

// artifactSet simulates the destination directory: dependency predicates
// resolve against it and builds may append to it mid-cycle.
type artifactSet struct {
	mu  sync.Mutex
	set map[string]struct{}
}

func newArtifactSet(names ...string) *artifactSet {
	a := &artifactSet{set: make(map[string]struct{})}
	for _, name := range names {
		a.set[name] = struct{}{}
	}
	return a
}

func (a *artifactSet) add(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.set[name] = struct{}{}
}

func (a *artifactSet) has(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.set[name]
	return ok
}

type testPkg struct {
	deps     []string
	sources  []string
	throttle map[int]time.Duration
}

func buildCatalog(pkgs map[string]testPkg, onDisk *artifactSet) *recipe.Catalog {
	recipes := make(map[string]*recipe.Recipe, len(pkgs))
	for name, tp := range pkgs {
		r := &recipe.Recipe{PkgBase: name, Throttle: tp.throttle}
		for _, dep := range tp.deps {
			depName := dep
			r.Deps = append(r.Deps, recipe.NewDependency(dep, depName, func() bool {
				return onDisk.has(depName)
			}))
		}
		for _, src := range tp.sources {
			r.Sources = append(r.Sources, recipe.UpstreamSource{Source: src})
		}
		recipes[name] = r
	}
	return recipe.NewCatalog(recipes, nil)
}

// fakeSink records notifications.
type fakeSink struct {
	mu       sync.Mutex
	reports  []string
	subjects map[string][]string
}

func newFakeSink() *fakeSink {
	return &fakeSink{subjects: make(map[string][]string)}
}

func (s *fakeSink) Send(pkgbase, subject, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, pkgbase+": "+subject+": "+body)
	s.subjects[pkgbase] = append(s.subjects[pkgbase], subject)
}

func (s *fakeSink) SendException(pkgbase, subject string, err error, logRef string) {
	s.Send(pkgbase, subject, logRef)
}

// fakeDB implements Database with scripted answers.
type fakeDB struct {
	mu          sync.Mutex
	lastSuccess map[string]time.Time
	lastFailed  map[string]bool
	statuses    map[string][]string
	logs        []db.LogRecord
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		lastSuccess: make(map[string]time.Time),
		lastFailed:  make(map[string]bool),
		statuses:    make(map[string][]string),
	}
}

func (d *fakeDB) LastSuccessTime(_ context.Context, pkgbase string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.lastSuccess[pkgbase]
	return t, ok
}

func (d *fakeDB) IsLastBuildFailed(_ context.Context, pkgbase string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastFailed[pkgbase]
}

func (d *fakeDB) MarkStatus(_ context.Context, _, pkgbase, status string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statuses[pkgbase] = append(d.statuses[pkgbase], status)
}

func (d *fakeDB) AppendLog(_ context.Context, record db.LogRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logs = append(d.logs, record)
}

// fakeBuilder returns scripted results and records dispatch order and worker
// identities.
type fakeBuilder struct {
	mu        sync.Mutex
	order     []string
	workerIDs []int
	results   map[string]builder.Result
	onBuild   func(pkg string)
	gate      chan struct{}
	started   chan string
}

func (b *fakeBuilder) Build(_ context.Context, pkgbase string, workerID int, _ string) builder.Result {
	b.mu.Lock()
	b.order = append(b.order, pkgbase)
	b.workerIDs = append(b.workerIDs, workerID)
	b.mu.Unlock()

	if b.started != nil {
		b.started <- pkgbase
	}
	if b.gate != nil {
		<-b.gate
	}
	if b.onBuild != nil {
		b.onBuild(pkgbase)
	}

	if res, ok := b.results[pkgbase]; ok {
		return res
	}
	return builder.Result{Kind: builder.KindSuccessful, Version: "1.0-1", Elapsed: time.Millisecond}
}

func (b *fakeBuilder) builtOrder() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.order...)
}

func newTestHarness(t *testing.T, cy *Cycle, build *fakeBuilder, maxConcurrency int) (*Driver, *fakeSink, *fakeDB) {
	t.Helper()

	log := nopLogger(t)
	sorter, err := NewSorter(cy, log)
	require.NoError(t, err)

	sink := newFakeSink()
	database := newFakeDB()
	events := logger.NewEventLogger(io.Discard, "test")

	handler := &ResultHandler{
		Cycle:  cy,
		Sorter: sorter,
		DB:     database,
		RunID:  "run-test",
		Sink:   sink,
		Log:    log,
		Events: events,
		LogDir: t.TempDir(),
	}
	driver := &Driver{
		Cycle:          cy,
		Sorter:         sorter,
		Builder:        build,
		Handler:        handler,
		DB:             database,
		RunID:          "run-test",
		MaxConcurrency: maxConcurrency,
		LogDir:         handler.LogDir,
		Log:            log,
	}
	return driver, sink, database
}
