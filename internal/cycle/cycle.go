// Package cycle drives one end-to-end scheduler invocation: lock, sync,
// collect, schedule, build, persist.
package cycle

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkgmill/pkgmill/internal/builder"
	"github.com/pkgmill/pkgmill/internal/config"
	"github.com/pkgmill/pkgmill/internal/db"
	"github.com/pkgmill/pkgmill/internal/engine"
	"github.com/pkgmill/pkgmill/internal/logger"
	"github.com/pkgmill/pkgmill/internal/notify"
	"github.com/pkgmill/pkgmill/internal/nvchecker"
	"github.com/pkgmill/pkgmill/internal/recipe"
	"github.com/pkgmill/pkgmill/internal/state"
	pkgmillerrors "github.com/pkgmill/pkgmill/pkg/errors"
)

// SourceControl is the repository synchronization surface the driver needs.
type SourceControl interface {
	Head() (string, error)
	Branch() (string, error)
	ResetHard() error
	PullOverride(ctx context.Context) error
	Push(ctx context.Context) error
	ChangedPackages(from, to string) (map[string][]string, error)
	PkgrelChanged(from, to, pkgbase, recipeFile string) (bool, error)
}

// Options parameterizes one cycle.
type Options struct {
	Config *config.Config
	// BaseDir holds the lock file, state store, and logs.
	BaseDir string
	// Packages is the command-line force-build list.
	Packages []string
}

// Deps are the external collaborators. Sink, Log, ConsoleWriter, and Now are
// optional; without Log a cycle logger writing to the console, build.log, and
// the per-cycle main log is constructed.
type Deps struct {
	Repo          SourceControl
	Checker       nvchecker.Checker
	Taker         nvchecker.Taker
	Builder       builder.Builder
	Sink          notify.Sink
	Log           *logger.Logger
	ConsoleWriter io.Writer
	Now           func() time.Time
}

// Summary reports cycle totals for the CLI.
type Summary struct {
	Built   []string
	Failed  []string
	Elapsed time.Duration
}

// Run executes one cycle. Package failures do not produce an error; setup and
// scheduling-layer problems do, as do a failed state save and a failed
// post-run command. State is persisted and post-run steps execute even when
// the scheduling loop errors.
func Run(ctx context.Context, opts Options, deps Deps) (*Summary, error) {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	start := now()

	lock, err := state.AcquireLock(filepath.Join(opts.BaseDir, ".lock"))
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	logDir := filepath.Join(opts.BaseDir, "log", start.UTC().Format("2006-01-02T15:04:05"))
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, pkgmillerrors.NewSetupError("create cycle log directory", err)
	}

	log := deps.Log
	if log == nil {
		cycleLog, logClose, err := openCycleLogger(opts.BaseDir, logDir, deps.ConsoleWriter)
		if err != nil {
			return nil, err
		}
		defer logClose()
		log = cycleLog
	}

	branch, err := deps.Repo.Branch()
	if err != nil {
		return nil, pkgmillerrors.NewSetupError("determine current branch", err)
	}
	if branch != "master" && branch != "main" {
		return nil, pkgmillerrors.NewSetupError(fmt.Sprintf("refusing to run on branch %q", branch), nil)
	}

	for key, value := range opts.Config.Envvars {
		os.Setenv(key, value)
	}

	database, err := db.Open(ctx, opts.Config.Pkgmill.DBURL)
	if err != nil {
		return nil, pkgmillerrors.NewSetupError("open database", err)
	}
	defer database.Close()

	sink := deps.Sink
	if sink == nil {
		sink = &notify.LogSink{Maintainer: opts.Config.Pkgmill.Name, Log: log}
	}

	events, eventsClose, err := openEventLog(filepath.Join(opts.BaseDir, "build-log.json"))
	if err != nil {
		return nil, err
	}
	defer eventsClose()

	if err := runCommands(ctx, opts.Config.Misc.Prerun, log); err != nil {
		return nil, pkgmillerrors.NewSetupError("pre-run command failed", err)
	}

	if err := deps.Repo.ResetHard(); err != nil {
		return nil, pkgmillerrors.NewSetupError("git reset", err)
	}
	if err := deps.Repo.PullOverride(ctx); err != nil {
		return nil, pkgmillerrors.NewSetupError("git pull", err)
	}

	store := state.NewStore(filepath.Join(opts.BaseDir, "store"))
	st, err := store.Load()
	if err != nil {
		return nil, pkgmillerrors.NewSetupError("load cycle state", err)
	}

	catalog, err := recipe.LoadCatalog(opts.Config.Repository.Path, opts.Config.Repository.DestDir)
	if err != nil {
		return nil, pkgmillerrors.NewSetupError("load recipe catalog", err)
	}

	cy := engine.NewCycle(catalog)
	for pkg, loadErr := range catalog.Broken() {
		cy.Failed[pkg] = nil
		sink.SendException(pkg, "recipe failed to load", loadErr, "")
	}

	head, err := deps.Repo.Head()
	if err != nil {
		return nil, pkgmillerrors.NewSetupError("resolve HEAD", err)
	}

	runID := database.StartRun(ctx, start)

	runErr := runScheduler(ctx, cy, st, head, runID, database, sink, log, events, logDir, opts, deps)

	// Finalization: steps below run regardless of scheduling errors.
	finalizeState(cy, st, deps, opts, head)
	if saveErr := store.Save(st); saveErr != nil {
		log.Error(saveErr, "failed to persist cycle state")
		if runErr == nil {
			runErr = saveErr
		}
	}

	takeVersions(ctx, cy, deps, opts, log)

	if err := deps.Repo.ResetHard(); err != nil {
		log.Error(err, "post-cycle git reset failed")
	}
	if opts.Config.Pkgmill.GitPush {
		if err := deps.Repo.Push(ctx); err != nil {
			log.Error(err, "git push failed")
		}
	}

	database.FinishRun(ctx, runID, now())

	if err := runCommands(ctx, opts.Config.Misc.Postrun, log); err != nil {
		log.Error(err, "post-run command failed")
		if runErr == nil {
			runErr = err
		}
	}

	summary := &Summary{Elapsed: now().Sub(start)}
	for pkg := range cy.Built {
		summary.Built = append(summary.Built, pkg)
	}
	for pkg := range cy.Failed {
		summary.Failed = append(summary.Failed, pkg)
	}
	sort.Strings(summary.Built)
	sort.Strings(summary.Failed)
	return summary, runErr
}

func runScheduler(ctx context.Context, cy *engine.Cycle, st *state.State, head, runID string, database *db.DB, sink notify.Sink, log *logger.Logger, events *logger.EventLogger, logDir string, opts Options, deps Deps) error {
	changed, err := deps.Repo.ChangedPackages(st.LastCommit, head)
	if err != nil {
		return fmt.Errorf("diff commit range: %w", err)
	}

	carePkgs := cy.Catalog.Names()
	if len(opts.Packages) > 0 {
		carePkgs = cy.Catalog.DependencyClosure(opts.Packages)
	}

	upstream, err := deps.Checker.Check(ctx, carePkgs)
	if err != nil {
		log.Error(err, "upstream check failed; continuing without upstream data")
		upstream = nil
	}

	last := st.LastCommit
	engine.CollectReasons(ctx, cy, database, engine.CollectInput{
		Cmdline: opts.Packages,
		Changed: changed,
		PkgrelChanged: func(pkgbase string) (bool, error) {
			return deps.Repo.PkgrelChanged(last, head, pkgbase, recipe.RecipeFileName)
		},
		PrevFailed: st.Failed,
		Upstream:   upstream,
		Now:        time.Now(),
	}, log)

	engine.BuildDepGraph(ctx, cy, database, sink, log)

	sorter, err := engine.NewSorter(cy, log)
	if err != nil {
		return err
	}

	handler := &engine.ResultHandler{
		Cycle:  cy,
		Sorter: sorter,
		DB:     database,
		RunID:  runID,
		Sink:   sink,
		Log:    log,
		Events: events,
		LogDir: logDir,
	}
	driver := &engine.Driver{
		Cycle:          cy,
		Sorter:         sorter,
		Builder:        deps.Builder,
		Handler:        handler,
		DB:             database,
		RunID:          runID,
		MaxConcurrency: opts.Config.Pkgmill.MaxConcurrency,
		LogDir:         logDir,
		Log:            log,
	}
	return driver.Run(ctx)
}

// finalizeState updates the failure memory: failures gain entries with their
// upstream version, successes clear theirs, and entries for packages no
// longer managed are dropped unless a command-line filter was in effect.
func finalizeState(cy *engine.Cycle, st *state.State, deps Deps, opts Options, head string) {
	if latest, err := deps.Repo.Head(); err == nil {
		st.LastCommit = latest
	} else {
		st.LastCommit = head
	}

	for pkg, missing := range cy.Failed {
		st.Failed[pkg] = state.FailedEntry{
			Missing: append([]string(nil), missing...),
			Version: nvchecker.NewVersion(cy.NvData[pkg]),
		}
	}
	for pkg := range cy.Built {
		delete(st.Failed, pkg)
	}
	if len(opts.Packages) == 0 {
		for pkg := range st.Failed {
			if !cy.Catalog.Managed(pkg) {
				delete(st.Failed, pkg)
			}
		}
	}
}

// takeVersions advances upstream bookmarks: every success when failed
// packages are rebuilt unconditionally, otherwise only packages we actually
// attempted for an upstream reason.
func takeVersions(ctx context.Context, cy *engine.Cycle, deps Deps, opts Options, log *logger.Logger) {
	if deps.Taker == nil {
		return
	}

	var take []string
	if opts.Config.Pkgmill.RebuildFailedPkgs {
		for pkg := range cy.Built {
			take = append(take, pkg)
		}
	} else {
		for pkg, reasons := range cy.Reasons {
			hasNv := false
			for _, r := range reasons {
				if r.Kind() == "NvChecker" {
					hasNv = true
					break
				}
			}
			if !hasNv {
				continue
			}
			_, built := cy.Built[pkg]
			_, failed := cy.Failed[pkg]
			if built || failed {
				take = append(take, pkg)
			}
		}
	}
	if len(take) == 0 {
		return
	}
	if err := deps.Taker.Take(ctx, take); err != nil {
		log.Error(err, "failed to advance upstream bookmarks")
	}
}

func runCommands(ctx context.Context, commands [][]string, log *logger.Logger) error {
	for _, argv := range commands {
		if len(argv) == 0 {
			continue
		}
		log.Infof("running %v", argv)
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("command %v: %w", argv, err)
		}
	}
	return nil
}

// openCycleLogger builds the cycle's human logger: console plus the
// append-only build.log plus the per-cycle main log.
func openCycleLogger(baseDir, logDir string, console io.Writer) (*logger.Logger, func(), error) {
	buildLog, err := os.OpenFile(filepath.Join(baseDir, "build.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, pkgmillerrors.NewSetupError("open build log", err)
	}
	mainLog, err := os.OpenFile(filepath.Join(logDir, "pkgmill-main.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		buildLog.Close()
		return nil, nil, pkgmillerrors.NewSetupError("open cycle main log", err)
	}

	writers := []io.Writer{buildLog, mainLog}
	if console != nil {
		writers = append(writers, console)
	}
	log, err := logger.New(logger.Options{Level: "info", HumanReadable: true, Writer: io.MultiWriter(writers...)})
	if err != nil {
		buildLog.Close()
		mainLog.Close()
		return nil, nil, err
	}

	closer := func() {
		buildLog.Close()
		mainLog.Close()
	}
	return log, closer, nil
}

func openEventLog(path string) (*logger.EventLogger, func(), error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, pkgmillerrors.NewSetupError("open structured build log", err)
	}
	return logger.NewEventLogger(file, "build"), func() { file.Close() }, nil
}
