package cycle

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pkgmill/pkgmill/internal/builder"
	"github.com/pkgmill/pkgmill/internal/config"
	"github.com/pkgmill/pkgmill/internal/logger"
	"github.com/pkgmill/pkgmill/internal/nvchecker"
	"github.com/pkgmill/pkgmill/internal/recipe"
	"github.com/pkgmill/pkgmill/internal/state"
	pkgmillerrors "github.com/pkgmill/pkgmill/pkg/errors"
)

type fakeRepo struct {
	branch  string
	head    string
	changed map[string][]string
	pkgrel  map[string]bool

	mu     sync.Mutex
	resets int
	pulls  int
	pushes int
}

func (r *fakeRepo) Head() (string, error)   { return r.head, nil }
func (r *fakeRepo) Branch() (string, error) { return r.branch, nil }

func (r *fakeRepo) ResetHard() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
	return nil
}

func (r *fakeRepo) PullOverride(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pulls++
	return nil
}

func (r *fakeRepo) Push(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes++
	return nil
}

func (r *fakeRepo) ChangedPackages(_, _ string) (map[string][]string, error) {
	return r.changed, nil
}

func (r *fakeRepo) PkgrelChanged(_, _, pkgbase, _ string) (bool, error) {
	return r.pkgrel[pkgbase], nil
}

type fakeChecker struct {
	out map[string][]nvchecker.Change
}

func (c *fakeChecker) Check(_ context.Context, _ []string) (map[string][]nvchecker.Change, error) {
	return c.out, nil
}

type fakeTaker struct {
	mu    sync.Mutex
	taken [][]string
}

func (t *fakeTaker) Take(_ context.Context, pkgs []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.taken = append(t.taken, append([]string(nil), pkgs...))
	return nil
}

type scriptedBuilder struct {
	mu      sync.Mutex
	results map[string]builder.Result
	order   []string
}

func (b *scriptedBuilder) Build(_ context.Context, pkgbase string, _ int, _ string) builder.Result {
	b.mu.Lock()
	b.order = append(b.order, pkgbase)
	b.mu.Unlock()
	if res, ok := b.results[pkgbase]; ok {
		return res
	}
	return builder.Result{Kind: builder.KindSuccessful, Version: "1.0-1", Elapsed: time.Millisecond}
}

type testEnv struct {
	baseDir string
	repoDir string
	cfg     *config.Config
	repo    *fakeRepo
	checker *fakeChecker
	taker   *fakeTaker
	build   *scriptedBuilder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	baseDir := t.TempDir()
	repoDir := t.TempDir()
	destDir := t.TempDir()

	return &testEnv{
		baseDir: baseDir,
		repoDir: repoDir,
		cfg: &config.Config{
			Repository: config.RepositoryConfig{Path: repoDir, DestDir: destDir},
			Pkgmill:    config.PkgmillConfig{Name: "pkgmill-test", MaxConcurrency: 1},
		},
		repo: &fakeRepo{
			branch: "master",
			head:   "1111111111111111111111111111111111111111",
		},
		checker: &fakeChecker{},
		taker:   &fakeTaker{},
		build:   &scriptedBuilder{},
	}
}

func (e *testEnv) writeRecipe(t *testing.T, pkgbase, content string) {
	t.Helper()
	dir := filepath.Join(e.repoDir, pkgbase)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, recipe.RecipeFileName), []byte(content), 0o644))
}

func (e *testEnv) run(t *testing.T, packages ...string) (*Summary, error) {
	t.Helper()
	log, err := logger.New(logger.Options{Level: "debug", Writer: io.Discard})
	require.NoError(t, err)

	return Run(context.Background(), Options{
		Config:   e.cfg,
		BaseDir:  e.baseDir,
		Packages: packages,
	}, Deps{
		Repo:    e.repo,
		Checker: e.checker,
		Taker:   e.taker,
		Builder: e.build,
		Log:     log,
	})
}

func (e *testEnv) loadState(t *testing.T) *state.State {
	t.Helper()
	st, err := state.NewStore(filepath.Join(e.baseDir, "store")).Load()
	require.NoError(t, err)
	return st
}

func TestRun_RejectsWrongBranch(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.repo.branch = "feature/everything"

	_, err := env.run(t)
	var setupErr *pkgmillerrors.SetupError
	require.ErrorAs(t, err, &setupErr)
}

func TestRun_UpstreamChangeBuildsAndPersistsState(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.writeRecipe(t, "pkgA", "update_on:\n  - source: github\n")
	env.checker.out = map[string][]nvchecker.Change{
		"pkgA": {{Index: 0, Source: "github", Old: "1.0", New: "1.1"}},
	}

	summary, err := env.run(t)
	require.NoError(t, err)
	require.Equal(t, []string{"pkgA"}, summary.Built)
	require.Empty(t, summary.Failed)

	st := env.loadState(t)
	require.Equal(t, env.repo.head, st.LastCommit)
	require.Empty(t, st.Failed)

	// nvtake applied exactly once, only for the attempted package.
	require.Equal(t, [][]string{{"pkgA"}}, env.taker.taken)
}

func TestRun_FailureEntersStateWithVersionAndMissing(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.writeRecipe(t, "pkgA", "update_on:\n  - source: github\n")
	env.checker.out = map[string][]nvchecker.Change{
		"pkgA": {{Index: 0, Source: "github", Old: "1.0", New: "2.0"}},
	}
	env.build.results = map[string]builder.Result{
		"pkgA": {
			Kind:    builder.KindFailed,
			Elapsed: time.Millisecond,
			Err:     pkgmillerrors.NewMissingDependenciesError([]string{"pkgB"}),
		},
	}

	summary, err := env.run(t)
	require.NoError(t, err, "package failures must not fail the cycle")
	require.Equal(t, []string{"pkgA"}, summary.Failed)

	st := env.loadState(t)
	require.Equal(t, state.FailedEntry{Missing: []string{"pkgB"}, Version: "2.0"}, st.Failed["pkgA"])

	// Attempted for an upstream reason, so the bookmark still advances.
	require.Equal(t, [][]string{{"pkgA"}}, env.taker.taken)
}

func TestRun_SuccessClearsPreviousFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.writeRecipe(t, "pkgA", "depends:\n  - pkgB\n")

	store := state.NewStore(filepath.Join(env.baseDir, "store"))
	st := state.NewState()
	st.LastCommit = "0000000000000000000000000000000000000000"
	st.Failed["pkgA"] = state.FailedEntry{Missing: []string{"pkgB"}, Version: "1.5"}
	require.NoError(t, store.Save(st))

	// pkgA's only reason is the carried failure; its missing dep resolves now.
	require.NoError(t, os.WriteFile(filepath.Join(env.cfg.Repository.DestDir, "pkgB-1.0-1.pkg.tar.zst"), nil, 0o644))

	summary, err := env.run(t)
	require.NoError(t, err)
	require.Equal(t, []string{"pkgA"}, summary.Built)

	require.Empty(t, env.loadState(t).Failed)
}

func TestRun_NoChangesSchedulesNothing(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.writeRecipe(t, "pkgA", "update_on:\n  - source: github\n")
	env.checker.out = map[string][]nvchecker.Change{
		"pkgA": {{Index: 0, Source: "github", Old: "1.1", New: "1.1"}},
	}

	summary, err := env.run(t)
	require.NoError(t, err)
	require.Empty(t, summary.Built)
	require.Empty(t, summary.Failed)
	require.Empty(t, env.build.order)
	require.Empty(t, env.taker.taken)
}

func TestRun_CmdlineBuildsOnlyNamedPackage(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.writeRecipe(t, "pkgA", "depends:\n  - pkgB\n")
	env.writeRecipe(t, "pkgB", "{}\n")
	env.writeRecipe(t, "pkgC", "{}\n")
	require.NoError(t, os.WriteFile(filepath.Join(env.cfg.Repository.DestDir, "pkgB-1.0-1.pkg.tar.zst"), nil, 0o644))
	env.repo.changed = map[string][]string{"pkgC": {recipe.RecipeFileName}}
	env.repo.pkgrel = map[string]bool{"pkgC": true}

	summary, err := env.run(t, "pkgA")
	require.NoError(t, err)
	require.Equal(t, []string{"pkgA"}, summary.Built)
}

func TestRun_RebuildFailedPkgsTakesAllSuccesses(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.cfg.Pkgmill.RebuildFailedPkgs = true
	env.writeRecipe(t, "pkgA", "{}\n")
	env.repo.changed = map[string][]string{"pkgA": {recipe.RecipeFileName}}
	env.repo.pkgrel = map[string]bool{"pkgA": true}

	summary, err := env.run(t)
	require.NoError(t, err)
	require.Equal(t, []string{"pkgA"}, summary.Built)
	require.Equal(t, [][]string{{"pkgA"}}, env.taker.taken)
}

func TestRun_PkgrelOnlySuccessDoesNotTakeVersions(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.writeRecipe(t, "pkgA", "{}\n")
	env.repo.changed = map[string][]string{"pkgA": {recipe.RecipeFileName}}
	env.repo.pkgrel = map[string]bool{"pkgA": true}

	summary, err := env.run(t)
	require.NoError(t, err)
	require.Equal(t, []string{"pkgA"}, summary.Built)
	require.Empty(t, env.taker.taken)
}

func TestRun_BrokenRecipeIsReportedAndMarkedFailed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.writeRecipe(t, "pkgBroken", "depends: [\n")

	summary, err := env.run(t)
	require.NoError(t, err)
	require.Equal(t, []string{"pkgBroken"}, summary.Failed)

	st := env.loadState(t)
	require.Contains(t, st.Failed, "pkgBroken")
	require.Empty(t, st.Failed["pkgBroken"].Missing)
}

func TestRun_SyncsAndPushesWhenConfigured(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.cfg.Pkgmill.GitPush = true

	_, err := env.run(t)
	require.NoError(t, err)

	env.repo.mu.Lock()
	defer env.repo.mu.Unlock()
	require.Equal(t, 1, env.repo.pulls)
	require.Equal(t, 2, env.repo.resets)
	require.Equal(t, 1, env.repo.pushes)
}
