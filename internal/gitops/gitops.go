// Package gitops wraps repository synchronization and commit-range queries
// for the scheduler.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Repo is the scheduler's view of the recipe repository working tree.
type Repo struct {
	path string
	repo *git.Repository
}

// Open opens the repository at path.
func Open(path string) (*Repo, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", path, err)
	}
	return &Repo{path: path, repo: repo}, nil
}

// Head returns the current HEAD commit hash.
func (r *Repo) Head() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// Branch returns the short name of the checked-out branch.
func (r *Repo) Branch() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", fmt.Errorf("HEAD is detached")
	}
	return head.Name().Short(), nil
}

// ResetHard discards all local modifications.
func (r *Repo) ResetHard() error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Mode: git.HardReset}); err != nil {
		return fmt.Errorf("reset hard: %w", err)
	}
	return wt.Clean(&git.CleanOptions{Dir: true})
}

// PullOverride fetches origin and resets the local branch to the remote tip,
// discarding local divergence.
func (r *Repo) PullOverride(ctx context.Context) error {
	err := r.repo.FetchContext(ctx, &git.FetchOptions{RemoteName: "origin"})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch origin: %w", err)
	}

	branch, err := r.Branch()
	if err != nil {
		return err
	}
	remoteRef, err := r.repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		return fmt.Errorf("resolve origin/%s: %w", branch, err)
	}

	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	return wt.Reset(&git.ResetOptions{Mode: git.HardReset, Commit: remoteRef.Hash()})
}

// Push publishes local commits to origin.
func (r *Repo) Push(ctx context.Context) error {
	err := r.repo.PushContext(ctx, &git.PushOptions{RemoteName: "origin"})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}

// ChangedPackages maps top-level package directories to the files changed
// within them over the commit range (from, to]. An empty from hash means
// everything in to's tree counts as changed.
func (r *Repo) ChangedPackages(from, to string) (map[string][]string, error) {
	toCommit, err := r.repo.CommitObject(plumbing.NewHash(to))
	if err != nil {
		return nil, fmt.Errorf("resolve commit %s: %w", to, err)
	}
	toTree, err := toCommit.Tree()
	if err != nil {
		return nil, err
	}

	changed := make(map[string][]string)
	record := func(path string) {
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 {
			return
		}
		changed[parts[0]] = append(changed[parts[0]], parts[1])
	}

	if from == "" {
		err := toTree.Files().ForEach(func(f *object.File) error {
			record(f.Name)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return changed, nil
	}

	fromCommit, err := r.repo.CommitObject(plumbing.NewHash(from))
	if err != nil {
		return nil, fmt.Errorf("resolve commit %s: %w", from, err)
	}
	fromTree, err := fromCommit.Tree()
	if err != nil {
		return nil, err
	}

	diffs, err := object.DiffTree(fromTree, toTree)
	if err != nil {
		return nil, fmt.Errorf("diff %s..%s: %w", from, to, err)
	}
	for _, change := range diffs {
		if change.From.Name != "" {
			record(change.From.Name)
		}
		if change.To.Name != "" && change.To.Name != change.From.Name {
			record(change.To.Name)
		}
	}
	return changed, nil
}

var pkgrelRegex = regexp.MustCompile(`(?m)^pkgrel\s*[:=]\s*(\S+)`)

// PkgrelChanged reports whether the package's release field differs across
// the commit range. A file missing on either side counts as changed.
func (r *Repo) PkgrelChanged(from, to, pkgbase, recipeFile string) (bool, error) {
	if from == "" {
		return true, nil
	}

	path := pkgbase + "/" + recipeFile
	oldRel, oldOK, err := r.pkgrelAt(from, path)
	if err != nil {
		return false, err
	}
	newRel, newOK, err := r.pkgrelAt(to, path)
	if err != nil {
		return false, err
	}
	if oldOK != newOK {
		return true, nil
	}
	return oldRel != newRel, nil
}

func (r *Repo) pkgrelAt(hash, path string) (string, bool, error) {
	commit, err := r.repo.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return "", false, fmt.Errorf("resolve commit %s: %w", hash, err)
	}
	file, err := commit.File(path)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	contents, err := file.Contents()
	if err != nil {
		return "", false, err
	}
	match := pkgrelRegex.FindStringSubmatch(contents)
	if match == nil {
		return "", false, nil
	}
	return match[1], true, nil
}
