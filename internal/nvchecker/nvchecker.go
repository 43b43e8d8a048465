// Package nvchecker defines the upstream version checking surface. The
// scheduler consumes check results and advances bookmarks; executing checks is
// someone else's job.
package nvchecker

import "context"

// Change reports one upstream source's recorded bookmark (Old) and current
// upstream version (New); they are equal when the source has not moved. Index
// is the position in the recipe's ordered source list.
type Change struct {
	Index  int
	Source string
	Old    string
	New    string
}

// Checker returns, per package, the old and new versions of its checked
// sources, including sources whose version did not change.
type Checker interface {
	Check(ctx context.Context, pkgs []string) (map[string][]Change, error)
}

// Taker commits new upstream versions as the baseline for future change
// detection. Applied at most once per package per cycle.
type Taker interface {
	Take(ctx context.Context, pkgs []string) error
}

// NewVersion returns the newest version a package's changes report, or "".
func NewVersion(changes []Change) string {
	if len(changes) == 0 {
		return ""
	}
	return changes[len(changes)-1].New
}
