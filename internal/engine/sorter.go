package engine

import (
	"sort"

	"github.com/pkgmill/pkgmill/internal/logger"
	pkgmillerrors "github.com/pkgmill/pkgmill/pkg/errors"
)

// Sorter is a live priority-ordered topological sorter over the cycle's
// dependency subgraph. Packages without a reason act as already-completed
// nodes and never surface; reasoned packages surface in the ready frontier
// sorted ascending by effective build priority.
type Sorter struct {
	cy  *Cycle
	log *logger.Logger

	// pending maps each node to its not-yet-completed dependencies.
	pending    map[string]map[string]struct{}
	dependents map[string][]string
	surfaced   map[string]struct{}
	ready      []string
	total      int
	completed  int
}

// NewSorter prepares a sorter over the cycle's DepMap. Preparation rejects
// cyclic dependency graphs.
func NewSorter(cy *Cycle, log *logger.Logger) (*Sorter, error) {
	nodes := make(map[string]struct{}, len(cy.DepMap))
	for pkg, deps := range cy.DepMap {
		nodes[pkg] = struct{}{}
		for dep := range deps {
			nodes[dep] = struct{}{}
		}
	}

	s := &Sorter{
		cy:         cy,
		log:        log,
		pending:    make(map[string]map[string]struct{}, len(nodes)),
		dependents: make(map[string][]string, len(nodes)),
		surfaced:   make(map[string]struct{}, len(nodes)),
		total:      len(nodes),
	}

	for node := range nodes {
		deps := make(map[string]struct{}, len(cy.DepMap[node]))
		for dep := range cy.DepMap[node] {
			deps[dep] = struct{}{}
			s.dependents[dep] = append(s.dependents[dep], node)
		}
		s.pending[node] = deps
	}

	if err := s.checkAcyclic(); err != nil {
		return nil, err
	}
	return s, nil
}

// checkAcyclic runs Kahn's algorithm over a scratch copy of the graph.
func (s *Sorter) checkAcyclic() error {
	indegree := make(map[string]int, len(s.pending))
	for node, deps := range s.pending {
		indegree[node] = len(deps)
	}

	var queue []string
	for node, degree := range indegree {
		if degree == 0 {
			queue = append(queue, node)
		}
	}

	processed := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		processed++
		for _, dependent := range s.dependents[node] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if processed != len(s.pending) {
		return pkgmillerrors.NewValidationError("dependencies", "cycle detected while sorting graph", nil)
	}
	return nil
}

// Ready drains the current frontier and returns an immutable snapshot of
// reasoned packages ready to build, sorted ascending by priority with
// pkgbase as the tie-break.
func (s *Sorter) Ready() []string {
	s.drain()

	sort.SliceStable(s.ready, func(i, j int) bool {
		pi, pj := s.cy.Priority(s.ready[i]), s.cy.Priority(s.ready[j])
		if pi != pj {
			return pi < pj
		}
		return s.ready[i] < s.ready[j]
	})

	return append([]string(nil), s.ready...)
}

// drain surfaces every node whose dependencies have all completed. Nodes
// without a reason are artifacts already on disk; they complete immediately,
// which may unblock further nodes.
func (s *Sorter) drain() {
	for {
		var frontier []string
		for node, deps := range s.pending {
			if len(deps) != 0 {
				continue
			}
			if _, seen := s.surfaced[node]; seen {
				continue
			}
			frontier = append(frontier, node)
		}
		if len(frontier) == 0 {
			return
		}
		sort.Strings(frontier)

		for _, node := range frontier {
			s.surfaced[node] = struct{}{}
			if !s.cy.Reasoned(node) {
				s.log.Debug("dependency " + node + " is already satisfied")
				s.complete(node)
				continue
			}
			s.ready = append(s.ready, node)
		}
	}
}

func (s *Sorter) complete(node string) {
	s.completed++
	for _, dependent := range s.dependents[node] {
		delete(s.pending[dependent], node)
	}
}

// Done removes pkg from the ready frontier and marks it completed, unblocking
// its dependents.
func (s *Sorter) Done(pkg string) {
	for i, candidate := range s.ready {
		if candidate == pkg {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			break
		}
	}
	s.complete(pkg)
}

// IsActive reports whether any node has not completed yet.
func (s *Sorter) IsActive() bool {
	return s.completed < s.total
}
