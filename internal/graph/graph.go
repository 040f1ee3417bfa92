// Package graph implements a small incremental task graph: nodes declare
// file inputs, file outputs and dependency edges, and Execute runs stale
// nodes in topological order with bounded parallelism.
package graph

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"
)

var ErrCycle = errors.New("dependency cycle in task graph")

// Node is a single unit of work. A node runs when Force is set, when any
// dependency ran, or when its outputs are stale relative to its inputs.
// Output paths that are directories are checked for existence only.
type Node struct {
	Name    string
	Inputs  []string
	Outputs []string
	Deps    []*Node
	Force   bool

	// Run does the actual work. It must create every path in Outputs.
	Run func(ctx context.Context) error
}

// stale reports whether the node's outputs are missing or older than any
// of its inputs. Nodes without outputs are always stale.
func (n *Node) stale() (bool, error) {
	if len(n.Outputs) == 0 {
		return true, nil
	}

	var oldest time.Time
	haveFile := false
	for _, out := range n.Outputs {
		st, err := os.Stat(out)
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if st.IsDir() {
			continue // existence is enough for directories
		}
		if !haveFile || st.ModTime().Before(oldest) {
			oldest = st.ModTime()
			haveFile = true
		}
	}
	if !haveFile {
		return false, nil // all outputs are directories and they exist
	}

	for _, in := range n.Inputs {
		st, err := os.Stat(in)
		if err != nil {
			return false, fmt.Errorf("stat input %s: %w", in, err)
		}
		if st.ModTime().After(oldest) {
			return true, nil
		}
	}
	return false, nil
}

// Stats reports what Execute did.
type Stats struct {
	Ran     int
	Skipped int
}

type Graph struct {
	nodes []*Node
}

func New() *Graph {
	return &Graph{}
}

// Add registers a node and returns it for convenience.
func (g *Graph) Add(n *Node) *Node {
	g.nodes = append(g.nodes, n)
	return n
}

// Len returns the number of registered nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// topoCheck validates that every dependency is registered and that the
// graph is acyclic.
func (g *Graph) topoCheck() error {
	index := make(map[*Node]int, len(g.nodes))
	for i, n := range g.nodes {
		index[n] = i
	}

	indegree := make([]int, len(g.nodes))
	children := make([][]int, len(g.nodes))
	for i, n := range g.nodes {
		for _, dep := range n.Deps {
			j, ok := index[dep]
			if !ok {
				return fmt.Errorf("node %q depends on unregistered node %q", n.Name, dep.Name)
			}
			children[j] = append(children[j], i)
			indegree[i]++
		}
	}

	var queue []int
	for i, deg := range indegree {
		if deg == 0 {
			queue = append(queue, i)
		}
	}

	visited := 0
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		visited++
		for _, v := range children[u] {
			indegree[v]--
			if indegree[v] == 0 {
				queue = append(queue, v)
			}
		}
	}

	if visited != len(g.nodes) {
		var stuck []string
		for i, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, g.nodes[i].Name)
			}
		}
		slices.Sort(stuck)
		return fmt.Errorf("%w: %v", ErrCycle, stuck)
	}
	return nil
}

type nodeResult struct {
	node *Node
	ran  bool
	err  error
}

// Execute runs the graph with at most jobs nodes in flight. A node starts
// only after all of its dependencies finished successfully; the first
// failure cancels everything still pending and is returned.
func (g *Graph) Execute(ctx context.Context, jobs int) (Stats, error) {
	var stats Stats
	if len(g.nodes) == 0 {
		return stats, nil
	}
	if err := g.topoCheck(); err != nil {
		return stats, err
	}
	if jobs < 1 {
		jobs = 1
	}

	index := make(map[*Node]int, len(g.nodes))
	for i, n := range g.nodes {
		index[n] = i
	}
	indegree := make([]int, len(g.nodes))
	children := make([][]int, len(g.nodes))
	for i, n := range g.nodes {
		for _, dep := range n.Deps {
			j := index[dep]
			children[j] = append(children[j], i)
			indegree[i]++
		}
	}

	var ready []*Node
	for i, deg := range indegree {
		if deg == 0 {
			ready = append(ready, g.nodes[i])
		}
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(jobs)

	// ran is owned by this goroutine. A node is launched only after all
	// of its dependencies completed, so their ran state is final here and
	// can be snapshotted into the closure instead of shared with workers.
	ran := make(map[*Node]bool, len(g.nodes))
	results := make(chan nodeResult, len(g.nodes))

	launched, completed := 0, 0
	for {
		for len(ready) > 0 && ctx.Err() == nil {
			n := ready[0]
			ready = ready[1:]
			launched++
			depRan := false
			for _, dep := range n.Deps {
				if ran[dep] {
					depRan = true
					break
				}
			}
			eg.Go(func() error {
				res := nodeResult{node: n}
				res.ran, res.err = runNode(ctx, n, depRan)
				results <- res
				return res.err
			})
		}
		if completed == launched {
			break
		}

		res := <-results
		completed++
		if res.err != nil {
			continue // context is canceled, drain what's in flight
		}
		ran[res.node] = res.ran
		if res.ran {
			stats.Ran++
		} else {
			stats.Skipped++
		}
		for _, v := range children[index[res.node]] {
			indegree[v]--
			if indegree[v] == 0 {
				ready = append(ready, g.nodes[v])
			}
		}
	}

	return stats, eg.Wait()
}

// runNode decides whether n needs to run and runs it. depRan reports
// whether any of n's dependencies actually did work.
func runNode(ctx context.Context, n *Node, depRan bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	need := n.Force || depRan
	if !need {
		stale, err := n.stale()
		if err != nil {
			return false, fmt.Errorf("node %q: %w", n.Name, err)
		}
		need = stale
	}
	if !need {
		return false, nil
	}

	if err := n.Run(ctx); err != nil {
		return true, fmt.Errorf("%s: %w", n.Name, err)
	}
	return true, nil
}
