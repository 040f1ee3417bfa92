package graph

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects node names in completion order.
type recorder struct {
	mu    sync.Mutex
	names []string
}

func (r *recorder) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
}

func (r *recorder) index(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, n := range r.names {
		if n == name {
			return i
		}
	}
	return -1
}

func alwaysNode(g *Graph, name string, rec *recorder, deps ...*Node) *Node {
	return g.Add(&Node{
		Name: name,
		Deps: deps,
		Run: func(context.Context) error {
			rec.record(name)
			return nil
		},
	})
}

func writeFileAt(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestExecuteRunsDependenciesFirst(t *testing.T) {
	g := New()
	rec := &recorder{}

	a := alwaysNode(g, "a", rec)
	b := alwaysNode(g, "b", rec, a)
	c := alwaysNode(g, "c", rec, b)
	_ = c

	stats, err := g.Execute(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Ran)
	assert.Equal(t, []string{"a", "b", "c"}, rec.names)
}

func TestExecuteParallelIndependentNodes(t *testing.T) {
	g := New()
	rec := &recorder{}
	for _, name := range []string{"a", "b", "c", "d"} {
		alwaysNode(g, name, rec)
	}

	stats, err := g.Execute(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Ran)
	assert.Len(t, rec.names, 4)
}

func TestStalenessSkipsFreshOutputs(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.txt")
	obj := filepath.Join(dir, "out.txt")

	now := time.Now()
	writeFileAt(t, src, now.Add(-time.Hour))
	writeFileAt(t, obj, now)

	ran := false
	g := New()
	g.Add(&Node{
		Name:    "compile",
		Inputs:  []string{src},
		Outputs: []string{obj},
		Run: func(context.Context) error {
			ran = true
			return nil
		},
	})

	stats, err := g.Execute(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, Stats{Ran: 0, Skipped: 1}, stats)
}

func TestStalenessRunsWhenOutputOlder(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.txt")
	obj := filepath.Join(dir, "out.txt")

	now := time.Now()
	writeFileAt(t, obj, now.Add(-time.Hour))
	writeFileAt(t, src, now)

	ran := false
	g := New()
	g.Add(&Node{
		Name:    "compile",
		Inputs:  []string{src},
		Outputs: []string{obj},
		Run: func(context.Context) error {
			ran = true
			return nil
		},
	})

	_, err := g.Execute(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestStalenessRunsWhenOutputMissing(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.txt")
	writeFileAt(t, src, time.Now())

	ran := false
	g := New()
	g.Add(&Node{
		Name:    "compile",
		Inputs:  []string{src},
		Outputs: []string{filepath.Join(dir, "missing.txt")},
		Run: func(context.Context) error {
			ran = true
			return nil
		},
	})

	_, err := g.Execute(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestDirectoryOutputsExistenceOnly(t *testing.T) {
	dir := t.TempDir()

	ran := false
	mk := func(out string) *Graph {
		g := New()
		g.Add(&Node{
			Name:    "mkdir",
			Outputs: []string{out},
			Run: func(context.Context) error {
				ran = true
				return os.MkdirAll(out, 0755)
			},
		})
		return g
	}

	existing := filepath.Join(dir, "have")
	require.NoError(t, os.Mkdir(existing, 0755))
	_, err := mk(existing).Execute(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, ran, "existing directory must not be recreated")

	missing := filepath.Join(dir, "want")
	_, err = mk(missing).Execute(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.DirExists(t, missing)
}

func TestDependencyRanForcesNode(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.txt")
	obj := filepath.Join(dir, "out.txt")

	now := time.Now()
	writeFileAt(t, src, now.Add(-time.Hour))
	writeFileAt(t, obj, now) // fresh by timestamps

	g := New()
	dep := g.Add(&Node{
		Name: "always",
		Run:  func(context.Context) error { return nil }, // no outputs: always stale
	})

	ran := false
	g.Add(&Node{
		Name:    "compile",
		Inputs:  []string{src},
		Outputs: []string{obj},
		Deps:    []*Node{dep},
		Run: func(context.Context) error {
			ran = true
			return nil
		},
	})

	_, err := g.Execute(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, ran, "node must rerun when a dependency ran")
}

func TestForce(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.txt")
	obj := filepath.Join(dir, "out.txt")

	now := time.Now()
	writeFileAt(t, src, now.Add(-time.Hour))
	writeFileAt(t, obj, now)

	ran := false
	g := New()
	g.Add(&Node{
		Name:    "compile",
		Inputs:  []string{src},
		Outputs: []string{obj},
		Force:   true,
		Run: func(context.Context) error {
			ran = true
			return nil
		},
	})

	_, err := g.Execute(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestFailureStopsDependents(t *testing.T) {
	g := New()
	boom := errors.New("boom")

	failing := g.Add(&Node{
		Name: "failing",
		Run:  func(context.Context) error { return boom },
	})

	ran := false
	g.Add(&Node{
		Name: "dependent",
		Deps: []*Node{failing},
		Run: func(context.Context) error {
			ran = true
			return nil
		},
	})

	_, err := g.Execute(context.Background(), 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.False(t, ran, "dependent of a failed node must not run")
}

func TestCycleDetection(t *testing.T) {
	g := New()
	a := &Node{Name: "a", Run: func(context.Context) error { return nil }}
	b := &Node{Name: "b", Run: func(context.Context) error { return nil }}
	a.Deps = []*Node{b}
	b.Deps = []*Node{a}
	g.Add(a)
	g.Add(b)

	_, err := g.Execute(context.Background(), 1)
	assert.ErrorIs(t, err, ErrCycle)
}

func TestUnregisteredDependency(t *testing.T) {
	g := New()
	outside := &Node{Name: "outside", Run: func(context.Context) error { return nil }}
	g.Add(&Node{
		Name: "inside",
		Deps: []*Node{outside},
		Run:  func(context.Context) error { return nil },
	})

	_, err := g.Execute(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unregistered")
}

func TestEmptyGraph(t *testing.T) {
	stats, err := New().Execute(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestExecuteParallelDependencyChains(t *testing.T) {
	g := New()
	rec := &recorder{}

	const chains = 16
	for i := range chains {
		root := alwaysNode(g, fmt.Sprintf("root-%d", i), rec)
		mid := alwaysNode(g, fmt.Sprintf("mid-%d", i), rec, root)
		alwaysNode(g, fmt.Sprintf("leaf-%d", i), rec, mid)
	}

	stats, err := g.Execute(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, 3*chains, stats.Ran)

	for i := range chains {
		root := rec.index(fmt.Sprintf("root-%d", i))
		mid := rec.index(fmt.Sprintf("mid-%d", i))
		leaf := rec.index(fmt.Sprintf("leaf-%d", i))
		assert.Less(t, root, mid)
		assert.Less(t, mid, leaf)
	}
}

func TestSerialOrderRespectsDiamond(t *testing.T) {
	g := New()
	rec := &recorder{}

	root := alwaysNode(g, "root", rec)
	left := alwaysNode(g, "left", rec, root)
	right := alwaysNode(g, "right", rec, root)
	alwaysNode(g, "join", rec, left, right)

	stats, err := g.Execute(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Ran)

	assert.Equal(t, 0, rec.index("root"))
	assert.Equal(t, 3, rec.index("join"))
}
