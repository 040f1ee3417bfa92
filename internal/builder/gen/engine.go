package gen

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"

	"github.com/cruxbuild/crux/internal/graph"
	"github.com/cruxbuild/crux/internal/msg"
	"github.com/google/uuid"
)

// buildState records the flags of the last successful build so that flag
// changes trigger rebuilds even when file timestamps say fresh.
type buildState struct {
	BuildID string              `json:"build_id"`
	Cflags  map[string][]string `json:"cflags,omitempty"` // unit name -> flags
	Ldflags []string            `json:"ldflags,omitempty"`
}

// Engine executes the build in-process: it lowers units into an
// incremental task graph and runs stale compile nodes in parallel, with
// the link as the final barrier.
type Engine struct {
	cc, cxx string
	units   []Unit
	target  string
	ldflags []string
	jobs    int
}

func NewEngine(jobs int) *Engine {
	return &Engine{jobs: jobs}
}

func (e *Engine) SetCompiler(cc, cxx string) { e.cc, e.cxx = cc, cxx }

func (e *Engine) AddUnit(u Unit) { e.units = append(e.units, u) }

func (e *Engine) SetLink(target string, ldflags []string) {
	e.target, e.ldflags = target, ldflags
}

func (e *Engine) Generate() string { return "" } // no build file needed

func (e *Engine) BuildFile() string { return "crux_state.json" }

// Invoke builds the task graph and executes it.
func (e *Engine) Invoke(buildDir string) error {
	stateFile := filepath.Join(buildDir, e.BuildFile())
	state, err := loadState(stateFile)
	if err != nil {
		msg.Warn("failed to load build state: %v", err)
	}

	g := graph.New()

	dirNodes := make(map[string]*graph.Node)
	ensureDir := func(dir string) *graph.Node {
		if n, ok := dirNodes[dir]; ok {
			return n
		}
		n := g.Add(&graph.Node{
			Name:    "mkdir " + dir,
			Outputs: []string{dir},
			Run: func(context.Context) error {
				return os.MkdirAll(dir, 0755)
			},
		})
		dirNodes[dir] = n
		return n
	}

	var objects []string
	var compiles []*graph.Node
	anyCxx := false

	for _, u := range e.units {
		force := state != nil && !slices.Equal(state.Cflags[u.Name], u.Cflags)
		for _, src := range u.Sources {
			obj := filepath.Join(buildDir, u.ObjectPath(src))
			compiler := e.cc
			if IsCxx(src) {
				compiler = e.cxx
				anyCxx = true
			}
			if compiler == "" {
				return fmt.Errorf("no compiler found for %s (set CC/CXX or install one)", src)
			}

			cflags := u.Cflags
			node := g.Add(&graph.Node{
				Name:    "compile " + src,
				Inputs:  []string{src},
				Outputs: []string{obj},
				Deps:    []*graph.Node{ensureDir(filepath.Dir(obj))},
				Force:   force,
				Run: func(ctx context.Context) error {
					return runCompile(ctx, compiler, cflags, src, obj)
				},
			})
			compiles = append(compiles, node)
			objects = append(objects, obj)
		}
	}

	if len(objects) > 0 {
		linker := e.cc
		if anyCxx {
			linker = e.cxx
		}
		g.Add(&graph.Node{
			Name:    "link " + e.target,
			Inputs:  objects,
			Outputs: []string{e.target},
			Deps:    compiles,
			Force:   state != nil && !slices.Equal(state.Ldflags, e.ldflags),
			Run: func(ctx context.Context) error {
				return runLink(ctx, linker, objects, e.target, e.ldflags)
			},
		})
	}

	stats, err := g.Execute(context.Background(), e.jobs)
	if err != nil {
		return err
	}
	if stats.Ran == 0 {
		fmt.Println("crux: no work to do.")
		return nil
	}

	if err := e.saveState(stateFile); err != nil {
		msg.Warn("failed to save build state: %v", err)
	}
	return nil
}

func runCompile(ctx context.Context, compiler string, cflags []string, src, obj string) error {
	cmd := exec.CommandContext(ctx, compiler, CompileArgs(cflags, src, obj)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	fmt.Printf("CC %s\n", src)
	return cmd.Run()
}

func runLink(ctx context.Context, linker string, objects []string, out string, ldflags []string) error {
	cmd := exec.CommandContext(ctx, linker, LinkArgs(objects, out, ldflags)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	fmt.Printf("LINK %s\n", out)
	return cmd.Run()
}

// loadState reads the previous build state; a missing file is not an
// error, timestamps alone decide then.
func loadState(path string) (*buildState, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var state buildState
	if err := json.NewDecoder(bufio.NewReader(f)).Decode(&state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (e *Engine) saveState(path string) error {
	state := buildState{
		BuildID: uuid.NewString(),
		Cflags:  make(map[string][]string, len(e.units)),
		Ldflags: slices.Clone(e.ldflags),
	}
	for _, u := range e.units {
		state.Cflags[u.Name] = slices.Clone(u.Cflags)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
