// Package builder turns a project directory into compile and link steps:
// it loads the manifest, discovers sources, resolves dependencies and
// hands compilation units to a build backend.
package builder

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cruxbuild/crux/internal/builder/gen"
	"github.com/cruxbuild/crux/internal/msg"
)

const (
	GeneratorCrux  = "crux"
	GeneratorNinja = "ninja"

	depsDirName = "_deps"
)

var errObjectCollision = errors.New("object file name collision")

// Package is a single component (the root package or a dependency) in
// the build graph.
type Package struct {
	Name   string
	Path   string
	Config *Config
	IsRoot bool
}

type Builder struct {
	cfg      *Config
	basedir  string
	buildDir string
	env      ConfigEnv
	jobs     int
}

// NewBuilderInDirectory loads the project at path. jobs bounds compile
// parallelism; values below 1 mean one job per CPU.
func NewBuilderInDirectory(path string, jobs int) (*Builder, error) {
	var err error
	path, err = filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	env := NewConfigEnv(path)
	cfg, err := LoadConfig(path, env)
	if err != nil {
		return nil, err
	}

	if name := os.Getenv("CRUX_TARGET"); name != "" {
		cfg.Package.Name = name
	}

	buildDir := filepath.Join(path, "build")
	if dir := os.Getenv("CRUX_BUILD_DIR"); dir != "" {
		if filepath.IsAbs(dir) {
			buildDir = filepath.Clean(dir)
		} else {
			buildDir = filepath.Join(path, dir)
		}
	}

	if jobs < 1 {
		jobs = runtime.NumCPU()
	}

	return &Builder{cfg: cfg, basedir: path, buildDir: buildDir, env: env, jobs: jobs}, nil
}

// Target returns the absolute path of the executable this project
// produces, at the project root.
func (b *Builder) Target() string {
	name := b.cfg.Package.Name
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(b.basedir, name)
}

// isRemoteSpec reports whether a dependency spec needs fetching.
func isRemoteSpec(spec string) bool {
	if strings.HasPrefix(spec, gitPrefix) {
		return true
	}
	for shortcut := range depShortcuts {
		if strings.HasPrefix(spec, shortcut) {
			return true
		}
	}
	return false
}

// resolvePackages walks the dependency closure breadth-first. With
// fetchDeps set, missing remote dependencies are fetched into
// <build>/_deps; without it, a missing remote dependency is an error,
// so read-only commands stay side-effect free. The root package is
// always first; dependencies follow in discovery order.
func (b *Builder) resolvePackages(fetchDeps bool) ([]*Package, error) {
	root := &Package{
		Name:   b.cfg.Package.Name,
		Path:   b.basedir,
		Config: b.cfg,
		IsRoot: true,
	}
	packages := []*Package{root}
	seen := map[string]bool{root.Name: true}

	type pendingDep struct {
		name, spec, baseDir string
	}
	var queue []pendingDep
	enqueue := func(cfg *Config, baseDir string) {
		for _, name := range slices.Sorted(maps.Keys(cfg.Dependencies)) {
			queue = append(queue, pendingDep{name: name, spec: cfg.Dependencies[name], baseDir: baseDir})
		}
	}
	enqueue(b.cfg, b.basedir)

	for i := 0; i < len(queue); i++ {
		dep := queue[i]
		if seen[dep.name] {
			continue
		}
		seen[dep.name] = true

		var depPath string
		if isRemoteSpec(dep.spec) {
			depPath = filepath.Join(b.buildDir, depsDirName, dep.name)
			if _, err := os.Stat(depPath); os.IsNotExist(err) {
				if !fetchDeps {
					return nil, fmt.Errorf("dependency %q is not fetched yet, run a build first", dep.name)
				}
				msg.Done("Fetching", dep.name+" ("+dep.spec+")")
				if _, err := fetchDependency(dep.spec, dep.baseDir, depPath); err != nil {
					return nil, fmt.Errorf("failed to fetch dependency %q: %w", dep.name, err)
				}
			}
		} else {
			var err error
			depPath, err = fetchDependency(dep.spec, dep.baseDir, "")
			if err != nil {
				return nil, fmt.Errorf("dependency %q: %w", dep.name, err)
			}
		}

		depConfig, err := LoadConfig(depPath, NewConfigEnv(depPath))
		if err != nil {
			return nil, fmt.Errorf("failed to parse config for dependency %q: %w", dep.name, err)
		}
		if depConfig.Package.Name != dep.name {
			msg.Warn("dependency %q has a mismatched package name: %q", dep.name, depConfig.Package.Name)
		}

		packages = append(packages, &Package{
			Name:   dep.name,
			Path:   depPath,
			Config: depConfig,
		})
		enqueue(depConfig, depPath)
	}

	return packages, nil
}

// collectFiles resolves glob patterns relative to baseDir into absolute
// paths. With dirsOnly set, matched files are reduced to their parent
// directories (used to turn header globs into include dirs).
func collectFiles(baseDir string, patterns []string, dirsOnly bool) ([]string, error) {
	var files []string
	var dirSet map[string]struct{}
	if dirsOnly {
		dirSet = map[string]struct{}{}
	}
	fsys := os.DirFS(baseDir)

	var globOpts []doublestar.GlobOption
	if !dirsOnly {
		globOpts = append(globOpts, doublestar.WithFilesOnly())
	}

	for _, pat := range patterns {
		if filepath.IsAbs(pat) {
			files = append(files, filepath.Clean(pat))
			continue
		}
		matches, err := doublestar.Glob(fsys, filepath.ToSlash(pat), globOpts...)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", pat, err)
		}
		for _, match := range matches {
			absPath, err := filepath.Abs(filepath.Join(baseDir, match))
			if err != nil {
				return nil, fmt.Errorf("while globbing %s: %w", match, err)
			}
			if dirsOnly {
				if stat, err := os.Stat(absPath); err == nil && !stat.IsDir() {
					dirSet[filepath.Dir(absPath)] = struct{}{} // a header file, we need its directory
				} else {
					dirSet[absPath] = struct{}{}
				}
			} else {
				files = append(files, filepath.Clean(absPath))
			}
		}
	}

	if dirsOnly {
		for dir := range dirSet {
			files = append(files, dir)
		}
		slices.Sort(files)
	}

	return files, nil
}

// checkCollisions fails fast when two sources in the same unit would
// produce the same object file (e.g. src/foo/a.cpp and src/bar/a.cpp).
func checkCollisions(unitName string, sources []string) error {
	seen := make(map[string]string, len(sources))
	for _, src := range sources {
		base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src)) + ".o"
		if prev, ok := seen[base]; ok {
			return fmt.Errorf("%w in %s: %s and %s both produce %s", errObjectCollision, unitName, prev, src, base)
		}
		seen[base] = src
	}
	return nil
}

func (b *Builder) profileFlags(profile string) ([]string, error) {
	prof, ok := b.cfg.Profile[profile]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q, known profiles: %s", profile, strings.Join(b.cfg.Profiles(), ", "))
	}
	if lvl := prof.OptLevelString(); lvl != "" {
		return []string{"-O" + lvl}, nil
	}
	return nil, nil
}

type buildPlan struct {
	packages []*Package
	units    []gen.Unit
	ldflags  []string
	target   string
}

// plan resolves the full build: packages, per-unit sources and flags,
// and the final link line.
func (b *Builder) plan(profile string, fetchDeps bool) (*buildPlan, error) {
	profFlags, err := b.profileFlags(profile)
	if err != nil {
		return nil, err
	}

	packages, err := b.resolvePackages(fetchDeps)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve dependency graph: %w", err)
	}

	byName := make(map[string]*Package, len(packages))
	includeDirs := make(map[string][]string, len(packages))
	for _, pkg := range packages {
		byName[pkg.Name] = pkg
		dirs, err := collectFiles(pkg.Path, pkg.Config.Target.Includes, true)
		if err != nil {
			return nil, fmt.Errorf("failed to collect headers for %s: %w", pkg.Name, err)
		}
		includeDirs[pkg.Name] = dirs
	}

	plan := &buildPlan{packages: packages, target: b.Target()}

	for _, pkg := range packages {
		sources, err := collectFiles(pkg.Path, pkg.Config.Target.Sources, false)
		if err != nil {
			return nil, fmt.Errorf("failed to collect sources for %s: %w", pkg.Name, err)
		}
		if err := checkCollisions(pkg.Name, sources); err != nil {
			return nil, err
		}

		cflags := slices.Clone(profFlags)
		cflags = append(cflags, pkg.Config.Target.Cflags...)
		if pkg.IsRoot {
			cflags = append(cflags, strings.Fields(os.Getenv("CFLAGS"))...)
		}

		for _, define := range slices.Sorted(maps.Keys(pkg.Config.Target.Defines)) {
			if v := pkg.Config.Target.Defines[define]; v != "" {
				cflags = append(cflags, "-D"+define+"="+v)
			} else {
				cflags = append(cflags, "-D"+define)
			}
		}

		for _, dir := range includeDirs[pkg.Name] {
			cflags = append(cflags, "-I"+dir)
		}
		for _, depName := range slices.Sorted(maps.Keys(pkg.Config.Dependencies)) {
			for _, dir := range includeDirs[depName] {
				cflags = append(cflags, "-I"+dir)
			}
		}

		objDir := ""
		if !pkg.IsRoot {
			objDir = filepath.Join(depsDirName, pkg.Name)
		}

		plan.units = append(plan.units, gen.Unit{
			Name:    pkg.Name,
			BaseDir: pkg.Path,
			Sources: sources,
			ObjDir:  objDir,
			Cflags:  cflags,
		})
	}

	// link flags: the root's own ldflags, then -l for every linked
	// library in the closure, then whatever LDFLAGS adds
	plan.ldflags = slices.Clone(b.cfg.Target.Ldflags)

	seen := make(map[string]bool)
	var collectLinks func(pkg *Package)
	collectLinks = func(pkg *Package) {
		if seen[pkg.Name] {
			return
		}
		seen[pkg.Name] = true
		for _, lib := range pkg.Config.Target.Links {
			plan.ldflags = append(plan.ldflags, "-l"+lib)
		}
		for _, depName := range slices.Sorted(maps.Keys(pkg.Config.Dependencies)) {
			if dep, ok := byName[depName]; ok {
				collectLinks(dep)
			}
		}
	}
	collectLinks(byName[b.cfg.Package.Name])

	plan.ldflags = append(plan.ldflags, strings.Fields(os.Getenv("LDFLAGS"))...)

	return plan, nil
}

func createGenerator(generator string, jobs int) gen.Generator {
	switch generator {
	case GeneratorCrux:
		return gen.NewEngine(jobs)
	case GeneratorNinja:
		return &gen.NinjaGen{}
	default:
		panic("createGenerator: unreachable")
	}
}

// Build plans the project and invokes the chosen backend.
func (b *Builder) Build(profile, generator string) error {
	if err := os.MkdirAll(b.buildDir, 0755); err != nil {
		return err
	}

	plan, err := b.plan(profile, true)
	if err != nil {
		return err
	}

	for _, pkg := range plan.packages {
		if err := pkg.Config.RunBuildScript(NewConfigEnv(pkg.Path)); err != nil {
			return err
		}
	}

	g := createGenerator(generator, b.jobs)
	g.SetCompiler(findCompiler(false), findCompiler(true))
	for _, u := range plan.units {
		g.AddUnit(u)
	}
	g.SetLink(plan.target, plan.ldflags)

	if out := g.Generate(); out != "" {
		buildFile := filepath.Join(b.buildDir, g.BuildFile())
		if err := os.WriteFile(buildFile, []byte(out), 0644); err != nil {
			return err
		}
	}

	if err := g.Invoke(b.buildDir); err != nil {
		return err
	}

	msg.Done("Finished", b.relPath(plan.target))
	return nil
}

// BuildAndRun builds the project and executes the resulting binary with
// args, wiring through stdio.
func (b *Builder) BuildAndRun(args []string, profile, generator string) error {
	if err := b.Build(profile, generator); err != nil {
		return err
	}

	cmd := exec.Command(b.Target(), args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	cmd.Dir = b.basedir
	return cmd.Run()
}

// Objects returns the resolved object list, one path per source,
// relative to the project directory. Never fetches dependencies.
func (b *Builder) Objects(profile string) ([]string, error) {
	plan, err := b.plan(profile, false)
	if err != nil {
		return nil, err
	}

	var objects []string
	for _, u := range plan.units {
		for _, src := range u.Sources {
			objects = append(objects, b.relPath(filepath.Join(b.buildDir, u.ObjectPath(src))))
		}
	}
	return objects, nil
}

// Clean removes the build directory and the target binary. Already-clean
// trees clean successfully.
func (b *Builder) Clean() error {
	if err := os.RemoveAll(b.buildDir); err != nil {
		return err
	}
	if err := os.Remove(b.Target()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (b *Builder) relPath(path string) string {
	if rel, err := filepath.Rel(b.basedir, path); err == nil {
		return rel
	}
	return path
}
