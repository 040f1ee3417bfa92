// Package gen contains the build backends: the native incremental engine
// and the build.ninja generator.
package gen

import (
	"path/filepath"
	"strings"
)

// Unit is a group of source files compiled with shared flags into one
// object directory. The root package is one unit; every fetched
// dependency is another, with its own ObjDir to keep basenames from
// colliding across trees.
type Unit struct {
	Name    string
	BaseDir string   // directory the unit's sources live under
	Sources []string // absolute source paths
	ObjDir  string   // object dir relative to the build dir ("" for the root unit)
	Cflags  []string
}

// ObjectPath returns the object file path for src, relative to the build
// directory: `<objdir>/<basename>.o`.
func (u Unit) ObjectPath(src string) string {
	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	return filepath.Join(u.ObjDir, base+".o")
}

// Generator turns a set of compilation units and a link step into an
// executable, either directly (Engine) or through a generated build file
// (NinjaGen).
type Generator interface {
	SetCompiler(cc, cxx string)
	AddUnit(u Unit)
	SetLink(target string, ldflags []string)
	Generate() string
	BuildFile() string
	Invoke(buildDir string) error
}

var cxxExts = map[string]bool{
	".cpp": true,
	".cxx": true,
	".cc":  true,
	".c++": true,
	".mm":  true,
}

// IsCxx reports whether path is a C++ source file.
func IsCxx(path string) bool {
	return cxxExts[strings.ToLower(filepath.Ext(path))]
}

// CompileArgs builds the argument list for a single compile invocation.
func CompileArgs(cflags []string, src, obj string) []string {
	args := make([]string, 0, len(cflags)+4)
	args = append(args, cflags...)
	args = append(args, "-c", src, "-o", obj)
	return args
}

// LinkArgs builds the argument list for the link invocation.
func LinkArgs(objects []string, out string, ldflags []string) []string {
	args := make([]string, 0, len(objects)+len(ldflags)+2)
	args = append(args, "-o", out)
	args = append(args, objects...)
	args = append(args, ldflags...)
	return args
}
