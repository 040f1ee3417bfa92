package gen

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// NinjaGen emits a build.ninja file and shells out to ninja for the
// actual build.
type NinjaGen struct {
	cc, cxx string
	units   []Unit
	target  string
	ldflags []string
}

func (g *NinjaGen) SetCompiler(cc, cxx string) { g.cc, g.cxx = cc, cxx }

func (g *NinjaGen) AddUnit(u Unit) { g.units = append(g.units, u) }

func (g *NinjaGen) SetLink(target string, ldflags []string) {
	g.target, g.ldflags = target, ldflags
}

func (g *NinjaGen) BuildFile() string { return "build.ninja" }

var ninjaPathEscaper = strings.NewReplacer(":", "$:", " ", "$ ")

func quote(s string) string { return ninjaPathEscaper.Replace(filepath.ToSlash(s)) }

func (g *NinjaGen) Generate() string {
	var sb strings.Builder

	writeln(&sb, "ninja_required_version = 1.1")
	writeln(&sb, "cc = ", g.cc)
	writeln(&sb, "cxx = ", g.cxx)
	writeln(&sb, "ldflags = ", strings.Join(g.ldflags, " "))
	writeln(&sb)

	write(&sb,
		`rule cc
  command = $cc $cflags -c $in -o $out
  description = CC $out
`)
	write(&sb,
		`rule cxx
  command = $cxx $cflags -c $in -o $out
  description = CXX $out
`)
	write(&sb,
		`rule link
  command = $linker $in -o $out $ldflags
  description = LINK $out
`)
	writeln(&sb)

	// per-unit flag variables
	for i, u := range g.units {
		writeln(&sb, "cflags_", strconv.Itoa(i), " = ", strings.Join(u.Cflags, " "))
	}
	writeln(&sb)

	// object files
	var objects []string
	anyCxx := false
	for i, u := range g.units {
		for _, src := range u.Sources {
			obj := quote(u.ObjectPath(src))
			objects = append(objects, obj)

			rule := "cc"
			if IsCxx(src) {
				rule = "cxx"
				anyCxx = true
			}
			writeln(&sb, "build ", obj, ": ", rule, " ", quote(src))
			writeln(&sb, "  cflags = $cflags_", strconv.Itoa(i))
		}
	}
	writeln(&sb)

	if len(objects) > 0 {
		linker := "$cc"
		if anyCxx {
			linker = "$cxx"
		}
		writeln(&sb, "build ", quote(g.target), ": link ", strings.Join(objects, " "))
		writeln(&sb, "  linker = ", linker)
	}

	return sb.String()
}

func (g *NinjaGen) Invoke(buildDir string) error {
	cmd := exec.Command("ninja", "-C", buildDir)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd.Run()
}
