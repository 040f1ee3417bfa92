package builder

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/cruxbuild/crux/internal/builder/gen"
)

// CompileCommandsFilename is the clang compilation database name.
const CompileCommandsFilename = "compile_commands.json"

type compileCommand struct {
	Directory string `json:"directory"`
	Command   string `json:"command"`
	File      string `json:"file"`
}

// WriteCompileCommands writes a compile_commands.json at the project
// root with one entry per discovered source, mirroring the exact compile
// invocations the build would run. Returns the written path.
func (b *Builder) WriteCompileCommands(profile string) (string, error) {
	plan, err := b.plan(profile, true)
	if err != nil {
		return "", err
	}

	cc := findCompiler(false)
	cxx := findCompiler(true)

	entries := []compileCommand{}
	for _, u := range plan.units {
		for _, src := range u.Sources {
			compiler := cc
			if gen.IsCxx(src) {
				compiler = cxx
			}
			obj := filepath.Join(b.buildDir, u.ObjectPath(src))
			args := append([]string{compiler}, gen.CompileArgs(u.Cflags, src, obj)...)
			entries = append(entries, compileCommand{
				Directory: u.BaseDir,
				Command:   strings.Join(args, " "),
				File:      src,
			})
		}
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", err
	}

	path := filepath.Join(b.basedir, CompileCommandsFilename)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}
