package builder

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseTestConfig(t *testing.T, toml string) *Config {
	t.Helper()
	cfg, err := ParseConfig(strings.NewReader(toml), NewConfigEnv(t.TempDir()))
	require.NoError(t, err)
	return cfg
}

func TestParseConfigBasic(t *testing.T) {
	cfg := parseTestConfig(t, `
[package]
name = "demo"
description = "a demo"

[target]
sources = ["src/*.cpp"]
includes = ["include"]
links = ["m"]
cflags = ["-Wall", "-g"]

[target.defines]
DEBUG = ""
VERSION = "3"

[dependencies]
libfoo = "gh:someone/libfoo"
`)

	assert.Equal(t, "demo", cfg.Package.Name)
	assert.Equal(t, []string{"src/*.cpp"}, cfg.Target.Sources)
	assert.Equal(t, []string{"include"}, cfg.Target.Includes)
	assert.Equal(t, []string{"m"}, cfg.Target.Links)
	assert.Equal(t, []string{"-Wall", "-g"}, cfg.Target.Cflags)
	assert.Equal(t, map[string]string{"DEBUG": "", "VERSION": "3"}, cfg.Target.Defines)
	assert.Equal(t, "gh:someone/libfoo", cfg.Dependencies["libfoo"])
}

func TestParseConfigDefaultProfiles(t *testing.T) {
	cfg := parseTestConfig(t, `
[package]
name = "demo"
`)

	assert.Equal(t, []string{"debug", "release"}, cfg.Profiles())
	assert.Equal(t, "3", cfg.Profile["release"].OptLevelString())
	assert.Equal(t, "", cfg.Profile["debug"].OptLevelString())
}

func TestParseConfigProfileOverride(t *testing.T) {
	cfg := parseTestConfig(t, `
[profile.release]
opt-level = 2

[profile.small]
opt-level = "s"
`)

	assert.Equal(t, "2", cfg.Profile["release"].OptLevelString())
	assert.Equal(t, "s", cfg.Profile["small"].OptLevelString())
	assert.Contains(t, cfg.Profiles(), "debug")
}

func TestParseConfigBadOptLevel(t *testing.T) {
	_, err := ParseConfig(strings.NewReader(`
[profile.release]
opt-level = 1.5
`), NewConfigEnv(t.TempDir()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opt-level")
}

func TestParseConfigConditionalSection(t *testing.T) {
	toml := fmt.Sprintf(`
[target]
sources = ["src/*.cpp"]
cflags = ["-Wall"]

[target.'target_os == %q']
cflags = ["-DMATCHED"]

[target.'target_os == "definitely-not-an-os"']
cflags = ["-DNOPE"]
`, runtime.GOOS)

	cfg := parseTestConfig(t, toml)
	assert.Equal(t, []string{"-Wall", "-DMATCHED"}, cfg.Target.Cflags)
}

func TestParseConfigInterpolation(t *testing.T) {
	cfg := parseTestConfig(t, `
[package]
name = "app-{{ target_arch }}"
`)
	assert.Equal(t, "app-"+runtime.GOARCH, cfg.Package.Name)
}

func TestParseConfigBadInterpolation(t *testing.T) {
	_, err := ParseConfig(strings.NewReader(`
[package]
name = "app-{{ no_such_var }}"
`), NewConfigEnv(t.TempDir()))
	require.Error(t, err)
}

func TestLoadConfigMissingManifestUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig(dir, NewConfigEnv(dir))
	require.NoError(t, err)

	assert.Equal(t, filepath.Base(dir), cfg.Package.Name)
	assert.Equal(t, []string{"src/*.cpp", "src/*.cc", "src/*.c"}, cfg.Target.Sources)
	assert.Contains(t, cfg.Profiles(), "release")
}

func TestLoadConfigUnnamedPackageFallsBackToDirName(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFilename), []byte(`
[target]
sources = ["*.c"]
`), 0644))

	cfg, err := LoadConfig(dir, NewConfigEnv(dir))
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(dir), cfg.Package.Name)
	assert.Equal(t, []string{"*.c"}, cfg.Target.Sources)
}

func TestRunBuildScript(t *testing.T) {
	dir := t.TempDir()
	env := NewConfigEnv(dir)

	ok := Config{Package: PackageSection{Name: "p", Build: `target_os != ""`}}
	require.NoError(t, ok.RunBuildScript(env))

	failing := Config{Package: PackageSection{Name: "p", Build: `target_os == "definitely-not-an-os"`}}
	require.Error(t, failing.RunBuildScript(env))

	empty := Config{Package: PackageSection{Name: "p"}}
	require.NoError(t, empty.RunBuildScript(env))
}

func TestConfigEnvReadFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "note.txt"), []byte("hello"), 0644))

	env := NewConfigEnv(dir)
	data, err := env.ReadFile("note.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", data)
}

func TestConfigEnvReadFileStaysInsidePackage(t *testing.T) {
	env := NewConfigEnv(t.TempDir())

	assert.Panics(t, func() {
		env.ReadFile(filepath.Join("..", "..", "etc", "passwd"))
	})
	assert.Panics(t, func() {
		env.Patch("../outside.txt", "")
	})
}
