package builder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strconv"

	"github.com/expr-lang/expr"
	"github.com/pelletier/go-toml/v2"
)

// ConfigFilename is the per-project build manifest.
const ConfigFilename = "Crux.toml"

var defaultProfiles = map[string]ProfileSection{
	"release": {
		OptLevel: int64(3),
	},
	"debug": {
		OptLevel: "", // no -O
	},
}

type Config struct {
	Package      PackageSection            `toml:"package"`
	Target       TargetSection             `toml:"target"`
	Dependencies map[string]string         `toml:"dependencies"`
	Profile      map[string]ProfileSection `toml:"profile"`
}

func (c Config) Profiles() []string {
	profiles := slices.Collect(maps.Keys(c.Profile))
	slices.Sort(profiles)
	return profiles
}

// PackageSection defines the [package] section
type PackageSection struct {
	Name        string   `toml:"name"`
	Description string   `toml:"description"`
	Authors     []string `toml:"authors"`
	Build       string   `toml:"build"`
}

// TargetSection defines the [target] section
type TargetSection struct {
	Sources  []string          `toml:"sources"`
	Includes []string          `toml:"includes"`
	Defines  map[string]string `toml:"defines"`
	Links    []string          `toml:"links"`
	Cflags   []string          `toml:"cflags"`
	Ldflags  []string          `toml:"ldflags"`
}

// ProfileSection defines the [profile.*] section. OptLevel accepts
// `opt-level = 2` as well as `opt-level = "fast"`; go-toml decodes
// either into the interface field.
type ProfileSection struct {
	OptLevel any `toml:"opt-level"`
}

// OptLevelString renders the optimization level for a -O flag. Empty
// means no -O at all.
func (p ProfileSection) OptLevelString() string {
	switch v := p.OptLevel.(type) {
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case string:
		return v
	default:
		return ""
	}
}

func validateProfiles(profiles map[string]ProfileSection) error {
	for name, prof := range profiles {
		switch prof.OptLevel.(type) {
		case nil, int64, int, string:
		default:
			return fmt.Errorf("profile %q: opt-level must be an integer or a string, got %T", name, prof.OptLevel)
		}
	}
	return nil
}

// DefaultConfig is used when a project carries no Crux.toml: a plain
// `src/*.c*` layout with headers under include/, named after its
// directory.
func DefaultConfig(dir string) *Config {
	return &Config{
		Package: PackageSection{Name: filepath.Base(dir)},
		Target: TargetSection{
			Sources:  []string{"src/*.cpp", "src/*.cc", "src/*.c"},
			Includes: []string{"include"},
		},
		Profile: maps.Clone(defaultProfiles),
	}
}

// mergeSection merges non-zero fields of src into dst. Slices append,
// maps overlay, bools or, everything else overwrites when set.
func mergeSection(dst, src any) error {
	dstVal := reflect.ValueOf(dst)
	if dstVal.Kind() != reflect.Pointer || dstVal.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("dst must be a pointer to a struct")
	}

	dstElem := dstVal.Elem()
	srcVal := reflect.ValueOf(src)
	if srcVal.Kind() == reflect.Pointer {
		srcVal = srcVal.Elem()
	}
	if srcVal.Kind() != reflect.Struct {
		return fmt.Errorf("src must be a struct or a pointer to a struct")
	}
	if dstElem.Type() != srcVal.Type() {
		return fmt.Errorf("dst and src must be of the same struct type")
	}

	for i := range srcVal.NumField() {
		srcField := srcVal.Field(i)
		dstField := dstElem.Field(i)

		if !dstField.CanSet() {
			continue
		}

		switch dstField.Kind() {
		case reflect.Slice:
			if !srcField.IsNil() {
				dstField.Set(reflect.AppendSlice(dstField, srcField))
			}
		case reflect.Map:
			if !srcField.IsNil() {
				if dstField.IsNil() {
					dstField.Set(reflect.MakeMap(dstField.Type()))
				}
				for _, key := range srcField.MapKeys() {
					dstField.SetMapIndex(key, srcField.MapIndex(key))
				}
			}
		case reflect.Bool:
			dstField.SetBool(dstField.Bool() || srcField.Bool())
		default:
			if !srcField.IsZero() {
				dstField.Set(srcField)
			}
		}
	}

	return nil
}

func mustMarshal(v any) string {
	b, err := toml.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// parseSection parses a plain section without conditional logic.
func parseSection(rawCfg map[string]any, name string, dst any) error {
	if data, ok := rawCfg[name]; ok {
		if err := toml.Unmarshal([]byte(mustMarshal(data)), dst); err != nil {
			return fmt.Errorf("failed to parse [%s] section: %w", name, err)
		}
	}
	return nil
}

// parseConditionalSection parses a section whose sub-tables may be keyed
// by expr expressions; matching sub-tables are merged into the base.
func parseConditionalSection[T any](rawCfg map[string]any, name string, dst *T, env ConfigEnv) error {
	sectionData, ok := rawCfg[name]
	if !ok {
		return nil
	}

	sectionMap, ok := sectionData.(map[string]any)
	if !ok {
		return fmt.Errorf("invalid [%s] section format: expected a table", name)
	}

	baseFields := make(map[string]any)
	conditionalFields := make(map[string]map[string]any)

	for key, val := range sectionMap {
		if subMap, ok := val.(map[string]any); ok {
			if _, err := expr.Compile(key, expr.Env(env)); err == nil {
				conditionalFields[key] = subMap
				continue
			}
		}
		baseFields[key] = val
	}

	if len(baseFields) > 0 {
		if err := toml.Unmarshal([]byte(mustMarshal(baseFields)), dst); err != nil {
			return fmt.Errorf("failed to parse base [%s] section: %w", name, err)
		}
	}

	for expression, condMap := range conditionalFields {
		program, err := expr.Compile(expression, expr.Env(env))
		if err != nil {
			return fmt.Errorf("failed to compile expression for [%s.%q]: %w", name, expression, err)
		}

		result, err := expr.Run(program, env)
		if err != nil {
			return fmt.Errorf("failed to run expression for [%s.%q]: %w", name, expression, err)
		}

		if matched, ok := result.(bool); !ok || !matched {
			continue
		}

		var condSection T
		if err := toml.Unmarshal([]byte(mustMarshal(condMap)), &condSection); err != nil {
			return fmt.Errorf("failed to parse conditional section [%s.%q]: %w", name, expression, err)
		}
		if err := mergeSection(dst, condSection); err != nil {
			return fmt.Errorf("failed to merge conditional section [%s.%q]: %w", name, expression, err)
		}
	}

	return nil
}

func ParseConfig(rdr io.Reader, env ConfigEnv) (*Config, error) {
	var rawConfig map[string]any
	dec := toml.NewDecoder(rdr)
	if err := dec.Decode(&rawConfig); err != nil {
		if derr, ok := err.(*toml.DecodeError); ok {
			return nil, errors.New(derr.String())
		}
		return nil, err
	}

	processed, err := interpolateValues(rawConfig, env)
	if err != nil {
		return nil, fmt.Errorf("error processing expressions in config: %w", err)
	}
	rawConfig = processed.(map[string]any)

	cfg := new(Config)
	cfg.Profile = maps.Clone(defaultProfiles)

	if err := parseSection(rawConfig, "package", &cfg.Package); err != nil {
		return nil, err
	}
	if err := parseConditionalSection(rawConfig, "dependencies", &cfg.Dependencies, env); err != nil {
		return nil, err
	}
	if err := parseConditionalSection(rawConfig, "profile", &cfg.Profile, env); err != nil {
		return nil, err
	}
	if err := parseConditionalSection(rawConfig, "target", &cfg.Target, env); err != nil {
		return nil, err
	}
	if err := validateProfiles(cfg.Profile); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadConfig reads <dir>/Crux.toml. A missing manifest is not an error:
// the defaults cover the bare src/ layout.
func LoadConfig(dir string, env ConfigEnv) (*Config, error) {
	f, err := os.Open(filepath.Join(dir, ConfigFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(dir), nil
		}
		return nil, err
	}
	defer f.Close()

	cfg, err := ParseConfig(bufio.NewReader(f), env)
	if err != nil {
		return nil, err
	}
	if cfg.Package.Name == "" {
		cfg.Package.Name = filepath.Base(dir)
	}
	return cfg, nil
}
