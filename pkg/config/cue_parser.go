package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

// CUEParser reads CUE configuration files and checks them against the
// built-in schemas.
type CUEParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	ctx := cuecontext.New()
	return &CUEParser{
		ctx:            ctx,
		schemaRegistry: NewSchemaRegistry(ctx),
	}
}

// DecodeFile reads a .cue file, or a directory holding one CUE package, and
// decodes it over cfg. Keys absent from the source keep their value in cfg.
func (cp *CUEParser) DecodeFile(path string, cfg *Config) error {
	val, err := cp.load(path)
	if err != nil {
		return err
	}
	return cp.decode(val, cfg)
}

// DecodeInline decodes CUE source over cfg.
func (cp *CUEParser) DecodeInline(content string, cfg *Config) error {
	val := cp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return convertCUEErrors(err)
	}
	return cp.decode(val, cfg)
}

func (cp *CUEParser) decode(val cue.Value, cfg *Config) error {
	unified, err := cp.schemaRegistry.Unify(SchemaConfig, val)
	if err != nil {
		return convertCUEErrors(err)
	}

	// Durations are strings in CUE, which the YAML decoder understands.
	data, err := unified.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to export configuration: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode configuration: %w", err)
	}
	return nil
}

// ParseAnnotations reads a CUE file holding a single annotation map, e.g.
//
//	reboot_when:  "TimeOfDay(02:00-04:00)"
//	ha_group_min: "2"
//
// The result is shape-checked only; values still need annotations.ValidateAll.
func (cp *CUEParser) ParseAnnotations(path string) (map[string]string, error) {
	val, err := cp.load(path)
	if err != nil {
		return nil, err
	}
	unified, err := cp.schemaRegistry.Unify(SchemaAnnotations, val)
	if err != nil {
		return nil, convertCUEErrors(err)
	}

	out := make(map[string]string)
	if err := unified.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode annotations: %w", err)
	}
	return out, nil
}

func (cp *CUEParser) load(path string) (cue.Value, error) {
	info, err := os.Stat(path)
	if err != nil {
		return cue.Value{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return cp.loadDirectory(path)
	}
	return cp.loadFile(path)
}

// loadDirectory unifies every .cue file in dir, like the files of one
// package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return cue.Value{}, err
	}
	if len(files) == 0 {
		return cue.Value{}, ValidationErrors{{File: dir, Message: "no CUE files found"}}
	}
	sort.Strings(files)

	var val cue.Value
	for i, file := range files {
		v, err := cp.loadFile(file)
		if err != nil {
			return cue.Value{}, err
		}
		if i == 0 {
			val = v
		} else {
			val = val.Unify(v)
		}
	}
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

func (cp *CUEParser) loadFile(path string) (cue.Value, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	val := cp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// convertCUEErrors flattens a CUE error into positioned validation errors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{Message: errors.Details(e, nil)}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}
		out = append(out, ve)
	}
	return out
}
