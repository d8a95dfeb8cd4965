// Package schema holds the versioned collection definitions. Each collection
// is described by an embedded YAML file whose schema section is compiled to
// JSON Schema; older documents are migrated forward by upgrade steps.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

//go:embed definitions/*.yaml
var definitionFiles embed.FS

// definition mirrors one YAML file under definitions/.
type definition struct {
	Collection string         `yaml:"collection"`
	Version    int            `yaml:"version"`
	Immutable  bool           `yaml:"immutable"`
	Defaults   map[string]any `yaml:"defaults"`
	Schema     map[string]any `yaml:"schema"`
}

type collection struct {
	def      definition
	compiled *jsonschema.Schema
}

// Registry validates and upgrades documents of every known collection.
// It is read-only after construction and safe for concurrent use.
type Registry struct {
	collections map[string]*collection
	upgrades    map[string]map[int]UpgradeFunc
}

// ValidationError reports a document that does not satisfy its collection schema.
type ValidationError struct {
	Collection string
	Err        error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s document: %v", e.Collection, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewRegistry loads the embedded definitions and the built-in upgrade steps.
func NewRegistry() (*Registry, error) {
	return LoadRegistry(definitionFiles, "definitions")
}

// LoadRegistry loads every *.yaml definition in dir of fsys.
func LoadRegistry(fsys fs.FS, dir string) (*Registry, error) {
	entries, err := fs.Glob(fsys, dir+"/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("listing definitions: %w", err)
	}
	sort.Strings(entries)

	r := &Registry{
		collections: make(map[string]*collection, len(entries)),
		upgrades:    builtinUpgrades(),
	}
	compiler := jsonschema.NewCompiler()

	for _, path := range entries {
		raw, err := fs.ReadFile(fsys, path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		var def definition
		if err := yaml.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		if def.Collection == "" || def.Version < 1 {
			return nil, fmt.Errorf("%s: collection and a positive version are required", path)
		}

		doc, err := toJSONValue(def.Schema)
		if err != nil {
			return nil, fmt.Errorf("%s: converting schema: %w", path, err)
		}
		url := "https://fieldsync.local/schema/" + def.Collection + ".json"
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("%s: adding schema: %w", path, err)
		}
		compiled, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("%s: compiling schema: %w", path, err)
		}
		r.collections[def.Collection] = &collection{def: def, compiled: compiled}
	}

	for name, steps := range r.upgrades {
		c, ok := r.collections[name]
		if !ok {
			return nil, fmt.Errorf("upgrade registered for unknown collection %q", name)
		}
		for v := 1; v < c.def.Version; v++ {
			if _, ok := steps[v]; !ok {
				return nil, fmt.Errorf("%s: missing upgrade from version %d", name, v)
			}
		}
	}
	return r, nil
}

// Collections returns the names of all loaded collections, sorted.
func (r *Registry) Collections() []string {
	names := make([]string, 0, len(r.collections))
	for name := range r.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Version returns the current version of a collection, or 0 if unknown.
func (r *Registry) Version(name string) int {
	c, ok := r.collections[name]
	if !ok {
		return 0
	}
	return c.def.Version
}

// Immutable reports whether documents of the collection are append-only.
func (r *Registry) Immutable(name string) bool {
	c, ok := r.collections[name]
	return ok && c.def.Immutable
}

// Prepare fills defaults for missing fields, NFC-normalises every string and
// validates the result. data is modified in place.
func (r *Registry) Prepare(name string, data map[string]any) error {
	c, ok := r.collections[name]
	if !ok {
		return fmt.Errorf("unknown collection %q", name)
	}
	for k, v := range c.def.Defaults {
		if _, ok := data[k]; !ok {
			data[k] = cloneValue(v)
		}
	}
	for k, v := range data {
		data[k] = normalize(v)
	}
	return r.validate(c, data)
}

// Validate checks data against the current schema without modifying it.
func (r *Registry) Validate(name string, data map[string]any) error {
	c, ok := r.collections[name]
	if !ok {
		return fmt.Errorf("unknown collection %q", name)
	}
	return r.validate(c, data)
}

func (r *Registry) validate(c *collection, data map[string]any) error {
	inst, err := toJSONValue(data)
	if err != nil {
		return &ValidationError{Collection: c.def.Collection, Err: err}
	}
	if err := c.compiled.Validate(inst); err != nil {
		return &ValidationError{Collection: c.def.Collection, Err: err}
	}
	return nil
}

// Upgrade migrates data written at version to the collection's current
// version, returning the upgraded copy and the new version. Data already at
// the current version is returned unchanged.
func (r *Registry) Upgrade(name string, version int, data map[string]any) (map[string]any, int, error) {
	c, ok := r.collections[name]
	if !ok {
		return nil, 0, fmt.Errorf("unknown collection %q", name)
	}
	current := c.def.Version
	if version == 0 {
		version = 1
	}
	if version > current {
		return nil, 0, fmt.Errorf("%s document version %d is newer than supported version %d", name, version, current)
	}
	if version == current {
		return data, current, nil
	}

	out := cloneValue(data).(map[string]any)
	for v := version; v < current; v++ {
		step := r.upgrades[name][v]
		var err error
		if out, err = step(out); err != nil {
			return nil, 0, fmt.Errorf("upgrading %s from version %d: %w", name, v, err)
		}
	}
	for k, v := range c.def.Defaults {
		if _, ok := out[k]; !ok {
			out[k] = cloneValue(v)
		}
	}
	return out, current, nil
}

// toJSONValue converts Go values into the shapes jsonschema expects by
// round-tripping through JSON.
func toJSONValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}

func normalize(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case []any:
		for i, e := range t {
			t[i] = normalize(e)
		}
		return t
	case []string:
		for i, e := range t {
			t[i] = norm.NFC.String(e)
		}
		return t
	case map[string]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
		return t
	default:
		return v
	}
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// errField is returned by upgrade steps that meet a field of an unexpected type.
var errField = errors.New("unexpected field type")
