// Package agentdef supplies named agent configuration bundles from a
// directory of YAML files. The session registry looks definitions up by
// name when a new session is launched.
package agentdef

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// Definition is one named agent configuration bundle.
type Definition struct {
	Name         string            `yaml:"name" json:"name"`
	Description  string            `yaml:"description,omitempty" json:"description,omitempty"`
	Instructions string            `yaml:"instructions,omitempty" json:"instructions,omitempty"`
	Environment  map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
	Capabilities []string          `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
}

const definitionSchemaJSON = `{
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": {"type": "string", "minLength": 1, "pattern": "^[a-z0-9][a-z0-9_-]*$"},
    "description": {"type": "string"},
    "instructions": {"type": "string"},
    "environment": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "capabilities": {
      "type": "array",
      "items": {"type": "string", "minLength": 1}
    }
  }
}`

var (
	defSchemaOnce sync.Once
	defSchema     *jsonschema.Schema
	defSchemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	defSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
		if err != nil {
			defSchemaErr = fmt.Errorf("unmarshal definition schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("agentdef.json", doc); err != nil {
			defSchemaErr = fmt.Errorf("add definition schema resource: %w", err)
			return
		}
		defSchema, defSchemaErr = c.Compile("agentdef.json")
	})
	return defSchema, defSchemaErr
}

// Source is a directory-backed definition registry. Files are read on
// every lookup so edits take effect without a daemon restart.
type Source struct {
	dir    string
	logger *slog.Logger
}

func NewSource(dir string, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{dir: dir, logger: logger}
}

// Get loads and validates the definition named name. The file's name
// field must match its base name; a mismatch is a validation error.
func (s *Source) Get(name string) (*Definition, error) {
	path, err := s.findFile(name)
	if err != nil {
		return nil, err
	}
	return s.load(path, name)
}

// GetAll loads every valid definition in the directory, sorted by name.
// Invalid files are logged and skipped so one bad bundle does not hide
// the rest.
func (s *Source) GetAll() ([]*Definition, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan agent definitions: %w", err)
	}

	var defs []*Definition
	for _, ent := range entries {
		if ent.IsDir() || !isYAML(ent.Name()) {
			continue
		}
		base := strings.TrimSuffix(ent.Name(), filepath.Ext(ent.Name()))
		def, err := s.load(filepath.Join(s.dir, ent.Name()), base)
		if err != nil {
			s.logger.Warn("skipping invalid agent definition", "file", ent.Name(), "error", err)
			continue
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

func (s *Source) findFile(name string) (string, error) {
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(s.dir, name+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("agent definition %q not found", name)
}

func (s *Source) load(path, expectName string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent definition: %w", err)
	}

	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}

	if err := validate(&def); err != nil {
		return nil, fmt.Errorf("validate %s: %w", filepath.Base(path), err)
	}
	if def.Name != expectName {
		return nil, fmt.Errorf("definition name %q does not match file name %q", def.Name, expectName)
	}
	return &def, nil
}

// validate runs the JSON Schema over the decoded definition. The YAML
// round-trips through JSON because the validator wants json.Number
// semantics.
func validate(def *Definition) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	data, err := json.Marshal(def)
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	return schema.Validate(doc)
}

func isYAML(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}
