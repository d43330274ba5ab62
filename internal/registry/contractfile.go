package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/ZanzyTHEbar/essayflow"
)

// ContractFile is the on-disk format of a tool catalog.
type ContractFile struct {
	Name        string                   `yaml:"name"`
	Description string                   `yaml:"description,omitempty"`
	Tools       []essayflow.ToolContract `yaml:"tools"`
}

// FileLoader decodes a ContractFile from a source in one format.
type FileLoader interface {
	Decode(r io.Reader) (*ContractFile, error)
	Format() string // e.g., "yaml", "json"
}

var (
	loaderMu       sync.RWMutex
	loaderRegistry = make(map[string]FileLoader)
)

// RegisterFileLoader registers a loader for its format name.
func RegisterFileLoader(loader FileLoader) {
	loaderMu.Lock()
	defer loaderMu.Unlock()
	loaderRegistry[loader.Format()] = loader
}

// GetFileLoader retrieves a loader by format name.
func GetFileLoader(format string) (FileLoader, bool) {
	loaderMu.RLock()
	defer loaderMu.RUnlock()
	loader, ok := loaderRegistry[format]
	return loader, ok
}

// YAMLLoader decodes YAML contract files. It rejects unknown keys so typos in
// hand-written catalogs fail loudly.
type YAMLLoader struct{}

func (YAMLLoader) Decode(r io.Reader) (*ContractFile, error) {
	var cf ContractFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cf); err != nil {
		return nil, fmt.Errorf("failed to parse contract YAML: %w", err)
	}
	return &cf, nil
}

func (YAMLLoader) Format() string { return "yaml" }

// JSONLoader decodes JSON contract files.
type JSONLoader struct{}

func (JSONLoader) Decode(r io.Reader) (*ContractFile, error) {
	var cf ContractFile
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cf); err != nil {
		return nil, fmt.Errorf("failed to parse contract JSON: %w", err)
	}
	return &cf, nil
}

func (JSONLoader) Format() string { return "json" }

func init() {
	RegisterFileLoader(YAMLLoader{})
	RegisterFileLoader(JSONLoader{})
}

// LoadContractFile opens path and decodes it with the loader matching its
// extension; anything but .json is treated as YAML.
func LoadContractFile(path string) (*ContractFile, error) {
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}
	loader, ok := GetFileLoader(format)
	if !ok {
		return nil, fmt.Errorf("no %s contract loader registered", format)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open contract file: %w", err)
	}
	defer f.Close()
	return loader.Decode(f)
}

// Validate checks the file for duplicate names, dangling follow-ups and
// cycles in the key dependencies between different tools.
func (cf *ContractFile) Validate() error {
	names := make(map[string]struct{}, len(cf.Tools))
	for _, t := range cf.Tools {
		if _, exists := names[t.Name]; exists {
			return essayflow.NewDuplicateToolError(t.Name)
		}
		names[t.Name] = struct{}{}
	}
	for _, t := range cf.Tools {
		for _, fu := range t.FollowUps {
			if _, exists := names[fu.Tool]; !exists {
				return essayflow.NewSchemaError(t.Name, fmt.Sprintf("follow-up references unknown tool %q", fu.Tool), nil)
			}
		}
	}

	// tool -> tools producing a key it requires
	edges := make(map[string][]string, len(cf.Tools))
	for _, t := range cf.Tools {
		for _, key := range t.RequiredKeys() {
			for _, p := range cf.Tools {
				if p.Name != t.Name && p.Writes(key) {
					edges[t.Name] = append(edges[t.Name], p.Name)
				}
			}
		}
	}
	visited := make(map[string]bool, len(cf.Tools))
	stack := make(map[string]bool, len(cf.Tools))
	var hasCycle func(name string) bool
	hasCycle = func(name string) bool {
		if stack[name] {
			return true
		}
		if visited[name] {
			return false
		}
		visited[name] = true
		stack[name] = true
		for _, dep := range edges[name] {
			if hasCycle(dep) {
				return true
			}
		}
		stack[name] = false
		return false
	}
	for _, t := range cf.Tools {
		if hasCycle(t.Name) {
			return essayflow.NewSchemaError(t.Name, "required context keys form a cycle between tools", nil)
		}
	}
	return nil
}

// LoadInto loads path, validates it and registers every tool in reg.
func LoadInto(reg *Registry, path string) (*ContractFile, error) {
	cf, err := LoadContractFile(path)
	if err != nil {
		return nil, err
	}
	if err := cf.Validate(); err != nil {
		return nil, err
	}
	if err := reg.RegisterAll(cf.Tools...); err != nil {
		return nil, err
	}
	return cf, nil
}

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

// FileJSONSchema returns the JSON Schema of the contract file format.
func FileJSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag: "yaml",
		}
		s := r.Reflect(&ContractFile{})
		schemaJSON, schemaErr = json.MarshalIndent(s, "", "  ")
	})
	return schemaJSON, schemaErr
}
