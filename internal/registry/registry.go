// Package registry holds validated tool contracts and indexes them by name,
// capability and written context key.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ZanzyTHEbar/essayflow"
	"github.com/ZanzyTHEbar/essayflow/internal/expr"
	"github.com/ZanzyTHEbar/essayflow/internal/schema"
)

type entry struct {
	contract essayflow.ToolContract
	input    *schema.Validator
	output   *schema.Validator
}

// Registry is safe for concurrent use. It is expected to be filled at
// startup and read afterwards.
type Registry struct {
	mu        sync.RWMutex
	contracts map[string]*entry
	logger    zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		contracts: make(map[string]*entry),
		logger:    log.Logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ essayflow.ContractRegistry = (*Registry)(nil)

// Register validates and adds a contract.
func (r *Registry) Register(c essayflow.ToolContract) error {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return essayflow.NewSchemaError("<unnamed>", "contract name is empty", nil)
	}

	r.mu.RLock()
	_, exists := r.contracts[name]
	r.mu.RUnlock()
	if exists {
		return essayflow.NewDuplicateToolError(name)
	}

	e, err := compileContract(c)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.contracts[name]; exists {
		return essayflow.NewDuplicateToolError(name)
	}
	r.contracts[name] = e
	r.logger.Debug().Str("tool", name).Strs("capabilities", c.Capabilities).Msg("tool contract registered")
	return nil
}

// RegisterAll registers contracts in order, stopping at the first error, and
// then checks follow-up references.
func (r *Registry) RegisterAll(contracts ...essayflow.ToolContract) error {
	for _, c := range contracts {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return r.CheckReferences()
}

// MustRegisterAll is RegisterAll for startup code; it panics on error.
func (r *Registry) MustRegisterAll(contracts ...essayflow.ToolContract) *Registry {
	if err := r.RegisterAll(contracts...); err != nil {
		panic(err)
	}
	return r
}

func compileContract(c essayflow.ToolContract) (*entry, error) {
	if len(c.Capabilities) == 0 {
		return nil, essayflow.NewSchemaError(c.Name, "contract declares no capabilities", nil)
	}
	in, err := schema.Compile(c.Name, c.Name+".input", c.InputSchema)
	if err != nil {
		return nil, err
	}
	out, err := schema.Compile(c.Name, c.Name+".output", c.OutputSchema)
	if err != nil {
		return nil, err
	}

	for _, d := range c.Dependencies {
		if strings.TrimSpace(d.Key) == "" {
			return nil, essayflow.NewSchemaError(c.Name, "dependency with empty key", nil)
		}
	}
	for _, se := range c.SideEffects {
		if strings.TrimSpace(se.Key) == "" {
			return nil, essayflow.NewSchemaError(c.Name, "side effect with empty key", nil)
		}
		if se.Field != "" {
			if _, ok := c.OutputSchema.Field(se.Field); !ok {
				return nil, essayflow.NewSchemaError(c.Name, fmt.Sprintf("side effect %q writes unknown output field %q", se.Key, se.Field), nil)
			}
		}
	}
	if c.QualityField != "" {
		f, ok := c.OutputSchema.Field(c.QualityField)
		if !ok {
			return nil, essayflow.NewSchemaError(c.Name, fmt.Sprintf("quality field %q is not an output field", c.QualityField), nil)
		}
		if f.Type != essayflow.TypeNumber && f.Type != essayflow.TypeInteger {
			return nil, essayflow.NewSchemaError(c.Name, fmt.Sprintf("quality field %q must be numeric", c.QualityField), nil)
		}
	}
	for _, fu := range c.FollowUps {
		if strings.TrimSpace(fu.Tool) == "" {
			return nil, essayflow.NewSchemaError(c.Name, "follow-up without tool", nil)
		}
		if err := expr.Validate(fu.When); err != nil {
			return nil, essayflow.NewSchemaError(c.Name, fmt.Sprintf("follow-up %q condition", fu.Tool), err)
		}
	}
	return &entry{contract: c, input: in, output: out}, nil
}

// CheckReferences verifies that every follow-up names a registered tool.
func (r *Registry) CheckReferences() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.sortedNames() {
		for _, fu := range r.contracts[name].contract.FollowUps {
			if _, ok := r.contracts[fu.Tool]; !ok {
				return essayflow.NewSchemaError(name, fmt.Sprintf("follow-up references unknown tool %q", fu.Tool), nil)
			}
		}
	}
	return nil
}

// Get returns the contract registered under name.
func (r *Registry) Get(name string) (essayflow.ToolContract, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.contracts[name]
	if !ok {
		return essayflow.ToolContract{}, essayflow.NewToolNotFoundError("registry", name)
	}
	return e.contract, nil
}

// Validators returns the compiled input and output validators of name.
func (r *Registry) Validators(name string) (*schema.Validator, *schema.Validator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.contracts[name]
	if !ok {
		return nil, nil, essayflow.NewToolNotFoundError("registry", name)
	}
	return e.input, e.output, nil
}

// ListByCapability returns the contracts carrying tag, sorted by name.
func (r *Registry) ListByCapability(tag string) []essayflow.ToolContract {
	return r.filter(func(c essayflow.ToolContract) bool { return c.HasCapability(tag) })
}

// Producers returns the contracts that write key, sorted by name.
func (r *Registry) Producers(key string) []essayflow.ToolContract {
	return r.filter(func(c essayflow.ToolContract) bool { return c.Writes(key) })
}

// List returns every contract sorted by name.
func (r *Registry) List() []essayflow.ToolContract {
	return r.filter(func(essayflow.ToolContract) bool { return true })
}

// Capabilities returns every capability tag in use, sorted.
func (r *Registry) Capabilities() []string {
	seen := make(map[string]bool)
	for _, c := range r.List() {
		for _, cp := range c.Capabilities {
			seen[cp] = true
		}
	}
	out := make([]string, 0, len(seen))
	for cp := range seen {
		out = append(out, cp)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) filter(keep func(essayflow.ToolContract) bool) []essayflow.ToolContract {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []essayflow.ToolContract
	for _, name := range r.sortedNames() {
		if c := r.contracts[name].contract; keep(c) {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) sortedNames() []string {
	names := make([]string, 0, len(r.contracts))
	for n := range r.contracts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
