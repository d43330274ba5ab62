package essayflow

import (
	"strings"
	"time"
)

// FieldType names the JSON type a schema field accepts.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

// Valid reports whether t is one of the supported field types.
func (t FieldType) Valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeArray, TypeObject:
		return true
	}
	return false
}

// Field describes a single named value in a tool's input or output.
type Field struct {
	Name        string    `json:"name" yaml:"name"`
	Type        FieldType `json:"type" yaml:"type"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any       `json:"default,omitempty" yaml:"default,omitempty"`
	Enum        []any     `json:"enum,omitempty" yaml:"enum,omitempty"`

	MinLength *int     `json:"min_length,omitempty" yaml:"min_length,omitempty"`
	MaxLength *int     `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	Minimum   *float64 `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Maximum   *float64 `json:"maximum,omitempty" yaml:"maximum,omitempty"`
	MinItems  *int     `json:"min_items,omitempty" yaml:"min_items,omitempty"`
	MaxItems  *int     `json:"max_items,omitempty" yaml:"max_items,omitempty"`

	// Items is the element schema of an array field.
	Items *Field `json:"items,omitempty" yaml:"items,omitempty"`
	// Fields are the properties of an object field.
	Fields []Field `json:"fields,omitempty" yaml:"fields,omitempty"`

	// From binds an input field to a memory context key. Only meaningful on
	// top-level input fields.
	From string `json:"from,omitempty" yaml:"from,omitempty"`

	// Constraint is a boolean expression over `value`, e.g. "value >= 100".
	Constraint string `json:"constraint,omitempty" yaml:"constraint,omitempty"`
}

// Schema is the structural description of a tool's input or output object.
type Schema struct {
	Fields          []Field `json:"fields" yaml:"fields"`
	AllowAdditional bool    `json:"allow_additional,omitempty" yaml:"allow_additional,omitempty"`
}

// Field looks up a top-level field by name.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Dependency is a memory context key a tool reads for personalization.
type Dependency struct {
	Key      string `json:"key" yaml:"key"`
	Required bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

// SideEffect is a memory context key a tool writes after a successful call.
// Field selects the output field that is written; empty writes the whole output.
type SideEffect struct {
	Key   string `json:"key" yaml:"key"`
	Field string `json:"field,omitempty" yaml:"field,omitempty"`
}

// FollowUp schedules another tool when When evaluates to true over the output.
type FollowUp struct {
	When      string `json:"when" yaml:"when"`
	Tool      string `json:"tool" yaml:"tool"`
	Rationale string `json:"rationale,omitempty" yaml:"rationale,omitempty"`
}

// ToolContract is the typed definition of a single backend-backed tool.
type ToolContract struct {
	Name         string       `json:"name" yaml:"name"`
	Description  string       `json:"description" yaml:"description"`
	Instruction  string       `json:"instruction" yaml:"instruction"`
	Capabilities []string     `json:"capabilities" yaml:"capabilities"`
	InputSchema  Schema       `json:"input_schema" yaml:"input_schema"`
	OutputSchema Schema       `json:"output_schema" yaml:"output_schema"`
	Dependencies []Dependency `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	SideEffects  []SideEffect `json:"side_effects,omitempty" yaml:"side_effects,omitempty"`
	QualityField string       `json:"quality_field,omitempty" yaml:"quality_field,omitempty"`
	FollowUps    []FollowUp   `json:"follow_ups,omitempty" yaml:"follow_ups,omitempty"`
}

// HasCapability reports whether the contract carries the given tag.
func (c ToolContract) HasCapability(tag string) bool {
	for _, cp := range c.Capabilities {
		if cp == tag {
			return true
		}
	}
	return false
}

// Writes reports whether a successful call of the contract writes key.
func (c ToolContract) Writes(key string) bool {
	for _, se := range c.SideEffects {
		if se.Key == key {
			return true
		}
	}
	return false
}

// ContextKeys returns every memory key the contract reads: dependencies
// followed by input bindings, deduplicated, in declaration order.
func (c ToolContract) ContextKeys() []string {
	seen := make(map[string]bool)
	var keys []string
	for _, d := range c.Dependencies {
		if !seen[d.Key] {
			seen[d.Key] = true
			keys = append(keys, d.Key)
		}
	}
	for _, f := range c.InputSchema.Fields {
		if f.From != "" && !seen[f.From] {
			seen[f.From] = true
			keys = append(keys, f.From)
		}
	}
	return keys
}

// RequiredKeys returns the memory keys that must hold a non-empty value
// before the tool can run.
func (c ToolContract) RequiredKeys() []string {
	seen := make(map[string]bool)
	var keys []string
	for _, d := range c.Dependencies {
		if d.Required && !seen[d.Key] {
			seen[d.Key] = true
			keys = append(keys, d.Key)
		}
	}
	for _, f := range c.InputSchema.Fields {
		if f.Required && f.From != "" && !seen[f.From] {
			seen[f.From] = true
			keys = append(keys, f.From)
		}
	}
	return keys
}

// InputKind defines where a step input value comes from.
type InputKind string

const (
	// InputLiteral is a value fixed at planning time.
	InputLiteral InputKind = "literal"
	// InputContext is read from the turn's memory view when the step runs.
	InputContext InputKind = "context"
)

// InputSource is a step input, either a literal value or a context reference.
type InputSource struct {
	Kind  InputKind `json:"kind"`
	Value any       `json:"value,omitempty"`
	Key   string    `json:"key,omitempty"`
}

// Literal returns an InputSource holding v.
func Literal(v any) InputSource {
	return InputSource{Kind: InputLiteral, Value: v}
}

// FromContext returns an InputSource reading key from the memory view.
func FromContext(key string) InputSource {
	return InputSource{Kind: InputContext, Key: key}
}

// ExecutionStep is one planned tool invocation. Steps are never mutated after
// planning; replanning produces new steps.
type ExecutionStep struct {
	ID        string                 `json:"id"`
	ToolName  string                 `json:"tool_name"`
	Goal      string                 `json:"goal,omitempty"`
	Inputs    map[string]InputSource `json:"inputs"`
	DependsOn []string               `json:"depends_on,omitempty"`
	Rationale string                 `json:"rationale,omitempty"`
}

// ExecutionPlan is an ordered list of steps layered into groups. Steps in one
// group have no data dependency on each other.
type ExecutionPlan struct {
	Steps  []ExecutionStep `json:"steps"`
	Groups [][]string      `json:"groups"`
}

// Len returns the number of steps in the plan.
func (p *ExecutionPlan) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Steps)
}

// Step looks up a step by ID.
func (p *ExecutionPlan) Step(id string) (ExecutionStep, bool) {
	if p == nil {
		return ExecutionStep{}, false
	}
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return ExecutionStep{}, false
}

// GroupSteps returns the steps of every group, in group order.
func (p *ExecutionPlan) GroupSteps() [][]ExecutionStep {
	if p == nil {
		return nil
	}
	out := make([][]ExecutionStep, 0, len(p.Groups))
	for _, g := range p.Groups {
		group := make([]ExecutionStep, 0, len(g))
		for _, id := range g {
			if s, ok := p.Step(id); ok {
				group = append(group, s)
			}
		}
		out = append(out, group)
	}
	return out
}

// StepStatus is the outcome class of a single tool invocation.
type StepStatus string

const (
	StatusSuccess          StepStatus = "success"
	StatusValidationFailed StepStatus = "validation_failed"
	StatusExecutionError   StepStatus = "execution_error"
)

// StepResult is the outcome of running one ExecutionStep through the pipeline.
type StepResult struct {
	StepID      string         `json:"step_id"`
	ToolName    string         `json:"tool_name"`
	Goal        string         `json:"goal,omitempty"`
	Status      StepStatus     `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
	RawAttempts int            `json:"raw_attempts"`
	ErrorDetail string         `json:"error_detail,omitempty"`
	Violations  []string       `json:"violations,omitempty"`

	// UnresolvedInputs lists context-bound inputs that were empty when the
	// step ran.
	UnresolvedInputs []string      `json:"unresolved_inputs,omitempty"`
	Duration         time.Duration `json:"duration"`
}

// Succeeded reports whether the result carries a validated output.
func (r StepResult) Succeeded() bool {
	return r.Status == StatusSuccess
}

// Intent is the classified form of a user utterance.
type Intent struct {
	Text  string         `json:"text"`
	Goals []string       `json:"goals"`
	Slots map[string]any `json:"slots,omitempty"`
}

// MissingElement is a concrete gap found by completion assessment.
type MissingElement struct {
	Goal        string `json:"goal"`
	Tool        string `json:"tool,omitempty"`
	Description string `json:"description"`
}

// CompletionCriteria is the result of one completion assessment.
type CompletionCriteria struct {
	IntentSatisfaction float64          `json:"intent_satisfaction"`
	Quality            float64          `json:"quality"`
	Completeness       float64          `json:"completeness"`
	Coherence          float64          `json:"coherence"`
	IsComplete         bool             `json:"is_complete"`
	MissingElements    []MissingElement `json:"missing_elements,omitempty"`
}

// Clarification asks the user for values the planner could not find.
type Clarification struct {
	Missing  []string `json:"missing"`
	Question string   `json:"question"`
}

// OutcomeStatus is the terminal status of a turn.
type OutcomeStatus string

const (
	OutcomeDone    OutcomeStatus = "done"
	OutcomeClarify OutcomeStatus = "clarify"
	OutcomeFailed  OutcomeStatus = "failed"
)

// TurnOutcome is returned to the caller for every turn.
type TurnOutcome struct {
	TurnID        string              `json:"turn_id"`
	UserID        string              `json:"user_id"`
	Status        OutcomeStatus       `json:"status"`
	Intent        Intent              `json:"intent"`
	Steps         []ExecutionStep     `json:"steps"`
	Results       []StepResult        `json:"results"`
	Criteria      *CompletionCriteria `json:"criteria,omitempty"`
	Clarification *Clarification      `json:"clarification,omitempty"`
	Error         string              `json:"error,omitempty"`
	Duration      time.Duration       `json:"duration"`

	err error
}

// Err returns the failure cause of a failed turn.
func (o *TurnOutcome) Err() error {
	return o.err
}

// IsEmpty reports whether a context value counts as absent: nil, blank
// strings, and empty maps or slices.
func IsEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case []map[string]any:
		return len(t) == 0
	}
	return false
}
