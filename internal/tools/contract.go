package tools

import "github.com/ZanzyTHEbar/essayflow"

// ContractOption configures a contract under construction.
type ContractOption func(*essayflow.ToolContract)

// WithDescription sets the one-line description shown to planners and users.
func WithDescription(description string) ContractOption {
	return func(c *essayflow.ToolContract) {
		c.Description = description
	}
}

// WithInstruction sets the instruction sent to the backend.
func WithInstruction(instruction string) ContractOption {
	return func(c *essayflow.ToolContract) {
		c.Instruction = instruction
	}
}

// WithCapabilities tags the contract for capability lookup.
func WithCapabilities(caps ...string) ContractOption {
	return func(c *essayflow.ToolContract) {
		c.Capabilities = append(c.Capabilities, caps...)
	}
}

// WithInput appends input fields.
func WithInput(fields ...essayflow.Field) ContractOption {
	return func(c *essayflow.ToolContract) {
		c.InputSchema.Fields = append(c.InputSchema.Fields, fields...)
	}
}

// WithOutput appends output fields.
func WithOutput(fields ...essayflow.Field) ContractOption {
	return func(c *essayflow.ToolContract) {
		c.OutputSchema.Fields = append(c.OutputSchema.Fields, fields...)
	}
}

// WithDependency declares a context key the tool reads.
func WithDependency(key string, required bool) ContractOption {
	return func(c *essayflow.ToolContract) {
		c.Dependencies = append(c.Dependencies, essayflow.Dependency{Key: key, Required: required})
	}
}

// WithSideEffect declares that output field (or the whole output when field
// is empty) is written to key.
func WithSideEffect(key, field string) ContractOption {
	return func(c *essayflow.ToolContract) {
		c.SideEffects = append(c.SideEffects, essayflow.SideEffect{Key: key, Field: field})
	}
}

// WithQuality names the numeric output field used as quality score.
func WithQuality(field string) ContractOption {
	return func(c *essayflow.ToolContract) {
		c.QualityField = field
	}
}

// WithFollowUp schedules tool after a successful call when condition holds.
func WithFollowUp(condition, tool, rationale string) ContractOption {
	return func(c *essayflow.ToolContract) {
		c.FollowUps = append(c.FollowUps, essayflow.FollowUp{When: condition, Tool: tool, Rationale: rationale})
	}
}

// NewContract builds a contract from options.
func NewContract(name string, options ...ContractOption) essayflow.ToolContract {
	c := essayflow.ToolContract{Name: name}
	for _, option := range options {
		option(&c)
	}
	return c
}

func intp(v int) *int { return &v }

func floatp(v float64) *float64 { return &v }

func str(name, description string) essayflow.Field {
	return essayflow.Field{Name: name, Type: essayflow.TypeString, Description: description}
}

func strList(name, description string) essayflow.Field {
	return essayflow.Field{Name: name, Type: essayflow.TypeArray, Description: description, Items: &essayflow.Field{Type: essayflow.TypeString}}
}

func required(f essayflow.Field) essayflow.Field {
	f.Required = true
	return f
}

func score(name string) essayflow.Field {
	return essayflow.Field{Name: name, Type: essayflow.TypeNumber, Description: "self-assessed quality in [0,1]", Minimum: floatp(0), Maximum: floatp(1)}
}
