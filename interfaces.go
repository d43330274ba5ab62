package essayflow

import "context"

// MemoryContext is the per-user key/value store tools read from and write to.
// Implementations must isolate users and make Update atomic.
type MemoryContext interface {
	// Get returns the value for key and whether it is present.
	Get(ctx context.Context, key string) (any, bool, error)

	// Set stores value under key.
	Set(ctx context.Context, key string, value any) error

	// GetMany returns the present values for keys. Absent keys are omitted.
	GetMany(ctx context.Context, keys []string) (map[string]any, error)

	// Update atomically reads key, applies fn and stores the returned value.
	Update(ctx context.Context, key string, fn func(current any, ok bool) (any, error)) error
}

// MemoryProvider hands out the MemoryContext of a single user.
type MemoryProvider interface {
	ForUser(ctx context.Context, userID string) (MemoryContext, error)
}

// BackendRequest is the payload sent to a reasoning backend for one attempt.
type BackendRequest struct {
	Tool            string         `json:"tool"`
	Instruction     string         `json:"instruction"`
	Inputs          map[string]any `json:"inputs"`
	InputSchema     map[string]any `json:"input_schema"`
	OutputSchema    map[string]any `json:"output_schema"`
	Personalization map[string]any `json:"personalization,omitempty"`
	Attempt         int            `json:"attempt"`

	// Feedback lists the output violations of the previous attempt.
	Feedback []string `json:"feedback,omitempty"`
}

// Backend performs one structured generation call and returns raw bytes
// expected to hold a JSON object.
type Backend interface {
	Call(ctx context.Context, req BackendRequest) ([]byte, error)
}

// ContractRegistry holds the tool contracts known to the system.
type ContractRegistry interface {
	Register(contract ToolContract) error
	Get(name string) (ToolContract, error)
	ListByCapability(tag string) []ToolContract
	List() []ToolContract

	// Producers returns the contracts whose side effects write key.
	Producers(key string) []ToolContract
}

// Invoker runs a single contract against a backend with validation and
// bounded retries. It never returns an error; failures are encoded in the
// StepResult status.
type Invoker interface {
	Invoke(ctx context.Context, contract ToolContract, inputs map[string]any, memory MemoryContext) StepResult
}

// Planner classifies a turn's utterance, turns the intent into ordered
// steps and extends them as results arrive. Planners read the TurnContext
// but never modify it.
type Planner interface {
	Classify(ctx context.Context, text string) (Intent, error)
	Plan(ctx context.Context, tc *TurnContext) (*ExecutionPlan, error)
	Replan(ctx context.Context, latest []StepResult, tc *TurnContext) (*ExecutionPlan, error)
}

// CompletionDetector scores a turn against the user's intent. It must not
// mutate the turn.
type CompletionDetector interface {
	Assess(intent Intent, tc *TurnContext) CompletionCriteria
}
