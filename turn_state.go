package essayflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ZanzyTHEbar/essayflow/internal/eventbus"
)

// TurnState is the orchestrator state of a turn.
type TurnState string

const (
	// StatePlanning builds the initial plan or re-plans after an incomplete assessment
	StatePlanning TurnState = "planning"
	// StateExecuting runs the next queued group of steps
	StateExecuting TurnState = "executing"
	// StateReplanning extends the queue based on the latest results
	StateReplanning TurnState = "replanning"
	// StateCompleting assesses the turn against the intent
	StateCompleting TurnState = "completing"
	// StateDone is terminal; the turn produced an outcome (done or clarify)
	StateDone TurnState = "done"
	// StateFailed is terminal; partial results are preserved
	StateFailed TurnState = "failed"
)

// TurnContext carries all state of a single turn. It is owned by the
// orchestrator; planners and detectors read it.
type TurnContext struct {
	ID     string
	UserID string
	Intent Intent

	// Memory is the user's store. Reads through View see turn-local writes first.
	Memory MemoryContext

	Steps   []ExecutionStep
	Results []StepResult

	Missing       []MissingElement
	Criteria      *CompletionCriteria
	Clarification *Clarification

	PlanningRounds      int
	ConsecutiveFailures int
	LastGroup           []StepResult

	// Error handling
	LastError  error
	ErrorStage string

	// State management
	CurrentState TurnState
	StateStack   []TurnState

	// Timestamp tracking
	StartTime       time.Time
	EndTime         time.Time
	StateStartTimes map[TurnState]time.Time

	pending [][]ExecutionStep
	writes  map[string]any
	mu      sync.RWMutex
}

// NewTurnContext creates a turn in the planning state.
func NewTurnContext(userID, text string, memory MemoryContext) *TurnContext {
	now := time.Now()
	return &TurnContext{
		ID:              uuid.New().String(),
		UserID:          userID,
		Intent:          Intent{Text: text},
		Memory:          memory,
		CurrentState:    StatePlanning,
		StateStack:      []TurnState{},
		StartTime:       now,
		StateStartTimes: map[TurnState]time.Time{StatePlanning: now},
		writes:          make(map[string]any),
	}
}

// PushState pushes the current state onto the stack and sets a new current state.
func (tc *TurnContext) PushState(state TurnState) {
	tc.StateStack = append(tc.StateStack, tc.CurrentState)
	tc.CurrentState = state
	tc.StateStartTimes[state] = time.Now()
}

// History returns every state visited so far, ending with the current one.
func (tc *TurnContext) History() []TurnState {
	out := make([]TurnState, 0, len(tc.StateStack)+1)
	out = append(out, tc.StateStack...)
	return append(out, tc.CurrentState)
}

// IsTerminal checks if the turn reached DONE or FAILED.
func (tc *TurnContext) IsTerminal() bool {
	return tc.CurrentState == StateDone || tc.CurrentState == StateFailed
}

// SetError records the failure and moves the turn to FAILED.
func (tc *TurnContext) SetError(err error, stage string) {
	tc.LastError = err
	tc.ErrorStage = stage
	tc.PushState(StateFailed)
	tc.EndTime = time.Now()
}

// Complete moves the turn to DONE.
func (tc *TurnContext) Complete() {
	tc.PushState(StateDone)
	tc.EndTime = time.Now()
}

// Duration returns the total duration of the turn so far.
func (tc *TurnContext) Duration() time.Duration {
	if !tc.EndTime.IsZero() {
		return tc.EndTime.Sub(tc.StartTime)
	}
	return time.Since(tc.StartTime)
}

// Lookup reads key from the turn's view of memory.
func (tc *TurnContext) Lookup(ctx context.Context, key string) (any, bool, error) {
	tc.mu.RLock()
	v, ok := tc.writes[key]
	tc.mu.RUnlock()
	if ok {
		return v, true, nil
	}
	if tc.Memory == nil {
		return nil, false, nil
	}
	return tc.Memory.Get(ctx, key)
}

// Available reports whether key holds a non-empty value. Read errors count
// as unavailable.
func (tc *TurnContext) Available(ctx context.Context, key string) bool {
	v, ok, err := tc.Lookup(ctx, key)
	return err == nil && ok && !IsEmpty(v)
}

// View returns a MemoryContext over the user's store that layers the
// turn's own writes on top.
func (tc *TurnContext) View() MemoryContext {
	return &turnView{tc: tc}
}

// Enqueue appends the plan's groups to the execution queue. At most budget
// steps are accepted; the rest of the plan is dropped. Returns the number of
// accepted steps.
func (tc *TurnContext) Enqueue(plan *ExecutionPlan, budget int) int {
	if plan.Len() == 0 || budget <= 0 {
		return 0
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	accepted := 0
	for _, group := range plan.GroupSteps() {
		if accepted >= budget {
			break
		}
		if len(group) > budget-accepted {
			group = group[:budget-accepted]
		}
		tc.pending = append(tc.pending, group)
		tc.Steps = append(tc.Steps, group...)
		accepted += len(group)
	}
	return accepted
}

// Pending returns the number of queued steps.
func (tc *TurnContext) Pending() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	n := 0
	for _, g := range tc.pending {
		n += len(g)
	}
	return n
}

func (tc *TurnContext) nextGroup() ([]ExecutionStep, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if len(tc.pending) == 0 {
		return nil, false
	}
	g := tc.pending[0]
	tc.pending = tc.pending[1:]
	return g, true
}

func (tc *TurnContext) clearPending() {
	tc.mu.Lock()
	tc.pending = nil
	tc.mu.Unlock()
}

func (tc *TurnContext) record(results []StepResult) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.Results = append(tc.Results, results...)
	tc.LastGroup = results
}

func (tc *TurnContext) remember(key string, value any) {
	tc.mu.Lock()
	tc.writes[key] = value
	tc.mu.Unlock()
}

// Attempted reports whether a step for tool has already run this turn.
func (tc *TurnContext) Attempted(tool string) bool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	for _, r := range tc.Results {
		if r.ToolName == tool {
			return true
		}
	}
	return false
}

// Planned returns how many steps for tool were queued this turn.
func (tc *TurnContext) Planned(tool string) int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	n := 0
	for _, s := range tc.Steps {
		if s.ToolName == tool {
			n++
		}
	}
	return n
}

// Succeeded reports whether any step for tool succeeded this turn.
func (tc *TurnContext) Succeeded(tool string) bool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	for _, r := range tc.Results {
		if r.ToolName == tool && r.Succeeded() {
			return true
		}
	}
	return false
}

// Snapshot returns copies of the planned steps and results.
func (tc *TurnContext) Snapshot() ([]ExecutionStep, []StepResult) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	steps := append([]ExecutionStep(nil), tc.Steps...)
	results := append([]StepResult(nil), tc.Results...)
	return steps, results
}

type turnView struct {
	tc *TurnContext
}

func (v *turnView) Get(ctx context.Context, key string) (any, bool, error) {
	return v.tc.Lookup(ctx, key)
}

func (v *turnView) Set(ctx context.Context, key string, value any) error {
	if err := v.tc.Memory.Set(ctx, key, value); err != nil {
		return err
	}
	v.tc.remember(key, value)
	return nil
}

func (v *turnView) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	out, err := v.tc.Memory.GetMany(ctx, keys)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = make(map[string]any, len(keys))
	}
	v.tc.mu.RLock()
	for _, k := range keys {
		if w, ok := v.tc.writes[k]; ok {
			out[k] = w
		}
	}
	v.tc.mu.RUnlock()
	return out, nil
}

func (v *turnView) Update(ctx context.Context, key string, fn func(current any, ok bool) (any, error)) error {
	var stored any
	err := v.tc.Memory.Update(ctx, key, func(current any, ok bool) (any, error) {
		next, err := fn(current, ok)
		stored = next
		return next, err
	})
	if err != nil {
		return err
	}
	v.tc.remember(key, stored)
	return nil
}

// StateTransition defines a transition function for the state machine.
type StateTransition func(ctx context.Context, eventBus eventbus.EventBus, tc *TurnContext) (TurnState, error)

// StateMachine drives a turn through its registered transitions.
type StateMachine struct {
	transitions map[TurnState]StateTransition
	eventBus    eventbus.EventBus
}

// NewStateMachine creates an empty state machine.
func NewStateMachine(eventBus eventbus.EventBus) *StateMachine {
	return &StateMachine{
		transitions: make(map[TurnState]StateTransition),
		eventBus:    eventBus,
	}
}

// RegisterTransition registers a state transition function.
func (sm *StateMachine) RegisterTransition(state TurnState, transition StateTransition) {
	sm.transitions[state] = transition
}

// Execute runs transitions until the turn is terminal. Cancellation and
// deadline expiry are checked before every transition and fail the turn.
func (sm *StateMachine) Execute(ctx context.Context, tc *TurnContext) error {
	for !tc.IsTerminal() {
		if err := ctx.Err(); err != nil {
			stage := string(tc.CurrentState)
			tc.SetError(interrupted(stage, err), stage)
			break
		}

		transition, exists := sm.transitions[tc.CurrentState]
		if !exists {
			stage := string(tc.CurrentState)
			tc.SetError(NewError(ErrCodeInternal, stage, fmt.Sprintf("no transition defined for state: %s", stage), nil), stage)
			break
		}

		next, err := transition(ctx, sm.eventBus, tc)
		if err != nil {
			if !tc.IsTerminal() {
				tc.SetError(err, string(tc.CurrentState))
			}
			continue
		}
		if tc.IsTerminal() {
			continue
		}
		switch next {
		case StateDone:
			tc.Complete()
		case StateFailed:
			tc.SetError(NewTurnFailedError(string(tc.CurrentState), "turn failed", nil), string(tc.CurrentState))
		default:
			tc.PushState(next)
		}
	}
	return tc.LastError
}

// interrupted converts a context error into the turn's timeout or
// cancellation error.
func interrupted(stage string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(stage, err)
	}
	return NewCancelledError(stage, err)
}
