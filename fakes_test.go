package essayflow

import (
	"context"
	"sort"
	"sync"
)

type fakeRegistry struct {
	contracts map[string]ToolContract
}

func newFakeRegistry(contracts ...ToolContract) *fakeRegistry {
	r := &fakeRegistry{contracts: make(map[string]ToolContract)}
	for _, c := range contracts {
		r.contracts[c.Name] = c
	}
	return r
}

func (r *fakeRegistry) Register(c ToolContract) error {
	if _, ok := r.contracts[c.Name]; ok {
		return NewDuplicateToolError(c.Name)
	}
	r.contracts[c.Name] = c
	return nil
}

func (r *fakeRegistry) Get(name string) (ToolContract, error) {
	c, ok := r.contracts[name]
	if !ok {
		return ToolContract{}, NewToolNotFoundError("registry", name)
	}
	return c, nil
}

func (r *fakeRegistry) ListByCapability(tag string) []ToolContract {
	var out []ToolContract
	for _, c := range r.List() {
		if c.HasCapability(tag) {
			out = append(out, c)
		}
	}
	return out
}

func (r *fakeRegistry) List() []ToolContract {
	out := make([]ToolContract, 0, len(r.contracts))
	for _, c := range r.contracts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *fakeRegistry) Producers(key string) []ToolContract {
	var out []ToolContract
	for _, c := range r.List() {
		if c.Writes(key) {
			out = append(out, c)
		}
	}
	return out
}

// fakeMemory keeps one map per user.
type fakeMemory struct {
	mu    sync.Mutex
	users map[string]map[string]any
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{users: make(map[string]map[string]any)}
}

func (m *fakeMemory) ForUser(_ context.Context, userID string) (MemoryContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.users[userID] == nil {
		m.users[userID] = make(map[string]any)
	}
	return &fakeUserMemory{m: m, user: userID}, nil
}

func (m *fakeMemory) value(userID, key string) any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[userID][key]
}

func (m *fakeMemory) seed(userID, key string, v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.users[userID] == nil {
		m.users[userID] = make(map[string]any)
	}
	m.users[userID][key] = v
}

type fakeUserMemory struct {
	m    *fakeMemory
	user string
}

func (u *fakeUserMemory) Get(_ context.Context, key string) (any, bool, error) {
	u.m.mu.Lock()
	defer u.m.mu.Unlock()
	v, ok := u.m.users[u.user][key]
	return v, ok, nil
}

func (u *fakeUserMemory) Set(_ context.Context, key string, value any) error {
	u.m.mu.Lock()
	defer u.m.mu.Unlock()
	u.m.users[u.user][key] = value
	return nil
}

func (u *fakeUserMemory) GetMany(_ context.Context, keys []string) (map[string]any, error) {
	u.m.mu.Lock()
	defer u.m.mu.Unlock()
	out := make(map[string]any)
	for _, k := range keys {
		if v, ok := u.m.users[u.user][k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (u *fakeUserMemory) Update(_ context.Context, key string, fn func(any, bool) (any, error)) error {
	u.m.mu.Lock()
	defer u.m.mu.Unlock()
	cur, ok := u.m.users[u.user][key]
	next, err := fn(cur, ok)
	if err != nil {
		return err
	}
	u.m.users[u.user][key] = next
	return nil
}

type fakePlanner struct {
	mu          sync.Mutex
	goals       []string
	classifyErr error
	plan        func(tc *TurnContext) (*ExecutionPlan, error)
	replan      func(latest []StepResult, tc *TurnContext) (*ExecutionPlan, error)
	classifies  int
	plans       int
	replans     int
	missing     [][]MissingElement
}

func (p *fakePlanner) Classify(_ context.Context, text string) (Intent, error) {
	p.mu.Lock()
	p.classifies++
	p.mu.Unlock()
	if p.classifyErr != nil {
		return Intent{}, p.classifyErr
	}
	return Intent{Text: text, Goals: p.goals}, nil
}

func (p *fakePlanner) Plan(_ context.Context, tc *TurnContext) (*ExecutionPlan, error) {
	p.mu.Lock()
	p.plans++
	p.missing = append(p.missing, tc.Missing)
	p.mu.Unlock()
	return p.plan(tc)
}

func (p *fakePlanner) Replan(_ context.Context, latest []StepResult, tc *TurnContext) (*ExecutionPlan, error) {
	p.mu.Lock()
	p.replans++
	p.mu.Unlock()
	if p.replan == nil {
		return &ExecutionPlan{}, nil
	}
	return p.replan(latest, tc)
}

type fakeInvoker struct {
	mu     sync.Mutex
	calls  int
	inputs []map[string]any
	fn     func(ctx context.Context, contract ToolContract, inputs map[string]any) StepResult
}

func (f *fakeInvoker) Invoke(ctx context.Context, contract ToolContract, inputs map[string]any, _ MemoryContext) StepResult {
	f.mu.Lock()
	f.calls++
	f.inputs = append(f.inputs, inputs)
	f.mu.Unlock()
	if f.fn == nil {
		return StepResult{ToolName: contract.Name, Status: StatusSuccess, Output: map[string]any{"text": contract.Name}, RawAttempts: 1}
	}
	return f.fn(ctx, contract, inputs)
}

func (f *fakeInvoker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDetector struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, tc *TurnContext) CompletionCriteria
}

func (d *fakeDetector) Assess(_ Intent, tc *TurnContext) CompletionCriteria {
	d.mu.Lock()
	d.calls++
	call := d.calls
	d.mu.Unlock()
	if d.fn == nil {
		return CompletionCriteria{IntentSatisfaction: 1, Quality: 1, Completeness: 1, Coherence: 1, IsComplete: true}
	}
	return d.fn(call, tc)
}

func incomplete(goal string) CompletionCriteria {
	return CompletionCriteria{
		IntentSatisfaction: 0.5,
		MissingElements:    []MissingElement{{Goal: goal, Description: "not done"}},
	}
}

// sequential puts every step in its own group.
func sequential(steps ...ExecutionStep) *ExecutionPlan {
	plan := &ExecutionPlan{Steps: steps}
	for _, s := range steps {
		plan.Groups = append(plan.Groups, []string{s.ID})
	}
	return plan
}

// parallel puts every step in one group.
func parallel(steps ...ExecutionStep) *ExecutionPlan {
	plan := &ExecutionPlan{Steps: steps, Groups: [][]string{{}}}
	for _, s := range steps {
		plan.Groups[0] = append(plan.Groups[0], s.ID)
	}
	return plan
}

func step(id, tool string) ExecutionStep {
	return ExecutionStep{ID: id, ToolName: tool, Goal: tool, Inputs: map[string]InputSource{}}
}

func contract(name string, sideEffects ...SideEffect) ToolContract {
	return ToolContract{Name: name, Capabilities: []string{name}, SideEffects: sideEffects}
}
