package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/essayflow"
	"github.com/ZanzyTHEbar/essayflow/internal/metrics"
	"github.com/ZanzyTHEbar/essayflow/internal/registry"
	"github.com/ZanzyTHEbar/essayflow/internal/schema"
	"github.com/ZanzyTHEbar/essayflow/internal/tools"
)

type reply struct {
	raw []byte
	err error
}

// scriptedBackend returns its replies in order and repeats the last one.
type scriptedBackend struct {
	mu       sync.Mutex
	replies  []reply
	requests []essayflow.BackendRequest
	block    chan struct{}
}

func (b *scriptedBackend) Call(ctx context.Context, req essayflow.BackendRequest) ([]byte, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	n := len(b.requests)
	b.mu.Unlock()

	if b.block != nil {
		select {
		case <-b.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r := b.replies[len(b.replies)-1]
	if n <= len(b.replies) {
		r = b.replies[n-1]
	}
	return r.raw, r.err
}

func (b *scriptedBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

type mapMemory struct {
	data map[string]any
	err  error
}

func (m *mapMemory) Get(_ context.Context, key string) (any, bool, error) {
	v, ok := m.data[key]
	return v, ok, m.err
}

func (m *mapMemory) Set(_ context.Context, key string, value any) error {
	m.data[key] = value
	return m.err
}

func (m *mapMemory) GetMany(_ context.Context, keys []string) (map[string]any, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := map[string]any{}
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (m *mapMemory) Update(_ context.Context, key string, fn func(any, bool) (any, error)) error {
	cur, ok := m.data[key]
	next, err := fn(cur, ok)
	if err != nil {
		return err
	}
	m.data[key] = next
	return nil
}

func sample(t *testing.T, tool string) reply {
	t.Helper()
	out, ok := tools.SampleOutput(tool)
	if !ok {
		t.Fatalf("no sample for %s", tool)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		t.Fatal(err)
	}
	return reply{raw: raw}
}

func invalid() reply {
	return reply{raw: []byte(`{"stories": [], "quality_score": 3}`)}
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestPipeline(b essayflow.Backend, rec *sleepRecorder, opts ...Option) *Pipeline {
	base := []Option{
		WithSleeper(rec.sleep),
		WithBackoff(BackoffPolicy{Initial: 10 * time.Millisecond, Max: time.Second, Factor: 2}),
		WithLogger(zerolog.Nop()),
	}
	return New(b, append(base, opts...)...)
}

func profileInputs() map[string]any {
	return map[string]any{"profile": map[string]any{"name": "Ana", "interests": []any{"baking"}}}
}

func TestInvoke_SuccessFirstAttempt(t *testing.T) {
	backend := &scriptedBackend{replies: []reply{sample(t, tools.GoalBrainstorm)}}
	m := metrics.New(nil)
	p := newTestPipeline(backend, &sleepRecorder{}, WithMetrics(m))

	res := p.Invoke(context.Background(), tools.Brainstorm(), profileInputs(), &mapMemory{data: map[string]any{}})

	if res.Status != essayflow.StatusSuccess {
		t.Fatalf("expected success, got %s (%s)", res.Status, res.ErrorDetail)
	}
	if res.RawAttempts != 1 || backend.calls() != 1 {
		t.Errorf("expected exactly one call, got attempts=%d calls=%d", res.RawAttempts, backend.calls())
	}
	if _, ok := res.Output["stories"]; !ok {
		t.Errorf("output missing stories: %v", res.Output)
	}
	if v := testutil.ToFloat64(m.BackendAttempts.WithLabelValues(tools.GoalBrainstorm, "ok")); v != 1 {
		t.Errorf("expected one ok attempt metric, got %v", v)
	}
}

func TestInvoke_InvalidInputNeverCallsBackend(t *testing.T) {
	backend := &scriptedBackend{replies: []reply{sample(t, tools.GoalBrainstorm)}}
	p := newTestPipeline(backend, &sleepRecorder{})

	cases := []struct {
		name   string
		inputs map[string]any
	}{
		{"missing required", map[string]any{}},
		{"wrong type", map[string]any{"profile": "not an object"}},
		{"constraint", map[string]any{"profile": map[string]any{}, "count": 9}},
		{"unknown field", map[string]any{"profile": map[string]any{}, "colour": "blue"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := p.Invoke(context.Background(), tools.Brainstorm(), tc.inputs, nil)
			if res.Status != essayflow.StatusValidationFailed {
				t.Fatalf("expected validation_failed, got %s", res.Status)
			}
			if res.RawAttempts != 0 {
				t.Errorf("expected 0 attempts, got %d", res.RawAttempts)
			}
			if len(res.Violations) == 0 {
				t.Error("expected violations to be reported")
			}
		})
	}
	if backend.calls() != 0 {
		t.Fatalf("backend called %d times for invalid input", backend.calls())
	}
}

func TestInvoke_ValidationAttemptsAreBounded(t *testing.T) {
	backend := &scriptedBackend{replies: []reply{invalid()}}
	rec := &sleepRecorder{}
	p := newTestPipeline(backend, rec)

	res := p.Invoke(context.Background(), tools.Brainstorm(), profileInputs(), nil)

	if res.Status != essayflow.StatusValidationFailed {
		t.Fatalf("expected validation_failed, got %s", res.Status)
	}
	if backend.calls() != 3 || res.RawAttempts != 3 {
		t.Fatalf("expected exactly 3 calls, got calls=%d attempts=%d", backend.calls(), res.RawAttempts)
	}
	if len(rec.delays) != 0 {
		t.Errorf("validation repair should not back off, slept %v", rec.delays)
	}
	if res.Output != nil {
		t.Errorf("failed result must not carry output: %v", res.Output)
	}
}

func TestInvoke_RepairCarriesFeedback(t *testing.T) {
	backend := &scriptedBackend{replies: []reply{invalid(), sample(t, tools.GoalBrainstorm)}}
	p := newTestPipeline(backend, &sleepRecorder{})

	res := p.Invoke(context.Background(), tools.Brainstorm(), profileInputs(), nil)

	if res.Status != essayflow.StatusSuccess {
		t.Fatalf("expected success, got %s (%s)", res.Status, res.ErrorDetail)
	}
	if res.RawAttempts != 2 {
		t.Errorf("expected 2 attempts, got %d", res.RawAttempts)
	}
	if len(backend.requests[0].Feedback) != 0 {
		t.Errorf("first attempt should carry no feedback: %v", backend.requests[0].Feedback)
	}
	second := backend.requests[1]
	if second.Attempt != 2 || len(second.Feedback) == 0 {
		t.Fatalf("second attempt should carry violations, got attempt=%d feedback=%v", second.Attempt, second.Feedback)
	}
	if !strings.Contains(strings.Join(second.Feedback, "\n"), "stories") {
		t.Errorf("feedback should name the offending field: %v", second.Feedback)
	}
}

func TestInvoke_BackendErrorsAreBoundedWithBackoff(t *testing.T) {
	backend := &scriptedBackend{replies: []reply{{err: fmt.Errorf("%w: 503", essayflow.ErrTransport)}}}
	rec := &sleepRecorder{}
	p := newTestPipeline(backend, rec)

	res := p.Invoke(context.Background(), tools.Brainstorm(), profileInputs(), nil)

	if res.Status != essayflow.StatusExecutionError {
		t.Fatalf("expected execution_error, got %s", res.Status)
	}
	if backend.calls() != 3 {
		t.Fatalf("expected 3 calls, got %d", backend.calls())
	}
	if len(rec.delays) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %v", rec.delays)
	}
	if rec.delays[1] <= rec.delays[0] {
		t.Errorf("backoff should grow: %v", rec.delays)
	}
	if !strings.Contains(res.ErrorDetail, essayflow.ErrCodeExecution) {
		t.Errorf("detail should carry the execution code: %s", res.ErrorDetail)
	}
}

func TestInvoke_TransientErrorThenSuccess(t *testing.T) {
	backend := &scriptedBackend{replies: []reply{
		{err: essayflow.ErrRateLimited},
		sample(t, tools.GoalBrainstorm),
	}}
	p := newTestPipeline(backend, &sleepRecorder{})

	res := p.Invoke(context.Background(), tools.Brainstorm(), profileInputs(), nil)
	if !res.Succeeded() || res.RawAttempts != 2 {
		t.Fatalf("expected success after 2 attempts, got %s after %d", res.Status, res.RawAttempts)
	}
}

func TestInvoke_RejectedIsNotRetried(t *testing.T) {
	backend := &scriptedBackend{replies: []reply{{err: fmt.Errorf("%w: 401", essayflow.ErrBackendRejected)}}}
	p := newTestPipeline(backend, &sleepRecorder{})

	res := p.Invoke(context.Background(), tools.Brainstorm(), profileInputs(), nil)
	if res.Status != essayflow.StatusExecutionError || backend.calls() != 1 {
		t.Fatalf("expected one call and execution_error, got %s after %d", res.Status, backend.calls())
	}
}

func TestInvoke_MalformedResponseCountsAsBackendFailure(t *testing.T) {
	backend := &scriptedBackend{replies: []reply{{raw: []byte("sorry, I cannot help with that")}}}
	rec := &sleepRecorder{}
	p := newTestPipeline(backend, rec)

	res := p.Invoke(context.Background(), tools.Brainstorm(), profileInputs(), nil)
	if res.Status != essayflow.StatusExecutionError {
		t.Fatalf("expected execution_error, got %s", res.Status)
	}
	if backend.calls() != 3 || len(rec.delays) != 2 {
		t.Errorf("expected 3 calls with 2 sleeps, got %d calls, %v", backend.calls(), rec.delays)
	}
}

func TestInvoke_FencedResponse(t *testing.T) {
	s := sample(t, tools.GoalBrainstorm)
	fenced := append([]byte("Here you go:\n```json\n"), s.raw...)
	fenced = append(fenced, []byte("\n```")...)
	backend := &scriptedBackend{replies: []reply{{raw: fenced}}}
	p := newTestPipeline(backend, &sleepRecorder{})

	res := p.Invoke(context.Background(), tools.Brainstorm(), profileInputs(), nil)
	if !res.Succeeded() {
		t.Fatalf("expected success, got %s (%s)", res.Status, res.ErrorDetail)
	}
}

func TestInvoke_PersonalizationAndDefaults(t *testing.T) {
	backend := &scriptedBackend{replies: []reply{sample(t, tools.GoalBrainstorm)}}
	p := newTestPipeline(backend, &sleepRecorder{})
	mem := &mapMemory{data: map[string]any{
		tools.KeyUserProfile:         map[string]any{"name": "Ana"},
		tools.KeyConversationHistory: []any{"hello"},
		tools.KeyEssayDraft:          "not a dependency",
	}}

	res := p.Invoke(context.Background(), tools.Brainstorm(), profileInputs(), mem)
	if !res.Succeeded() {
		t.Fatalf("expected success, got %s", res.Status)
	}

	req := backend.requests[0]
	if _, ok := req.Personalization[tools.KeyUserProfile]; !ok {
		t.Errorf("personalization missing profile: %v", req.Personalization)
	}
	if _, ok := req.Personalization[tools.KeyEssayDraft]; ok {
		t.Errorf("personalization leaked an undeclared key: %v", req.Personalization)
	}
	if req.Inputs["count"] != 3 {
		t.Errorf("expected default count 3, got %v", req.Inputs["count"])
	}
	if req.OutputSchema["type"] != "object" {
		t.Errorf("output schema not attached: %v", req.OutputSchema)
	}
	if req.Instruction == "" {
		t.Error("instruction not attached")
	}
}

func TestInvoke_MemoryErrorIsExecutionError(t *testing.T) {
	backend := &scriptedBackend{replies: []reply{sample(t, tools.GoalBrainstorm)}}
	p := newTestPipeline(backend, &sleepRecorder{})

	res := p.Invoke(context.Background(), tools.Brainstorm(), profileInputs(), &mapMemory{err: errors.New("store down")})
	if res.Status != essayflow.StatusExecutionError || backend.calls() != 0 {
		t.Fatalf("expected execution_error without calls, got %s after %d", res.Status, backend.calls())
	}
}

func TestInvoke_PerCallTimeout(t *testing.T) {
	backend := &scriptedBackend{replies: []reply{sample(t, tools.GoalBrainstorm)}, block: make(chan struct{})}
	cfg := essayflow.DefaultConfig()
	cfg.BackendTimeout = 20 * time.Millisecond
	cfg.MaxBackendAttempts = 2
	rec := &sleepRecorder{}
	p := newTestPipeline(backend, rec, WithConfig(cfg), WithSleeper(rec.sleep))

	res := p.Invoke(context.Background(), tools.Brainstorm(), profileInputs(), nil)
	if res.Status != essayflow.StatusExecutionError {
		t.Fatalf("expected execution_error, got %s", res.Status)
	}
	if backend.calls() != 2 {
		t.Errorf("expected 2 timed out calls, got %d", backend.calls())
	}
	if !strings.Contains(res.ErrorDetail, "timed out") {
		t.Errorf("expected a timeout detail, got %s", res.ErrorDetail)
	}
}

func TestInvoke_InFlightCallSurvivesCancellation(t *testing.T) {
	backend := &scriptedBackend{replies: []reply{sample(t, tools.GoalBrainstorm)}, block: make(chan struct{})}
	p := newTestPipeline(backend, &sleepRecorder{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan essayflow.StepResult, 1)
	go func() {
		done <- p.Invoke(ctx, tools.Brainstorm(), profileInputs(), nil)
	}()

	deadline := time.After(time.Second)
	for backend.calls() == 0 {
		select {
		case <-deadline:
			t.Fatal("backend never called")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	close(backend.block)

	select {
	case res := <-done:
		if !res.Succeeded() {
			t.Fatalf("in-flight call should complete, got %s (%s)", res.Status, res.ErrorDetail)
		}
	case <-time.After(time.Second):
		t.Fatal("invoke did not return")
	}
}

func TestInvoke_CancelledBeforeStart(t *testing.T) {
	backend := &scriptedBackend{replies: []reply{sample(t, tools.GoalBrainstorm)}}
	p := newTestPipeline(backend, &sleepRecorder{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := p.Invoke(ctx, tools.Brainstorm(), profileInputs(), nil)
	if res.Status != essayflow.StatusExecutionError || backend.calls() != 0 {
		t.Fatalf("expected no calls after cancellation, got %s after %d", res.Status, backend.calls())
	}
}

type countingSource struct {
	mu    sync.Mutex
	reg   *registry.Registry
	calls int
}

func (c *countingSource) Validators(name string) (*schema.Validator, *schema.Validator, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.reg.Validators(name)
}

func TestInvoke_UsesRegisteredValidators(t *testing.T) {
	reg, err := tools.NewRegistry(registry.WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatal(err)
	}
	src := &countingSource{reg: reg}
	backend := &scriptedBackend{replies: []reply{sample(t, tools.GoalBrainstorm)}}
	p := newTestPipeline(backend, &sleepRecorder{}, WithValidators(src))

	for i := 0; i < 2; i++ {
		res := p.Invoke(context.Background(), tools.Brainstorm(), profileInputs(), nil)
		if res.Status != essayflow.StatusSuccess {
			t.Fatalf("expected success, got %s (%s)", res.Status, res.ErrorDetail)
		}
	}
	if src.calls != 2 {
		t.Errorf("validator lookups = %d, want 2", src.calls)
	}
	_, out, _ := reg.Validators(tools.GoalBrainstorm)
	if got := backend.requests[0].OutputSchema; fmt.Sprint(got) != fmt.Sprint(out.Document()) {
		t.Errorf("request should carry the registered output schema")
	}

	unknown := tools.NewContract("unregistered", tools.WithCapabilities("x"))
	res := p.Invoke(context.Background(), unknown, map[string]any{}, nil)
	if res.Status != essayflow.StatusExecutionError || backend.calls() != 2 {
		t.Errorf("unregistered tool: status %s, calls %d", res.Status, backend.calls())
	}
}
