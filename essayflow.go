// Package essayflow is the orchestration core of an essay writing assistant.
// A Coach turns one user message into a plan of typed tool calls, runs them
// against a reasoning backend with validation and bounded retries, and
// decides whether the user's intent has been met.
package essayflow

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ZanzyTHEbar/essayflow/internal/eventbus"
	"github.com/ZanzyTHEbar/essayflow/internal/metrics"
)

const tracerName = "github.com/ZanzyTHEbar/essayflow"

// HistoryKey is the memory key turn summaries are appended to.
const HistoryKey = "conversation_history"

// maxHistory bounds the number of turn summaries kept under HistoryKey.
const maxHistory = 50

// Coach is the entry point of the orchestration core.
type Coach struct {
	config   Config
	registry ContractRegistry
	planner  Planner
	invoker  Invoker
	detector CompletionDetector
	memory   MemoryProvider
	eventBus eventbus.EventBus

	logger  zerolog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	locks *turnLocks

	asyncTurns   map[string]*asyncTurn
	asyncTurnsMu sync.RWMutex
}

// Option is a function that configures a Coach.
type Option func(*Coach)

// WithConfig sets the orchestration limits.
func WithConfig(config Config) Option {
	return func(c *Coach) {
		c.config = config
	}
}

// WithRegistry sets the contract registry.
func WithRegistry(registry ContractRegistry) Option {
	return func(c *Coach) {
		c.registry = registry
	}
}

// WithPlanner sets the planner component.
func WithPlanner(planner Planner) Option {
	return func(c *Coach) {
		c.planner = planner
	}
}

// WithInvoker sets the structured call pipeline.
func WithInvoker(invoker Invoker) Option {
	return func(c *Coach) {
		c.invoker = invoker
	}
}

// WithDetector sets the completion detector.
func WithDetector(detector CompletionDetector) Option {
	return func(c *Coach) {
		c.detector = detector
	}
}

// WithMemory sets the per-user memory provider.
func WithMemory(memory MemoryProvider) Option {
	return func(c *Coach) {
		c.memory = memory
	}
}

// WithLogger sets the logger; turn and user IDs are added per turn.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coach) {
		c.logger = logger
	}
}

// WithMetrics records turn and step metrics on m. A nil m disables them.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coach) {
		c.metrics = m
	}
}

// WithTracer replaces the global OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coach) {
		c.tracer = tracer
	}
}

// New creates a Coach. Registry, planner, invoker, detector and memory are
// required; the event bus, metrics and tracer are optional.
func New(options ...Option) (*Coach, error) {
	c := &Coach{
		config:     DefaultConfig(),
		logger:     log.Logger,
		tracer:     otel.Tracer(tracerName),
		locks:      newTurnLocks(),
		asyncTurns: make(map[string]*asyncTurn),
	}
	for _, option := range options {
		option(c)
	}

	if err := c.config.Validate(); err != nil {
		return nil, err
	}
	switch {
	case c.registry == nil:
		return nil, NewConfigurationError("contract registry is required", nil)
	case c.planner == nil:
		return nil, NewConfigurationError("planner is required", nil)
	case c.invoker == nil:
		return nil, NewConfigurationError("invoker is required", nil)
	case c.detector == nil:
		return nil, NewConfigurationError("completion detector is required", nil)
	case c.memory == nil:
		return nil, NewConfigurationError("memory provider is required", nil)
	}
	if len(c.registry.List()) == 0 {
		return nil, NewConfigurationError("at least one tool contract is required", nil)
	}
	return c, nil
}

// Config returns the limits the coach runs with.
func (c *Coach) Config() Config {
	return c.config
}

// Tools lists the registered contracts.
func (c *Coach) Tools() []ToolContract {
	return c.registry.List()
}

// HandleTurn runs one user turn to a terminal state. The outcome is always
// returned; the error is non-nil exactly when the outcome status is failed.
// Turns of the same user are serialised.
func (c *Coach) HandleTurn(ctx context.Context, userID, text string) (*TurnOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.TurnTimeout)
	defer cancel()

	tc := NewTurnContext(userID, text, nil)
	return c.run(ctx, tc)
}

func (c *Coach) run(ctx context.Context, tc *TurnContext) (*TurnOutcome, error) {
	ctx, span := c.tracer.Start(ctx, "essayflow.turn", trace.WithAttributes(
		attribute.String("turn_id", tc.ID),
		attribute.String("user_id", tc.UserID),
	))
	defer span.End()

	logger := c.logger.With().Str("turn_id", tc.ID).Str("user_id", tc.UserID).Logger()
	ctx = logger.WithContext(ctx)

	if tc.UserID == "" {
		tc.SetError(NewTurnFailedError("init", "user id is required", nil), "init")
		return c.finish(ctx, span, tc)
	}

	release, err := c.locks.acquire(ctx, tc.UserID)
	if err != nil {
		tc.SetError(interrupted("init", err), "init")
		return c.finish(ctx, span, tc)
	}
	defer release()

	mc, err := c.memory.ForUser(ctx, tc.UserID)
	if err != nil {
		tc.SetError(NewTurnFailedError("init", "memory unavailable", err), "init")
		return c.finish(ctx, span, tc)
	}
	tc.Memory = mc

	logger.Info().Str("intent", tc.Intent.Text).Msg("turn started")
	c.publish(ctx, eventbus.EventTurnStarted, tc, tc.Intent.Text, nil)

	_ = c.stateMachine().Execute(ctx, tc)
	return c.finish(ctx, span, tc)
}

func (c *Coach) finish(ctx context.Context, span trace.Span, tc *TurnContext) (*TurnOutcome, error) {
	if tc.EndTime.IsZero() {
		tc.EndTime = time.Now()
	}
	outcome := buildOutcome(tc)
	logger := zerolog.Ctx(ctx)

	if c.config.RecordHistory && tc.Memory != nil {
		if err := c.recordHistory(ctx, tc, outcome); err != nil {
			logger.Warn().Err(err).Msg("failed to record turn history")
		}
	}

	span.SetAttributes(
		attribute.String("status", string(outcome.Status)),
		attribute.Int("steps", len(outcome.Steps)),
	)
	c.metrics.ObserveTurn(string(outcome.Status), outcome.Duration)

	meta := map[string]any{
		"status":      string(outcome.Status),
		"steps":       len(outcome.Steps),
		"duration_ms": outcome.Duration.Milliseconds(),
	}
	if outcome.Status == OutcomeFailed {
		span.RecordError(outcome.err)
		span.SetStatus(codes.Error, outcome.Error)
		meta["error"] = outcome.Error
		meta["error_stage"] = tc.ErrorStage
		c.publish(ctx, eventbus.EventTurnFailed, tc, outcome, meta)
		logger.Warn().Err(outcome.err).Str("stage", tc.ErrorStage).Msg("turn failed")
		return outcome, outcome.err
	}

	c.publish(ctx, eventbus.EventTurnFinished, tc, outcome, meta)
	logger.Info().
		Str("status", string(outcome.Status)).
		Int("steps", len(outcome.Steps)).
		Dur("duration", outcome.Duration).
		Msg("turn finished")
	return outcome, nil
}

func buildOutcome(tc *TurnContext) *TurnOutcome {
	steps, results := tc.Snapshot()
	o := &TurnOutcome{
		TurnID:        tc.ID,
		UserID:        tc.UserID,
		Intent:        tc.Intent,
		Steps:         steps,
		Results:       results,
		Criteria:      tc.Criteria,
		Clarification: tc.Clarification,
		Duration:      tc.Duration(),
	}
	switch {
	case tc.CurrentState == StateFailed:
		o.Status = OutcomeFailed
		o.err = tc.LastError
		if o.err == nil {
			o.err = NewTurnFailedError(tc.ErrorStage, "turn failed", nil)
		}
		o.Error = o.err.Error()
	case tc.Clarification != nil:
		o.Status = OutcomeClarify
	default:
		o.Status = OutcomeDone
	}
	return o
}

// recordHistory appends a short summary of the turn to HistoryKey. It runs
// after cancellation too, so the record of a cancelled turn still lands.
func (c *Coach) recordHistory(ctx context.Context, tc *TurnContext, o *TurnOutcome) error {
	tools := make([]any, 0, len(o.Results))
	for _, r := range o.Results {
		tools = append(tools, r.ToolName+":"+string(r.Status))
	}
	entry := map[string]any{
		"turn_id": o.TurnID,
		"intent":  o.Intent.Text,
		"goals":   toAny(o.Intent.Goals),
		"status":  string(o.Status),
		"steps":   tools,
		"at":      tc.StartTime.UTC().Format(time.RFC3339),
	}
	if o.Clarification != nil {
		entry["question"] = o.Clarification.Question
	}

	return tc.Memory.Update(context.WithoutCancel(ctx), HistoryKey, func(current any, ok bool) (any, error) {
		history, _ := current.([]any)
		history = append(history, entry)
		if len(history) > maxHistory {
			history = history[len(history)-maxHistory:]
		}
		return history, nil
	})
}

func (c *Coach) publish(ctx context.Context, typ eventbus.EventType, tc *TurnContext, payload any, meta map[string]any) {
	if c.eventBus == nil {
		return
	}
	evt := eventbus.NewEvent(typ, payload, "Coach."+string(tc.CurrentState), meta).
		WithMetadata("turn_id", tc.ID).
		WithMetadata("user_id", tc.UserID)
	// waits for bus capacity no longer than the turn itself may run
	if err := c.eventBus.Publish(ctx, evt); err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Str("event", string(typ)).Msg("event not published")
	}
}

func toAny(in []string) []any {
	out := make([]any, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	return out
}
