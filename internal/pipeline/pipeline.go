// Package pipeline runs one tool contract against a reasoning backend:
// input validation, request construction, bounded retries and output
// validation with repair feedback.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ZanzyTHEbar/essayflow"
	"github.com/ZanzyTHEbar/essayflow/internal/metrics"
	"github.com/ZanzyTHEbar/essayflow/internal/schema"
)

const tracerName = "github.com/ZanzyTHEbar/essayflow/internal/pipeline"

// Pipeline implements essayflow.Invoker.
type Pipeline struct {
	backend essayflow.Backend

	maxValidationAttempts int
	maxBackendAttempts    int
	callTimeout           time.Duration
	backoff               BackoffPolicy
	sleep                 Sleeper

	validators ValidatorSource

	logger  zerolog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

var _ essayflow.Invoker = (*Pipeline)(nil)

// ValidatorSource hands out the compiled validators of a registered tool.
// *registry.Registry implements it.
type ValidatorSource interface {
	Validators(name string) (*schema.Validator, *schema.Validator, error)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithConfig applies the attempt limits, timeout and backoff of cfg.
func WithConfig(cfg essayflow.Config) Option {
	return func(p *Pipeline) {
		p.maxValidationAttempts = cfg.MaxValidationAttempts
		p.maxBackendAttempts = cfg.MaxBackendAttempts
		p.callTimeout = cfg.BackendTimeout
		p.backoff.Initial = cfg.BackoffInitial
		p.backoff.Max = cfg.BackoffMax
	}
}

// WithBackoff replaces the retry backoff policy.
func WithBackoff(policy BackoffPolicy) Option {
	return func(p *Pipeline) {
		p.backoff = policy
	}
}

// WithSleeper replaces the function used to wait between retries.
func WithSleeper(sleep Sleeper) Option {
	return func(p *Pipeline) {
		p.sleep = sleep
	}
}

// WithValidators reuses the validators compiled at registration. Without a
// source, schemas are compiled on every Invoke.
func WithValidators(src ValidatorSource) Option {
	return func(p *Pipeline) {
		p.validators = src
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithMetrics records attempts and durations on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithTracer sets the tracer used for invocation spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pipeline) {
		p.tracer = tracer
	}
}

// New creates a pipeline over backend with the default limits.
func New(backend essayflow.Backend, opts ...Option) *Pipeline {
	cfg := essayflow.DefaultConfig()
	p := &Pipeline{
		backend:               backend,
		maxValidationAttempts: cfg.MaxValidationAttempts,
		maxBackendAttempts:    cfg.MaxBackendAttempts,
		callTimeout:           cfg.BackendTimeout,
		backoff:               DefaultBackoff(),
		sleep:                 sleepContext,
		logger:                log.Logger,
		tracer:                otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxValidationAttempts < 1 {
		p.maxValidationAttempts = 1
	}
	if p.maxBackendAttempts < 1 {
		p.maxBackendAttempts = 1
	}
	return p
}

// Invoke runs contract with inputs. Invalid inputs never reach the backend.
// Personalization is read from memory through the contract's dependencies.
func (p *Pipeline) Invoke(ctx context.Context, contract essayflow.ToolContract, inputs map[string]any, memory essayflow.MemoryContext) essayflow.StepResult {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.invoke", trace.WithAttributes(attribute.String("tool", contract.Name)))
	defer span.End()

	logger := p.logger.With().Str("tool", contract.Name).Logger()
	result := p.invoke(ctx, logger, contract, inputs, memory)
	result.Duration = time.Since(start)

	span.SetAttributes(
		attribute.String("status", string(result.Status)),
		attribute.Int("attempts", result.RawAttempts),
	)
	if !result.Succeeded() {
		span.SetStatus(codes.Error, result.ErrorDetail)
	}
	p.metrics.ObserveInvoke(contract.Name, result.Duration)

	logger.Debug().
		Str("status", string(result.Status)).
		Int("attempts", result.RawAttempts).
		Dur("duration", result.Duration).
		Msg("tool invocation finished")
	return result
}

func (p *Pipeline) compiled(contract essayflow.ToolContract) (*schema.Validator, *schema.Validator, error) {
	if p.validators != nil {
		return p.validators.Validators(contract.Name)
	}
	in, err := schema.Compile(contract.Name, contract.Name+".input", contract.InputSchema)
	if err != nil {
		return nil, nil, err
	}
	out, err := schema.Compile(contract.Name, contract.Name+".output", contract.OutputSchema)
	if err != nil {
		return nil, nil, err
	}
	return in, out, nil
}

func (p *Pipeline) invoke(ctx context.Context, logger zerolog.Logger, contract essayflow.ToolContract, inputs map[string]any, memory essayflow.MemoryContext) essayflow.StepResult {
	result := essayflow.StepResult{ToolName: contract.Name}

	in, out, err := p.compiled(contract)
	if err != nil {
		return failed(result, essayflow.StatusExecutionError, err.Error())
	}

	args := in.ApplyDefaults(inputs)
	if violations := in.Validate(args); len(violations) > 0 {
		logger.Info().Strs("violations", violations).Msg("input validation failed; backend not called")
		result.Violations = violations
		return failed(result, essayflow.StatusValidationFailed, essayflow.NewValidationError("input", "invalid input", violations).Error())
	}

	personalization := map[string]any{}
	if memory != nil && len(contract.Dependencies) > 0 {
		keys := make([]string, 0, len(contract.Dependencies))
		for _, d := range contract.Dependencies {
			keys = append(keys, d.Key)
		}
		personalization, err = memory.GetMany(ctx, keys)
		if err != nil {
			return failed(result, essayflow.StatusExecutionError, fmt.Sprintf("read personalization: %v", err))
		}
	}

	req := essayflow.BackendRequest{
		Tool:            contract.Name,
		Instruction:     contract.Instruction,
		Inputs:          args,
		InputSchema:     in.Document(),
		OutputSchema:    out.Document(),
		Personalization: personalization,
	}

	validationCalls, backendFailures := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return failed(result, essayflow.StatusExecutionError, fmt.Sprintf("cancelled before attempt %d: %v", result.RawAttempts+1, err))
		}

		req.Attempt = result.RawAttempts + 1
		obj, err := p.call(ctx, req)
		result.RawAttempts++

		if err != nil {
			backendFailures++
			p.metrics.ObserveAttempt(contract.Name, "error")
			logger.Warn().Err(err).Int("attempt", req.Attempt).Msg("backend call failed")

			if errors.Is(err, essayflow.ErrBackendRejected) || backendFailures >= p.maxBackendAttempts {
				return failed(result, essayflow.StatusExecutionError, essayflow.NewExecutionError(contract.Name, err).Error())
			}
			if err := p.sleep(ctx, p.backoff.Delay(backendFailures)); err != nil {
				return failed(result, essayflow.StatusExecutionError, fmt.Sprintf("cancelled during backoff: %v", err))
			}
			continue
		}

		validationCalls++
		violations := out.Validate(obj)
		if len(violations) == 0 {
			p.metrics.ObserveAttempt(contract.Name, "ok")
			result.Status = essayflow.StatusSuccess
			result.Output = obj
			return result
		}

		p.metrics.ObserveAttempt(contract.Name, "invalid")
		logger.Info().Strs("violations", violations).Int("attempt", req.Attempt).Msg("output failed validation")
		result.Violations = violations
		if validationCalls >= p.maxValidationAttempts {
			return failed(result, essayflow.StatusValidationFailed, essayflow.NewValidationError("output", "output invalid after repair attempts", violations).Error())
		}
		req.Feedback = violations
	}
}

// call runs one backend request with its own timeout. The caller's
// cancellation does not abort a call already in flight.
func (p *Pipeline) call(ctx context.Context, req essayflow.BackendRequest) (map[string]any, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.callTimeout)
	defer cancel()

	raw, err := p.backend.Call(callCtx, req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, essayflow.ErrBackendTimeout) {
			return nil, fmt.Errorf("%w after %s: %v", essayflow.ErrBackendTimeout, p.callTimeout, err)
		}
		return nil, err
	}
	return ParseObject(raw)
}

func failed(r essayflow.StepResult, status essayflow.StepStatus, detail string) essayflow.StepResult {
	r.Status = status
	r.ErrorDetail = detail
	r.Output = nil
	return r
}
