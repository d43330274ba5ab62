package essayflow

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/ZanzyTHEbar/essayflow/internal/eventbus"
)

// stateMachine builds the turn state machine with all transitions.
func (c *Coach) stateMachine() *StateMachine {
	sm := NewStateMachine(c.eventBus)

	sm.RegisterTransition(StatePlanning, c.planningTransition())
	sm.RegisterTransition(StateExecuting, c.executingTransition())
	sm.RegisterTransition(StateReplanning, c.replanningTransition())
	sm.RegisterTransition(StateCompleting, c.completingTransition())

	return sm
}

// remainingSteps is the part of the step budget not yet queued.
func (c *Coach) remainingSteps(tc *TurnContext) int {
	steps, _ := tc.Snapshot()
	return c.config.MaxSteps - len(steps)
}

// planningTransition builds the initial plan, or a new one for the missing
// elements of an incomplete assessment.
func (c *Coach) planningTransition() StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, tc *TurnContext) (TurnState, error) {
		logger := zerolog.Ctx(ctx)
		tc.PlanningRounds++

		if tc.PlanningRounds == 1 && len(tc.Intent.Goals) == 0 {
			intent, err := c.planner.Classify(ctx, tc.Intent.Text)
			if err != nil {
				c.publish(ctx, eventbus.EventPlanFailed, tc, err.Error(), map[string]any{"error": err.Error()})
				if ErrorCode(err) == "" {
					err = NewPlanningError("classify intent", err)
				}
				return StateFailed, err
			}
			tc.Intent = intent
		}

		plan, err := c.planner.Plan(ctx, tc)
		if err != nil {
			var clarify *NeedsClarificationError
			if errors.As(err, &clarify) {
				tc.Clarification = &Clarification{Missing: clarify.Missing, Question: clarify.Question}
				logger.Info().Strs("missing", clarify.Missing).Msg("clarification required")
				c.publish(ctx, eventbus.EventClarificationRequired, tc, tc.Clarification, nil)
				return StateDone, nil
			}

			c.publish(ctx, eventbus.EventPlanFailed, tc, err.Error(), map[string]any{"error": err.Error()})
			if ErrorCode(err) == "" {
				err = NewPlanningError("failed to plan turn", err)
			}
			return StateFailed, err
		}

		accepted := tc.Enqueue(plan, c.remainingSteps(tc))
		logger.Info().
			Int("round", tc.PlanningRounds).
			Strs("goals", tc.Intent.Goals).
			Int("steps", accepted).
			Int("dropped", plan.Len()-accepted).
			Msg("plan generated")
		c.publish(ctx, eventbus.EventPlanGenerated, tc, plan, map[string]any{
			"round":  tc.PlanningRounds,
			"steps":  accepted,
			"groups": len(plan.Groups),
		})
		tc.Missing = nil

		if accepted == 0 {
			return StateCompleting, nil
		}
		return StateExecuting, nil
	}
}

// executingTransition runs the next queued group. An empty queue moves the
// turn to assessment.
func (c *Coach) executingTransition() StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, tc *TurnContext) (TurnState, error) {
		group, ok := tc.nextGroup()
		if !ok {
			return StateCompleting, nil
		}

		results := c.runGroup(ctx, tc, group)
		tc.record(results)

		if err := ctx.Err(); err != nil {
			tc.clearPending()
			return StateFailed, interrupted(string(StateExecuting), err)
		}

		var lastErr error
		for _, r := range results {
			switch r.Status {
			case StatusSuccess:
				tc.ConsecutiveFailures = 0
			case StatusExecutionError:
				tc.ConsecutiveFailures++
				lastErr = NewExecutionError(r.ToolName, errors.New(r.ErrorDetail))
			}
		}
		if tc.ConsecutiveFailures >= c.config.MaxConsecutiveFailures {
			tc.clearPending()
			return StateFailed, NewTurnFailedError(string(StateExecuting),
				fmt.Sprintf("%d consecutive execution errors", tc.ConsecutiveFailures), lastErr)
		}
		return StateReplanning, nil
	}
}

// replanningTransition extends the queue from the latest group's results.
// A replanning failure keeps the current queue.
func (c *Coach) replanningTransition() StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, tc *TurnContext) (TurnState, error) {
		logger := zerolog.Ctx(ctx)

		plan, err := c.planner.Replan(ctx, tc.LastGroup, tc)
		if err != nil {
			logger.Warn().Err(err).Msg("replanning failed; continuing with queued steps")
			return StateExecuting, nil
		}
		if plan.Len() == 0 {
			return StateExecuting, nil
		}

		accepted := tc.Enqueue(plan, c.remainingSteps(tc))
		c.metrics.AddReplanned(accepted)
		if dropped := plan.Len() - accepted; dropped > 0 {
			logger.Info().Int("dropped", dropped).Int("max_steps", c.config.MaxSteps).Msg("step budget reached; replanned steps dropped")
		}
		if accepted > 0 {
			tools := make([]string, 0, len(plan.Steps))
			for _, s := range plan.Steps {
				tools = append(tools, s.ToolName)
			}
			logger.Info().Strs("tools", tools).Int("steps", accepted).Msg("replanned")
			c.publish(ctx, eventbus.EventReplanned, tc, plan, map[string]any{"steps": accepted})
		}
		return StateExecuting, nil
	}
}

// completingTransition assesses the turn. An incomplete turn loops back to
// planning while step budget and planning rounds remain.
func (c *Coach) completingTransition() StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, tc *TurnContext) (TurnState, error) {
		criteria := c.detector.Assess(tc.Intent, tc)
		tc.Criteria = &criteria

		zerolog.Ctx(ctx).Info().
			Float64("intent", criteria.IntentSatisfaction).
			Float64("quality", criteria.Quality).
			Float64("completeness", criteria.Completeness).
			Float64("coherence", criteria.Coherence).
			Bool("complete", criteria.IsComplete).
			Msg("completion assessed")
		c.publish(ctx, eventbus.EventCompletionAssessed, tc, criteria, nil)

		if criteria.IsComplete {
			return StateDone, nil
		}
		if c.remainingSteps(tc) > 0 && tc.PlanningRounds < c.config.MaxPlanningRounds {
			tc.Missing = criteria.MissingElements
			return StatePlanning, nil
		}
		steps, _ := tc.Snapshot()
		return StateFailed, NewPlanningDeadlockError(fmt.Sprintf(
			"turn incomplete after %d planning rounds and %d steps", tc.PlanningRounds, len(steps)))
	}
}

// runGroup executes the steps of one group concurrently, bounded by the
// configured parallelism. Results keep the group's order.
func (c *Coach) runGroup(ctx context.Context, tc *TurnContext, group []ExecutionStep) []StepResult {
	results := make([]StepResult, len(group))
	workers := pool.New().WithMaxGoroutines(c.config.Parallelism)
	for i, step := range group {
		workers.Go(func() {
			results[i] = c.runStep(ctx, tc, step)
		})
	}
	workers.Wait()
	return results
}

func (c *Coach) runStep(ctx context.Context, tc *TurnContext, step ExecutionStep) StepResult {
	logger := zerolog.Ctx(ctx).With().Str("step_id", step.ID).Str("tool", step.ToolName).Logger()
	result := StepResult{StepID: step.ID, ToolName: step.ToolName, Goal: step.Goal}

	contract, err := c.registry.Get(step.ToolName)
	if err != nil {
		result.Status = StatusExecutionError
		result.ErrorDetail = err.Error()
		c.stepFinished(ctx, tc, logger, result)
		return result
	}

	inputs, unresolved, err := materialize(ctx, tc, step)
	if err != nil {
		result.Status = StatusExecutionError
		result.ErrorDetail = fmt.Sprintf("reading inputs: %v", err)
		c.stepFinished(ctx, tc, logger, result)
		return result
	}

	c.publish(ctx, eventbus.EventStepStarted, tc, step, map[string]any{"step_id": step.ID, "tool": step.ToolName})
	logger.Debug().Msg("step started")

	r := c.invoker.Invoke(ctx, contract, inputs, tc.View())
	r.StepID, r.ToolName, r.Goal = step.ID, step.ToolName, step.Goal
	r.UnresolvedInputs = unresolved

	if r.Succeeded() {
		if err := c.applySideEffects(ctx, tc, contract, r.Output); err != nil {
			r.Status = StatusExecutionError
			r.ErrorDetail = fmt.Sprintf("writing side effects: %v", err)
		}
	}
	c.stepFinished(ctx, tc, logger, r)
	return r
}

func (c *Coach) stepFinished(ctx context.Context, tc *TurnContext, logger zerolog.Logger, r StepResult) {
	c.metrics.ObserveStep(r.ToolName, string(r.Status))
	meta := map[string]any{
		"step_id":  r.StepID,
		"tool":     r.ToolName,
		"status":   string(r.Status),
		"attempts": r.RawAttempts,
	}
	if r.Succeeded() {
		logger.Info().Int("attempts", r.RawAttempts).Dur("duration", r.Duration).Msg("step succeeded")
		c.publish(ctx, eventbus.EventStepSucceeded, tc, r, meta)
		return
	}
	meta["error"] = r.ErrorDetail
	logger.Warn().Str("status", string(r.Status)).Str("error", r.ErrorDetail).Strs("violations", r.Violations).Msg("step failed")
	c.publish(ctx, eventbus.EventStepFailed, tc, r, meta)
}

// materialize resolves a step's inputs. Context references that are absent
// or empty are left out and reported as unresolved.
func materialize(ctx context.Context, tc *TurnContext, step ExecutionStep) (map[string]any, []string, error) {
	inputs := make(map[string]any, len(step.Inputs))
	var unresolved []string
	for name, src := range step.Inputs {
		switch src.Kind {
		case InputLiteral:
			inputs[name] = src.Value
		case InputContext:
			v, ok, err := tc.Lookup(ctx, src.Key)
			if err != nil {
				return nil, nil, err
			}
			if !ok || IsEmpty(v) {
				unresolved = append(unresolved, name)
				continue
			}
			inputs[name] = v
		default:
			return nil, nil, fmt.Errorf("input %q has unknown kind %q", name, src.Kind)
		}
	}
	sort.Strings(unresolved)
	return inputs, unresolved, nil
}

// applySideEffects writes the declared output fields to memory. Writes are
// atomic per key and are not abandoned when the turn is cancelled.
func (c *Coach) applySideEffects(ctx context.Context, tc *TurnContext, contract ToolContract, output map[string]any) error {
	view := tc.View()
	writeCtx := context.WithoutCancel(ctx)
	for _, se := range contract.SideEffects {
		var value any = output
		if se.Field != "" {
			v, ok := output[se.Field]
			if !ok {
				continue
			}
			value = v
		}
		if err := view.Update(writeCtx, se.Key, func(any, bool) (any, error) { return value, nil }); err != nil {
			return fmt.Errorf("%s: %w", se.Key, err)
		}
		c.publish(ctx, eventbus.EventContextUpdated, tc, se.Key, map[string]any{"key": se.Key, "tool": contract.Name})
	}
	return nil
}
