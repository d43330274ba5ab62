package essayflow

import (
	"fmt"
	"time"
)

// Config holds the limits of the orchestration core. Field tags are read by
// internal/config with the ESSAYFLOW prefix.
type Config struct {
	// Step budget across the whole turn, including replanned steps
	MaxSteps int `envconfig:"MAX_STEPS" default:"8"`
	// Planning rounds per turn (initial plan plus loop-backs after assessment)
	MaxPlanningRounds int `envconfig:"MAX_PLANNING_ROUNDS" default:"3"`
	// Consecutive execution errors before the turn fails
	MaxConsecutiveFailures int `envconfig:"MAX_CONSECUTIVE_FAILURES" default:"3"`

	// Backend calls per invocation spent on output validation repair
	MaxValidationAttempts int `envconfig:"MAX_VALIDATION_ATTEMPTS" default:"3"`
	// Backend calls per invocation spent on transient backend failures
	MaxBackendAttempts int           `envconfig:"MAX_BACKEND_ATTEMPTS" default:"3"`
	BackoffInitial     time.Duration `envconfig:"BACKOFF_INITIAL" default:"200ms"`
	BackoffMax         time.Duration `envconfig:"BACKOFF_MAX" default:"5s"`

	BackendTimeout time.Duration `envconfig:"BACKEND_TIMEOUT" default:"30s"`
	TurnTimeout    time.Duration `envconfig:"TURN_TIMEOUT" default:"2m"`

	// Steps of one group run concurrently up to this limit
	Parallelism int `envconfig:"PARALLELISM" default:"4"`

	Thresholds Thresholds `envconfig:"THRESHOLD"`

	// Append a summary of every finished turn to the conversation_history key
	RecordHistory bool `envconfig:"RECORD_HISTORY" default:"true"`
}

// Thresholds are the minimum completion scores for a turn to count as complete.
type Thresholds struct {
	IntentSatisfaction float64 `envconfig:"INTENT_SATISFACTION" default:"0.7"`
	Quality            float64 `envconfig:"QUALITY" default:"0.7"`
	Completeness       float64 `envconfig:"COMPLETENESS" default:"0.7"`
	Coherence          float64 `envconfig:"COHERENCE" default:"0.7"`
}

// DefaultThresholds returns 0.7 for every score.
func DefaultThresholds() Thresholds {
	return Thresholds{
		IntentSatisfaction: 0.7,
		Quality:            0.7,
		Completeness:       0.7,
		Coherence:          0.7,
	}
}

// DefaultConfig returns a configuration with the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxSteps:               8,
		MaxPlanningRounds:      3,
		MaxConsecutiveFailures: 3,
		MaxValidationAttempts:  3,
		MaxBackendAttempts:     3,
		BackoffInitial:         200 * time.Millisecond,
		BackoffMax:             5 * time.Second,
		BackendTimeout:         30 * time.Second,
		TurnTimeout:            2 * time.Minute,
		Parallelism:            4,
		Thresholds:             DefaultThresholds(),
		RecordHistory:          true,
	}
}

// Validate rejects limits that would make a turn unbounded or impossible.
func (c Config) Validate() error {
	checks := []struct {
		ok   bool
		name string
	}{
		{c.MaxSteps > 0, "max steps"},
		{c.MaxPlanningRounds > 0, "max planning rounds"},
		{c.MaxConsecutiveFailures > 0, "max consecutive failures"},
		{c.MaxValidationAttempts > 0, "max validation attempts"},
		{c.MaxBackendAttempts > 0, "max backend attempts"},
		{c.BackendTimeout > 0, "backend timeout"},
		{c.TurnTimeout > 0, "turn timeout"},
		{c.Parallelism > 0, "parallelism"},
	}
	for _, chk := range checks {
		if !chk.ok {
			return NewConfigurationError(fmt.Sprintf("%s must be positive", chk.name), nil)
		}
	}
	for name, v := range map[string]float64{
		"intent satisfaction": c.Thresholds.IntentSatisfaction,
		"quality":             c.Thresholds.Quality,
		"completeness":        c.Thresholds.Completeness,
		"coherence":           c.Thresholds.Coherence,
	} {
		if v < 0 || v > 1 {
			return NewConfigurationError(fmt.Sprintf("%s threshold must be within [0,1]", name), nil)
		}
	}
	return nil
}
