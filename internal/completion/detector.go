// Package completion scores a turn's results against the user's intent.
package completion

import (
	"fmt"
	"sort"

	"github.com/ZanzyTHEbar/essayflow"
)

// Detector implements essayflow.CompletionDetector. Assess is read-only and
// deterministic for a given snapshot.
type Detector struct {
	registry   essayflow.ContractRegistry
	thresholds essayflow.Thresholds
}

var _ essayflow.CompletionDetector = (*Detector)(nil)

// New creates a detector. Contracts are used to locate quality fields.
func New(reg essayflow.ContractRegistry, thresholds essayflow.Thresholds) *Detector {
	return &Detector{registry: reg, thresholds: thresholds}
}

// Assess scores the turn's results. Intent satisfaction, completeness and
// coherence are fractions; quality is a mean of declared quality scores.
// Completeness is the share of attempted goals with at least one success.
func (d *Detector) Assess(intent essayflow.Intent, tc *essayflow.TurnContext) essayflow.CompletionCriteria {
	_, results := tc.Snapshot()
	return d.Score(intent, results)
}

// Score is Assess over an explicit result list.
func (d *Detector) Score(intent essayflow.Intent, results []essayflow.StepResult) essayflow.CompletionCriteria {
	var missing []essayflow.MissingElement

	// completeness is tracked per goal: a goal counts once any tool run for
	// it succeeded, and failures of a met goal are not reported
	met := make(map[string]bool)
	lastFailure := make(map[string]essayflow.StepResult)
	var attempted []string
	for _, r := range results {
		g := goalOf(r)
		if _, seen := met[g]; !seen {
			attempted = append(attempted, g)
			met[g] = false
		}
		if r.Succeeded() {
			met[g] = true
		} else {
			lastFailure[g] = r
		}
	}

	satisfied := 0
	for _, goal := range intent.Goals {
		if d.goalSatisfied(goal, results) {
			satisfied++
			continue
		}
		missing = append(missing, essayflow.MissingElement{
			Goal:        goal,
			Description: fmt.Sprintf("no successful result for goal %q", goal),
		})
	}
	intentScore := 1.0
	if len(intent.Goals) > 0 {
		intentScore = float64(satisfied) / float64(len(intent.Goals))
	}

	completeness := 1.0
	if len(attempted) > 0 {
		ok := 0
		for _, g := range attempted {
			if met[g] {
				ok++
				continue
			}
			r := lastFailure[g]
			missing = append(missing, essayflow.MissingElement{
				Goal:        g,
				Tool:        r.ToolName,
				Description: fmt.Sprintf("%s ended with %s: %s", r.ToolName, r.Status, r.ErrorDetail),
			})
		}
		completeness = float64(ok) / float64(len(attempted))
	}

	quality, qualityGaps := d.quality(results)
	missing = append(missing, qualityGaps...)

	coherence := 0.0
	successes := 0
	resolved := 0
	for _, r := range results {
		if !r.Succeeded() {
			continue
		}
		successes++
		if len(r.UnresolvedInputs) == 0 {
			resolved++
		}
	}
	if successes > 0 {
		coherence = float64(resolved) / float64(successes)
	}

	c := essayflow.CompletionCriteria{
		IntentSatisfaction: intentScore,
		Quality:            quality,
		Completeness:       completeness,
		Coherence:          coherence,
	}
	c.IsComplete = c.IntentSatisfaction >= d.thresholds.IntentSatisfaction &&
		c.Quality >= d.thresholds.Quality &&
		c.Completeness >= d.thresholds.Completeness &&
		c.Coherence >= d.thresholds.Coherence

	sort.SliceStable(missing, func(i, j int) bool {
		a, b := missing[i], missing[j]
		if a.Goal != b.Goal {
			return a.Goal < b.Goal
		}
		if a.Tool != b.Tool {
			return a.Tool < b.Tool
		}
		return a.Description < b.Description
	})
	c.MissingElements = missing
	return c
}

func (d *Detector) goalSatisfied(goal string, results []essayflow.StepResult) bool {
	for _, r := range results {
		if !r.Succeeded() {
			continue
		}
		if r.ToolName == goal {
			return true
		}
		if c, err := d.registry.Get(r.ToolName); err == nil && c.HasCapability(goal) {
			return true
		}
	}
	return false
}

// quality averages the quality score of the latest successful output per
// goal, so a follow-up that repairs a weak result replaces it. Tools without
// a quality field count as 1. Scores below the threshold are reported as gaps.
func (d *Detector) quality(results []essayflow.StepResult) (float64, []essayflow.MissingElement) {
	latest := make(map[string]essayflow.StepResult)
	var order []string
	for _, r := range results {
		if !r.Succeeded() {
			continue
		}
		g := goalOf(r)
		if _, ok := latest[g]; !ok {
			order = append(order, g)
		}
		latest[g] = r
	}
	if len(order) == 0 {
		return 0, nil
	}

	var gaps []essayflow.MissingElement
	sum := 0.0
	for _, g := range order {
		r := latest[g]
		score := 1.0
		if c, err := d.registry.Get(r.ToolName); err == nil && c.QualityField != "" {
			score = numeric(r.Output[c.QualityField])
		}
		sum += score
		if score < d.thresholds.Quality {
			gaps = append(gaps, essayflow.MissingElement{
				Goal:        g,
				Tool:        r.ToolName,
				Description: fmt.Sprintf("%s scored %.2f, below %.2f", r.ToolName, score, d.thresholds.Quality),
			})
		}
	}
	return sum / float64(len(order)), gaps
}

func goalOf(r essayflow.StepResult) string {
	if r.Goal != "" {
		return r.Goal
	}
	return r.ToolName
}

func numeric(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
