package tools

import "strings"

// SampleOutput returns a canned output that satisfies the named tool's
// output schema. Used by the offline backend and by tests.
func SampleOutput(tool string) (map[string]any, bool) {
	build, ok := samples[tool]
	if !ok {
		return nil, false
	}
	return build(), true
}

var sampleEssay = strings.Repeat("The bakery opened at four, and I learned to listen before I spoke. ", 8)

var samples = map[string]func() map[string]any{
	GoalBrainstorm: func() map[string]any {
		return map[string]any{
			"stories": []any{
				map[string]any{"title": "Night shift at the bakery", "summary": "Working early mornings taught patience and attention.", "themes": []any{"responsibility", "listening"}},
				map[string]any{"title": "Fixing the robotics arm", "summary": "A failed competition turned into a lesson on iteration.", "themes": []any{"resilience"}},
			},
			"quality_score": 0.85,
		}
	},
	GoalOutline: func() map[string]any {
		return map[string]any{
			"title": "What the dough taught me",
			"sections": []any{
				map[string]any{"heading": "Hook", "purpose": "drop the reader into 4am", "points": []any{"the smell of yeast"}},
				map[string]any{"heading": "Story", "points": []any{"first burnt batch", "the owner's advice"}},
				map[string]any{"heading": "Reflection", "points": []any{"listening as a skill"}},
			},
			"quality_score": 0.8,
		}
	},
	GoalDraft: func() map[string]any {
		return map[string]any{"essay": sampleEssay, "word_count": float64(len(strings.Fields(sampleEssay))), "quality_score": 0.75}
	},
	GoalRevise: func() map[string]any {
		return map[string]any{"essay": sampleEssay, "changes": []any{"tightened the opening"}, "quality_score": 0.82}
	},
	GoalPolish: func() map[string]any {
		return map[string]any{"essay": sampleEssay, "edits": []any{"fixed comma splice"}, "quality_score": 0.9}
	},
	GoalFeedback: func() map[string]any {
		return map[string]any{"strengths": []any{"vivid opening"}, "improvements": []any{"expand the reflection"}, "score": 0.72}
	},
	GoalGuidance: func() map[string]any {
		return map[string]any{"answer": "Start with a moment, not a résumé.", "next_steps": []any{"list three moments you remember vividly"}}
	},
}
