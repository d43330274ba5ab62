package planner

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ZanzyTHEbar/essayflow"
	"github.com/ZanzyTHEbar/essayflow/internal/tools"
)

// IntentClassifier turns an utterance into goals and slot values.
type IntentClassifier interface {
	Classify(ctx context.Context, text string) (essayflow.Intent, error)
}

// GoalRule maps utterance patterns to a goal type.
type GoalRule struct {
	Goal     string
	Patterns []*regexp.Regexp
}

// SlotRule extracts a literal input value from the utterance. The first
// submatch is passed to Convert.
type SlotRule struct {
	Name    string
	Pattern *regexp.Regexp
	Convert func(string) (any, bool)
}

// SlotRequest always holds the raw utterance.
const SlotRequest = "request"

func words(ws ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(ws))
	for _, w := range ws {
		out = append(out, regexp.MustCompile(`(?i)\b`+w+`\b`))
	}
	return out
}

// DefaultGoalRules recognise the built-in essay goals.
func DefaultGoalRules() []GoalRule {
	return []GoalRule{
		{Goal: tools.GoalBrainstorm, Patterns: words(`brainstorm\w*`, `ideas?`, `stor(y|ies)`, `topics?`)},
		{Goal: tools.GoalOutline, Patterns: words(`outlines?`, `structure`, `organi[sz]e`)},
		{Goal: tools.GoalDraft, Patterns: words(`write`, `writing`, `draft (my|an?|the)`, `(first|full|new) draft`)},
		{Goal: tools.GoalRevise, Patterns: words(`revise`, `revision`, `rewrite`, `improve`, `edit`)},
		{Goal: tools.GoalPolish, Patterns: words(`polish`, `proofread`, `grammar`, `typos?`)},
		{Goal: tools.GoalFeedback, Patterns: words(`feedback`, `review`, `critique`, `thoughts on`)},
	}
}

// DefaultSlotRules extract a word limit and a quoted essay prompt.
func DefaultSlotRules() []SlotRule {
	return []SlotRule{
		{
			Name:    "word_limit",
			Pattern: regexp.MustCompile(`(?i)\b(\d{2,4})\s*-?\s*words?\b`),
			Convert: func(s string) (any, bool) {
				n, err := strconv.Atoi(s)
				return n, err == nil
			},
		},
		{
			Name:    tools.KeyEssayPrompt,
			Pattern: regexp.MustCompile(`["“]([^"”]{10,})["”]`),
			Convert: func(s string) (any, bool) {
				s = strings.TrimSpace(s)
				return s, s != ""
			},
		},
	}
}

// KeywordClassifier is a deterministic rule-based classifier. Goals are
// returned in the order they first appear in the utterance; an utterance
// matching no rule maps to the fallback goal.
type KeywordClassifier struct {
	goals    []GoalRule
	slots    []SlotRule
	fallback string
}

var _ IntentClassifier = (*KeywordClassifier)(nil)

// KeywordOption configures a KeywordClassifier.
type KeywordOption func(*KeywordClassifier)

// WithGoalRules replaces the goal rules.
func WithGoalRules(rules ...GoalRule) KeywordOption {
	return func(k *KeywordClassifier) {
		k.goals = rules
	}
}

// WithSlotRules replaces the slot rules.
func WithSlotRules(rules ...SlotRule) KeywordOption {
	return func(k *KeywordClassifier) {
		k.slots = rules
	}
}

// WithFallbackGoal sets the goal used when nothing matches.
func WithFallbackGoal(goal string) KeywordOption {
	return func(k *KeywordClassifier) {
		k.fallback = goal
	}
}

// NewKeywordClassifier creates a classifier with the default essay rules.
func NewKeywordClassifier(opts ...KeywordOption) *KeywordClassifier {
	k := &KeywordClassifier{
		goals:    DefaultGoalRules(),
		slots:    DefaultSlotRules(),
		fallback: tools.GoalGuidance,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Classify never fails; the error return satisfies IntentClassifier.
func (k *KeywordClassifier) Classify(_ context.Context, text string) (essayflow.Intent, error) {
	type hit struct {
		goal string
		pos  int
	}
	var hits []hit
	for _, rule := range k.goals {
		pos := -1
		for _, p := range rule.Patterns {
			if loc := p.FindStringIndex(text); loc != nil && (pos < 0 || loc[0] < pos) {
				pos = loc[0]
			}
		}
		if pos >= 0 {
			hits = append(hits, hit{goal: rule.Goal, pos: pos})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })

	intent := essayflow.Intent{Text: text, Slots: k.Slots(text)}
	for _, h := range hits {
		intent.Goals = append(intent.Goals, h.goal)
	}
	if len(intent.Goals) == 0 && k.fallback != "" {
		intent.Goals = []string{k.fallback}
	}
	return intent, nil
}

// Slots runs the slot rules over text.
func (k *KeywordClassifier) Slots(text string) map[string]any {
	slots := map[string]any{SlotRequest: strings.TrimSpace(text)}
	for _, rule := range k.slots {
		m := rule.Pattern.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		if v, ok := rule.Convert(m[1]); ok {
			slots[rule.Name] = v
		}
	}
	return slots
}
