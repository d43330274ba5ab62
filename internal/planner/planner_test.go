package planner

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/essayflow"
	"github.com/ZanzyTHEbar/essayflow/internal/memory"
	"github.com/ZanzyTHEbar/essayflow/internal/registry"
	"github.com/ZanzyTHEbar/essayflow/internal/tools"
)

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := tools.NewRegistry(registry.WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func newTurn(t *testing.T, text string, seed map[string]any) *essayflow.TurnContext {
	t.Helper()
	store := memory.NewStore(memory.WithLogger(zerolog.Nop()))
	if err := store.Seed("ana", seed); err != nil {
		t.Fatal(err)
	}
	mc, err := store.ForUser(context.Background(), "ana")
	if err != nil {
		t.Fatal(err)
	}
	tc := essayflow.NewTurnContext("ana", text, mc)
	intent, err := NewKeywordClassifier().Classify(context.Background(), text)
	if err != nil {
		t.Fatal(err)
	}
	tc.Intent = intent
	return tc
}

func profile() map[string]any {
	return map[string]any{tools.KeyUserProfile: map[string]any{"name": "Ana", "interests": []any{"baking"}}}
}

func toolsOf(plan *essayflow.ExecutionPlan) [][]string {
	var out [][]string
	for _, g := range plan.GroupSteps() {
		var names []string
		for _, s := range g {
			names = append(names, s.ToolName)
		}
		out = append(out, names)
	}
	return out
}

func TestKeywordClassifier(t *testing.T) {
	k := NewKeywordClassifier()
	tests := []struct {
		text  string
		goals []string
	}{
		{"Help me brainstorm and outline my essay", []string{"brainstorm", "outline"}},
		{"Can you outline it, then brainstorm a few more ideas?", []string{"outline", "brainstorm"}},
		{"Please revise my draft", []string{"revise"}},
		{"Write my essay", []string{"draft"}},
		{"Can you review my draft and fix the grammar", []string{"feedback", "polish"}},
		{"How long should a college essay be?", []string{"guidance"}},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			intent, err := k.Classify(context.Background(), tt.text)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(intent.Goals, tt.goals) {
				t.Errorf("goals = %v, want %v", intent.Goals, tt.goals)
			}
			if intent.Slots[SlotRequest] != tt.text {
				t.Errorf("request slot = %v", intent.Slots[SlotRequest])
			}
		})
	}
}

func TestKeywordClassifier_Slots(t *testing.T) {
	slots := NewKeywordClassifier().Slots(`Outline a 500-word essay for "Describe a challenge you overcame"`)
	if slots["word_limit"] != 500 {
		t.Errorf("word_limit = %v", slots["word_limit"])
	}
	if slots[tools.KeyEssayPrompt] != "Describe a challenge you overcame" {
		t.Errorf("essay_prompt = %v", slots[tools.KeyEssayPrompt])
	}
}

func TestPlan_BrainstormThenOutline(t *testing.T) {
	p := New(newRegistry(t), WithLogger(zerolog.Nop()))
	tc := newTurn(t, "Help me brainstorm and outline my essay", profile())

	plan, err := p.Plan(context.Background(), tc)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	want := [][]string{{"brainstorm"}, {"outline"}}
	if got := toolsOf(plan); !reflect.DeepEqual(got, want) {
		t.Fatalf("groups = %v, want %v", got, want)
	}
	outline := plan.Steps[1]
	if !reflect.DeepEqual(outline.DependsOn, []string{plan.Steps[0].ID}) {
		t.Errorf("outline depends on %v", outline.DependsOn)
	}
	if in := outline.Inputs["stories"]; in.Kind != essayflow.InputContext || in.Key != tools.KeyBrainstormedStories {
		t.Errorf("stories input = %+v", in)
	}
}

func TestClassify(t *testing.T) {
	p := New(newRegistry(t), WithLogger(zerolog.Nop()))
	intent, err := p.Classify(context.Background(), "Help me brainstorm and outline a 300 word essay")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !reflect.DeepEqual(intent.Goals, []string{"brainstorm", "outline"}) {
		t.Errorf("goals = %v", intent.Goals)
	}
	if intent.Text == "" || intent.Slots["word_limit"] != 300 {
		t.Errorf("intent = %+v", intent)
	}
}

func TestPlan_DoesNotModifyTurn(t *testing.T) {
	p := New(newRegistry(t), WithLogger(zerolog.Nop()))
	tc := newTurn(t, "Help me brainstorm", profile())
	before := tc.Intent

	if _, err := p.Plan(context.Background(), tc); err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !reflect.DeepEqual(before, tc.Intent) || len(tc.Steps) != 0 {
		t.Errorf("Plan modified the turn: intent %+v, steps %d", tc.Intent, len(tc.Steps))
	}

	unclassified := essayflow.NewTurnContext("ana", "Help me brainstorm", tc.Memory)
	if _, err := p.Plan(context.Background(), unclassified); !errors.Is(err, essayflow.ErrPlanning) {
		t.Fatalf("planning an unclassified turn should fail, got %v", err)
	}
	if len(unclassified.Intent.Goals) != 0 {
		t.Errorf("Plan classified the turn itself: %v", unclassified.Intent.Goals)
	}
}

func TestPlan_PrefersToolNamedAfterGoal(t *testing.T) {
	p := New(newRegistry(t), WithLogger(zerolog.Nop()))
	seed := profile()
	seed[tools.KeyEssayDraft] = "An essay draft long enough to work on."
	tc := newTurn(t, "please revise my essay", seed)

	plan, err := p.Plan(context.Background(), tc)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if got := toolsOf(plan); !reflect.DeepEqual(got, [][]string{{"revise"}}) {
		t.Fatalf("groups = %v, want revise over polish", got)
	}
}

func TestPlan_PrefersToolThatSucceededAfterFailures(t *testing.T) {
	p := New(newRegistry(t), WithLogger(zerolog.Nop()))
	seed := profile()
	seed[tools.KeyEssayDraft] = "An essay draft long enough to work on."
	tc := newTurn(t, "please revise my essay", seed)
	tc.Results = []essayflow.StepResult{
		{StepID: "polish-1", ToolName: "polish", Goal: "revise", Status: essayflow.StatusValidationFailed},
		{StepID: "revise-1", ToolName: "revise", Goal: "revise", Status: essayflow.StatusExecutionError},
		{StepID: "polish-2", ToolName: "polish", Goal: "revise", Status: essayflow.StatusSuccess},
	}
	tc.Missing = []essayflow.MissingElement{{Goal: "revise", Description: "quality"}}

	plan, err := p.Plan(context.Background(), tc)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if got := toolsOf(plan); !reflect.DeepEqual(got, [][]string{{"polish"}}) {
		t.Fatalf("groups = %v, want the tool that worked", got)
	}
}

func TestPlan_ChainsProducers(t *testing.T) {
	p := New(newRegistry(t), WithLogger(zerolog.Nop()))
	tc := newTurn(t, "Write my essay, 500 words", profile())

	plan, err := p.Plan(context.Background(), tc)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	want := [][]string{{"brainstorm"}, {"outline"}, {"draft"}}
	if got := toolsOf(plan); !reflect.DeepEqual(got, want) {
		t.Fatalf("groups = %v, want %v", got, want)
	}
	draft := plan.Steps[2]
	if in := draft.Inputs["word_limit"]; in.Kind != essayflow.InputLiteral || in.Value != 500 {
		t.Errorf("word_limit input = %+v", in)
	}
}

func TestPlan_ChainDepthIsBounded(t *testing.T) {
	p := New(newRegistry(t), WithLogger(zerolog.Nop()), WithMaxChainDepth(1))
	tc := newTurn(t, "Write my essay", profile())

	_, err := p.Plan(context.Background(), tc)
	var nc *essayflow.NeedsClarificationError
	if !errors.As(err, &nc) {
		t.Fatalf("expected clarification when the chain is too deep, got %v", err)
	}
}

func TestPlan_UsesContextInsteadOfChaining(t *testing.T) {
	p := New(newRegistry(t), WithLogger(zerolog.Nop()))
	seed := profile()
	seed[tools.KeyBrainstormedStories] = []any{map[string]any{"title": "t", "summary": "s"}}
	tc := newTurn(t, "Outline my essay", seed)

	plan, err := p.Plan(context.Background(), tc)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if got := toolsOf(plan); !reflect.DeepEqual(got, [][]string{{"outline"}}) {
		t.Fatalf("groups = %v", got)
	}
}

func TestPlan_EmptyProfileNeedsClarification(t *testing.T) {
	p := New(newRegistry(t), WithLogger(zerolog.Nop()))
	tc := newTurn(t, "Help me brainstorm", map[string]any{tools.KeyUserProfile: map[string]any{}})

	plan, err := p.Plan(context.Background(), tc)
	if plan != nil {
		t.Fatalf("expected no plan, got %+v", plan)
	}
	var nc *essayflow.NeedsClarificationError
	if !errors.As(err, &nc) {
		t.Fatalf("expected NeedsClarificationError, got %v", err)
	}
	if !reflect.DeepEqual(nc.Missing, []string{tools.KeyUserProfile}) {
		t.Errorf("missing = %v", nc.Missing)
	}
	if nc.Question == "" {
		t.Error("expected a question")
	}
}

func TestPlan_UnknownGoalIsPlanningError(t *testing.T) {
	p := New(newRegistry(t), WithLogger(zerolog.Nop()))
	tc := newTurn(t, "Help me brainstorm", profile())
	tc.Intent.Goals = []string{"translate"}

	_, err := p.Plan(context.Background(), tc)
	if !errors.Is(err, essayflow.ErrPlanning) {
		t.Fatalf("expected planning error, got %v", err)
	}
}

func TestPlan_MissingElementsReplaceGoals(t *testing.T) {
	p := New(newRegistry(t), WithLogger(zerolog.Nop()))
	seed := profile()
	seed[tools.KeyBrainstormedStories] = []any{map[string]any{"title": "t", "summary": "s"}}
	tc := newTurn(t, "Help me brainstorm and outline my essay", seed)
	tc.Intent.Goals = []string{"brainstorm", "outline"}
	tc.Missing = []essayflow.MissingElement{{Goal: "outline", Tool: "outline", Description: "failed"}}

	plan, err := p.Plan(context.Background(), tc)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if got := toolsOf(plan); !reflect.DeepEqual(got, [][]string{{"outline"}}) {
		t.Fatalf("groups = %v", got)
	}
}

func draftResult(t *testing.T, tc *essayflow.TurnContext, quality float64) essayflow.StepResult {
	t.Helper()
	out, _ := tools.SampleOutput(tools.GoalDraft)
	out["quality_score"] = quality
	r := essayflow.StepResult{StepID: "draft-1", ToolName: "draft", Goal: "draft", Status: essayflow.StatusSuccess, Output: out}
	tc.Results = append(tc.Results, r)
	if err := tc.Memory.Set(context.Background(), tools.KeyEssayDraft, out["essay"]); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestReplan_FollowUpWhenQualityLow(t *testing.T) {
	p := New(newRegistry(t), WithLogger(zerolog.Nop()))
	tc := newTurn(t, "Write my essay", profile())
	r := draftResult(t, tc, 0.5)

	plan, err := p.Replan(context.Background(), []essayflow.StepResult{r}, tc)
	if err != nil {
		t.Fatalf("Replan: %v", err)
	}
	if got := toolsOf(plan); !reflect.DeepEqual(got, [][]string{{"revise"}}) {
		t.Fatalf("groups = %v", got)
	}
	if plan.Steps[0].Goal != "draft" {
		t.Errorf("follow-up should keep the goal, got %q", plan.Steps[0].Goal)
	}
}

func TestReplan_NoFollowUpWhenQualityHigh(t *testing.T) {
	p := New(newRegistry(t), WithLogger(zerolog.Nop()))
	tc := newTurn(t, "Write my essay", profile())
	r := draftResult(t, tc, 0.9)

	plan, err := p.Replan(context.Background(), []essayflow.StepResult{r}, tc)
	if err != nil {
		t.Fatalf("Replan: %v", err)
	}
	if plan.Len() != 0 {
		t.Fatalf("expected empty plan, got %v", toolsOf(plan))
	}
}

func TestReplan_FollowUpsAreBoundedPerTool(t *testing.T) {
	p := New(newRegistry(t), WithLogger(zerolog.Nop()), WithMaxFollowUps(2))
	tc := newTurn(t, "Write my essay", profile())
	r := draftResult(t, tc, 0.1)

	total := 0
	for round := 0; round < 5; round++ {
		plan, err := p.Replan(context.Background(), []essayflow.StepResult{r}, tc)
		if err != nil {
			t.Fatalf("Replan: %v", err)
		}
		total += tc.Enqueue(plan, 10)
	}
	if total != 2 {
		t.Fatalf("expected 2 revise steps across rounds, got %d", total)
	}
	if tc.Planned("revise") != 2 {
		t.Errorf("planned revise = %d", tc.Planned("revise"))
	}
}

func TestReplan_FallbackToAlternative(t *testing.T) {
	p := New(newRegistry(t), WithLogger(zerolog.Nop()))
	tc := newTurn(t, "Revise my essay", profile())
	_ = draftResult(t, tc, 0.9)
	failed := essayflow.StepResult{StepID: "revise-1", ToolName: "revise", Goal: "revise", Status: essayflow.StatusExecutionError}
	tc.Results = append(tc.Results, failed)

	plan, err := p.Replan(context.Background(), []essayflow.StepResult{failed}, tc)
	if err != nil {
		t.Fatalf("Replan: %v", err)
	}
	if got := toolsOf(plan); !reflect.DeepEqual(got, [][]string{{"polish"}}) {
		t.Fatalf("groups = %v", got)
	}

	// polish has now been tried too; nothing else carries the capability
	tc.Results = append(tc.Results, essayflow.StepResult{ToolName: "polish", Status: essayflow.StatusValidationFailed})
	plan, err = p.Replan(context.Background(), []essayflow.StepResult{failed}, tc)
	if err != nil {
		t.Fatalf("Replan: %v", err)
	}
	if plan.Len() != 0 {
		t.Fatalf("expected no alternative, got %v", toolsOf(plan))
	}
}

func TestLayer_Cycle(t *testing.T) {
	steps := []essayflow.ExecutionStep{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c"},
	}
	if _, err := Layer(steps); !errors.Is(err, essayflow.ErrPlanning) {
		t.Fatalf("expected planning error, got %v", err)
	}
}

func TestLayer_RandomDAGsRespectDependencies(t *testing.T) {
	for seed := int64(1); seed <= 50; seed++ {
		rng := rand.New(rand.NewSource(seed))
		n := 1 + rng.Intn(12)
		steps := make([]essayflow.ExecutionStep, n)
		for i := range steps {
			steps[i].ID = fmt.Sprintf("s%d", i)
			for j := 0; j < i; j++ {
				if rng.Float64() < 0.3 {
					steps[i].DependsOn = append(steps[i].DependsOn, steps[j].ID)
				}
			}
		}
		rng.Shuffle(n, func(i, j int) { steps[i], steps[j] = steps[j], steps[i] })

		plan, err := Layer(steps)
		if err != nil {
			t.Fatalf("seed %d: %v", seed, err)
		}
		assertOrdered(t, seed, plan, n)
	}
}

func assertOrdered(t *testing.T, seed int64, plan *essayflow.ExecutionPlan, n int) {
	t.Helper()
	groupOf := make(map[string]int)
	for gi, g := range plan.Groups {
		for _, id := range g {
			if _, dup := groupOf[id]; dup {
				t.Fatalf("seed %d: step %s placed twice", seed, id)
			}
			groupOf[id] = gi
		}
	}
	if len(groupOf) != n || plan.Len() != n {
		t.Fatalf("seed %d: placed %d of %d steps", seed, len(groupOf), n)
	}
	for _, s := range plan.Steps {
		for _, dep := range s.DependsOn {
			if groupOf[dep] >= groupOf[s.ID] {
				t.Fatalf("seed %d: %s (group %d) runs before its dependency %s (group %d)",
					seed, s.ID, groupOf[s.ID], dep, groupOf[dep])
			}
		}
	}
}

// randomRegistry builds tools t0..tn-1 where ti reads the keys written by a
// random subset of lower tools.
func randomRegistry(t *testing.T, rng *rand.Rand, n int) *registry.Registry {
	t.Helper()
	reg := registry.New(registry.WithLogger(zerolog.Nop()))
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("t%d", i)
		var inputs []essayflow.Field
		for j := 0; j < i; j++ {
			if rng.Float64() < 0.4 {
				inputs = append(inputs, essayflow.Field{
					Name: fmt.Sprintf("in%d", j), Type: essayflow.TypeString, Required: true, From: fmt.Sprintf("k%d", j),
				})
			}
		}
		c := tools.NewContract(name,
			tools.WithCapabilities("goal"+name),
			tools.WithInput(inputs...),
			tools.WithOutput(essayflow.Field{Name: "out", Type: essayflow.TypeString, Required: true}),
			tools.WithSideEffect(fmt.Sprintf("k%d", i), "out"),
		)
		if err := reg.Register(c); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	return reg
}

func TestPlan_RandomRegistriesRespectDataDependencies(t *testing.T) {
	for seed := int64(1); seed <= 30; seed++ {
		rng := rand.New(rand.NewSource(seed))
		n := 2 + rng.Intn(7)
		reg := randomRegistry(t, rng, n)
		p := New(reg, WithLogger(zerolog.Nop()), WithMaxChainDepth(n))

		tc := newTurn(t, "go", nil)
		tc.Intent.Goals = []string{fmt.Sprintf("goalt%d", n-1)}

		plan, err := p.Plan(context.Background(), tc)
		if err != nil {
			t.Fatalf("seed %d: %v", seed, err)
		}

		groupOf := make(map[string]int)
		writer := make(map[string]string)
		for gi, g := range plan.GroupSteps() {
			for _, s := range g {
				groupOf[s.ID] = gi
				c, _ := reg.Get(s.ToolName)
				for _, se := range c.SideEffects {
					writer[se.Key] = s.ID
				}
			}
		}
		for _, s := range plan.Steps {
			c, _ := reg.Get(s.ToolName)
			for _, key := range c.RequiredKeys() {
				w, ok := writer[key]
				if !ok {
					t.Fatalf("seed %d: %s reads %s which no step writes", seed, s.ID, key)
				}
				if groupOf[w] >= groupOf[s.ID] {
					t.Fatalf("seed %d: %s runs before %s which writes %s", seed, s.ID, w, key)
				}
			}
		}
		assertOrdered(t, seed, plan, plan.Len())
	}
}
