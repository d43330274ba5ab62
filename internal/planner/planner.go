// Package planner turns a classified intent into a dependency-ordered
// execution plan over the contract registry, and extends it as results
// arrive.
package planner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ZanzyTHEbar/essayflow"
	"github.com/ZanzyTHEbar/essayflow/internal/expr"
)

// Planner implements essayflow.Planner over a contract registry.
type Planner struct {
	registry      essayflow.ContractRegistry
	classifier    IntentClassifier
	maxChainDepth int
	maxPerTool    int
	logger        zerolog.Logger
}

var _ essayflow.Planner = (*Planner)(nil)

// Option configures a Planner.
type Option func(*Planner)

// WithClassifier replaces the keyword classifier.
func WithClassifier(c IntentClassifier) Option {
	return func(p *Planner) {
		p.classifier = c
	}
}

// WithMaxChainDepth bounds how many producer levels are planned to satisfy
// a goal's inputs.
func WithMaxChainDepth(depth int) Option {
	return func(p *Planner) {
		p.maxChainDepth = depth
	}
}

// WithMaxFollowUps bounds how many steps of one tool replanning may queue
// in a turn.
func WithMaxFollowUps(n int) Option {
	return func(p *Planner) {
		p.maxPerTool = n
	}
}

// WithLogger sets the planner logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Planner) {
		p.logger = logger
	}
}

// New creates a planner over reg.
func New(reg essayflow.ContractRegistry, opts ...Option) *Planner {
	p := &Planner{
		registry:      reg,
		classifier:    NewKeywordClassifier(),
		maxChainDepth: 2,
		maxPerTool:    2,
		logger:        log.Logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Classify turns the utterance into an intent. The orchestrator stores the
// result on the turn before the first Plan.
func (p *Planner) Classify(ctx context.Context, text string) (essayflow.Intent, error) {
	intent, err := p.classifier.Classify(ctx, text)
	if err != nil {
		return essayflow.Intent{}, essayflow.NewPlanningError("classify intent", err)
	}
	intent.Text = text
	return intent, nil
}

// Plan builds the plan for a turn from its classified intent; on later
// rounds the goals of tc.Missing are planned instead. tc is not modified.
func (p *Planner) Plan(ctx context.Context, tc *essayflow.TurnContext) (*essayflow.ExecutionPlan, error) {
	goals := tc.Intent.Goals
	if len(tc.Missing) > 0 {
		goals = missingGoals(tc.Missing)
	}
	if len(goals) == 0 {
		return nil, essayflow.NewPlanningError("intent has no goals", nil)
	}

	b := p.newBuilder(ctx, tc)
	var unsatisfied []string
	for _, goal := range goals {
		if err := b.planGoal(goal); err != nil {
			var nc *needsUser
			if errors.As(err, &nc) {
				unsatisfied = append(unsatisfied, nc.keys...)
				continue
			}
			return nil, err
		}
	}
	if len(unsatisfied) > 0 {
		keys := dedupeSorted(unsatisfied)
		p.logger.Info().Str("turn_id", tc.ID).Strs("missing", keys).Msg("plan needs user input")
		return nil, essayflow.NewNeedsClarificationError(keys, "")
	}

	plan, err := Layer(b.steps)
	if err != nil {
		return nil, err
	}
	if err := p.validate(ctx, tc, plan); err != nil {
		return nil, err
	}
	p.logger.Debug().Str("turn_id", tc.ID).Int("steps", plan.Len()).Int("groups", len(plan.Groups)).Msg("plan built")
	return plan, nil
}

// Replan extends the turn from the latest group's results: follow-ups of
// successful steps whose condition holds, and an untried alternative with
// the same capability for each failed step.
func (p *Planner) Replan(ctx context.Context, latest []essayflow.StepResult, tc *essayflow.TurnContext) (*essayflow.ExecutionPlan, error) {
	b := p.newBuilder(ctx, tc)
	for _, r := range latest {
		contract, err := p.registry.Get(r.ToolName)
		if err != nil {
			p.logger.Warn().Err(err).Str("tool", r.ToolName).Msg("replan skipped unknown tool")
			continue
		}
		if r.Succeeded() {
			p.followUps(b, contract, r)
			continue
		}
		p.fallback(b, contract, r)
	}
	if len(b.steps) == 0 {
		return &essayflow.ExecutionPlan{}, nil
	}
	plan, err := Layer(b.steps)
	if err != nil {
		return nil, err
	}
	if err := p.validate(ctx, tc, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func (p *Planner) followUps(b *builder, contract essayflow.ToolContract, r essayflow.StepResult) {
	for _, fu := range contract.FollowUps {
		ok, err := expr.Eval(fu.When, r.Output)
		if err != nil {
			p.logger.Debug().Err(err).Str("tool", contract.Name).Str("when", fu.When).Msg("follow-up condition not evaluated")
			continue
		}
		if !ok {
			continue
		}
		if b.tc.Planned(fu.Tool)+b.count[fu.Tool] >= p.maxPerTool {
			p.logger.Debug().Str("tool", fu.Tool).Msg("follow-up limit reached")
			continue
		}
		target, err := p.registry.Get(fu.Tool)
		if err != nil {
			continue
		}
		if len(b.unavailable(target)) > 0 {
			continue
		}
		b.add(target, r.Goal, fu.Rationale)
	}
}

func (p *Planner) fallback(b *builder, failed essayflow.ToolContract, r essayflow.StepResult) {
	caps := failed.Capabilities
	if r.Goal != "" {
		caps = append([]string{r.Goal}, caps...)
	}
	for _, capability := range caps {
		for _, alt := range p.registry.ListByCapability(capability) {
			if alt.Name == failed.Name || b.tc.Attempted(alt.Name) || b.planned[alt.Name] != "" {
				continue
			}
			if len(b.unavailable(alt)) > 0 {
				continue
			}
			goal := r.Goal
			if goal == "" {
				goal = capability
			}
			b.add(alt, goal, fmt.Sprintf("fallback after %s %s", failed.Name, r.Status))
			return
		}
	}
}

// validate checks that every required context input of every step is
// available from memory or written by a step of an earlier group.
func (p *Planner) validate(ctx context.Context, tc *essayflow.TurnContext, plan *essayflow.ExecutionPlan) error {
	written := make(map[string]bool)
	for gi, group := range plan.GroupSteps() {
		for _, step := range group {
			contract, err := p.registry.Get(step.ToolName)
			if err != nil {
				return essayflow.NewPlanningError(fmt.Sprintf("step %s", step.ID), err)
			}
			for _, key := range contract.RequiredKeys() {
				if written[key] || tc.Available(ctx, key) {
					continue
				}
				return essayflow.NewPlanningError(
					fmt.Sprintf("step %s (group %d) reads %q which nothing before it provides", step.ID, gi, key), nil)
			}
		}
		for _, step := range group {
			contract, _ := p.registry.Get(step.ToolName)
			for _, se := range contract.SideEffects {
				written[se.Key] = true
			}
		}
	}
	return nil
}

type builder struct {
	ctx      context.Context
	tc       *essayflow.TurnContext
	registry essayflow.ContractRegistry
	maxDepth int

	steps      []essayflow.ExecutionStep
	producedBy map[string]string
	planned    map[string]string
	count      map[string]int
	visiting   map[string]bool
}

func (p *Planner) newBuilder(ctx context.Context, tc *essayflow.TurnContext) *builder {
	return &builder{
		ctx:        ctx,
		tc:         tc,
		registry:   p.registry,
		maxDepth:   p.maxChainDepth,
		producedBy: make(map[string]string),
		planned:    make(map[string]string),
		count:      make(map[string]int),
		visiting:   make(map[string]bool),
	}
}

type needsUser struct {
	keys []string
}

func (n *needsUser) Error() string { return "needs user input: " + strings.Join(n.keys, ", ") }

func (b *builder) available(key string) bool {
	return b.producedBy[key] != "" || b.tc.Available(b.ctx, key)
}

// unavailable lists the required keys of c that are not yet available,
// plus required literal inputs with no default and no slot value.
func (b *builder) unavailable(c essayflow.ToolContract) []string {
	var keys []string
	for _, k := range c.RequiredKeys() {
		if !b.available(k) {
			keys = append(keys, k)
		}
	}
	for _, f := range c.InputSchema.Fields {
		if f.Required && f.From == "" && f.Default == nil {
			if _, ok := b.tc.Intent.Slots[f.Name]; !ok {
				keys = append(keys, f.Name)
			}
		}
	}
	return keys
}

type snapshot struct {
	steps      int
	producedBy map[string]string
	planned    map[string]string
	count      map[string]int
}

func (b *builder) save() snapshot {
	return snapshot{
		steps:      len(b.steps),
		producedBy: copyMap(b.producedBy),
		planned:    copyMap(b.planned),
		count:      copyMap(b.count),
	}
}

func (b *builder) restore(s snapshot) {
	b.steps = b.steps[:s.steps]
	b.producedBy = s.producedBy
	b.planned = s.planned
	b.count = s.count
}

// planGoal adds the minimal tool for goal, chaining through producers when
// its inputs are not yet available.
func (b *builder) planGoal(goal string) error {
	candidates := b.registry.ListByCapability(goal)
	if len(candidates) == 0 {
		return essayflow.NewPlanningError(fmt.Sprintf("no tool provides goal %q", goal), nil)
	}
	for _, c := range candidates {
		if b.planned[c.Name] != "" {
			return nil
		}
	}
	b.rank(goal, candidates)

	for _, c := range candidates {
		if len(b.unavailable(c)) == 0 {
			b.add(c, goal, "requested goal "+goal)
			return nil
		}
	}

	var userKeys []string
	for _, c := range candidates {
		s := b.save()
		_, err := b.satisfy(c, goal, 0)
		if err == nil {
			return nil
		}
		b.restore(s)
		var nu *needsUser
		if !errors.As(err, &nu) {
			return err
		}
		userKeys = append(userKeys, nu.keys...)
	}
	return &needsUser{keys: userKeys}
}

// rank orders candidates: tools not yet attempted this turn first, then
// tools that have succeeded before over tools that only failed, then the
// tool named after goal, then fewer required keys, then name.
func (b *builder) rank(goal string, cs []essayflow.ToolContract) {
	sort.SliceStable(cs, func(i, j int) bool {
		ai, aj := b.tc.Attempted(cs[i].Name), b.tc.Attempted(cs[j].Name)
		if ai != aj {
			return !ai
		}
		if ai {
			si, sj := b.tc.Succeeded(cs[i].Name), b.tc.Succeeded(cs[j].Name)
			if si != sj {
				return si
			}
		}
		if ni, nj := cs[i].Name == goal, cs[j].Name == goal; ni != nj {
			return ni
		}
		ri, rj := len(cs[i].RequiredKeys()), len(cs[j].RequiredKeys())
		if ri != rj {
			return ri < rj
		}
		return cs[i].Name < cs[j].Name
	})
}

// satisfy plans producers for c's missing keys, then c itself.
func (b *builder) satisfy(c essayflow.ToolContract, goal string, depth int) (string, error) {
	if id := b.planned[c.Name]; id != "" {
		return id, nil
	}
	if b.visiting[c.Name] {
		return "", &needsUser{}
	}
	b.visiting[c.Name] = true
	defer delete(b.visiting, c.Name)

	var userKeys []string
	for _, key := range b.unavailable(c) {
		if _, isSlot := c.InputSchema.Field(key); isSlot && !isContextKey(c, key) {
			userKeys = append(userKeys, key)
			continue
		}
		if depth >= b.maxDepth {
			userKeys = append(userKeys, key)
			continue
		}
		producers := b.producers(key, c.Name)
		if len(producers) == 0 {
			userKeys = append(userKeys, key)
			continue
		}
		var lastUser []string
		resolved := false
		for _, prod := range producers {
			s := b.save()
			if _, err := b.satisfy(prod, goal, depth+1); err != nil {
				b.restore(s)
				var nu *needsUser
				if !errors.As(err, &nu) {
					return "", err
				}
				lastUser = nu.keys
				continue
			}
			resolved = true
			break
		}
		if !resolved {
			if len(lastUser) == 0 {
				lastUser = []string{key}
			}
			userKeys = append(userKeys, lastUser...)
		}
	}
	if len(userKeys) > 0 {
		return "", &needsUser{keys: userKeys}
	}
	rationale := "requested goal " + goal
	if depth > 0 {
		rationale = fmt.Sprintf("provides input for %s", goal)
	}
	return b.add(c, goal, rationale), nil
}

func (b *builder) producers(key, exclude string) []essayflow.ToolContract {
	var out []essayflow.ToolContract
	for _, c := range b.registry.Producers(key) {
		if c.Name != exclude {
			out = append(out, c)
		}
	}
	b.rank("", out)
	return out
}

func isContextKey(c essayflow.ToolContract, key string) bool {
	for _, k := range c.ContextKeys() {
		if k == key {
			return true
		}
	}
	return false
}

// add appends a step for c with inputs bound from context and slots.
func (b *builder) add(c essayflow.ToolContract, goal, rationale string) string {
	b.count[c.Name]++
	id := fmt.Sprintf("%s-%d", c.Name, b.tc.Planned(c.Name)+b.count[c.Name])

	inputs := make(map[string]essayflow.InputSource)
	for _, f := range c.InputSchema.Fields {
		slot, hasSlot := b.tc.Intent.Slots[f.Name]
		switch {
		case f.From != "" && f.Required:
			inputs[f.Name] = essayflow.FromContext(f.From)
		case hasSlot:
			inputs[f.Name] = essayflow.Literal(slot)
		case f.From != "" && b.available(f.From):
			inputs[f.Name] = essayflow.FromContext(f.From)
		}
	}

	var deps []string
	seen := make(map[string]bool)
	for _, key := range c.ContextKeys() {
		if pid := b.producedBy[key]; pid != "" && !seen[pid] {
			seen[pid] = true
			deps = append(deps, pid)
		}
	}

	b.steps = append(b.steps, essayflow.ExecutionStep{
		ID:        id,
		ToolName:  c.Name,
		Goal:      goal,
		Inputs:    inputs,
		DependsOn: deps,
		Rationale: rationale,
	})
	for _, se := range c.SideEffects {
		b.producedBy[se.Key] = id
	}
	b.planned[c.Name] = id
	return id
}

func missingGoals(missing []essayflow.MissingElement) []string {
	seen := make(map[string]bool)
	var goals []string
	for _, m := range missing {
		if m.Goal == "" || seen[m.Goal] {
			continue
		}
		seen[m.Goal] = true
		goals = append(goals, m.Goal)
	}
	return goals
}

func dedupeSorted(keys []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, k := range keys {
		if k != "" && !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func copyMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
