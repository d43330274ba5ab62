// Package tools defines the built-in essay coaching tool catalog.
package tools

import (
	"github.com/ZanzyTHEbar/essayflow"
	"github.com/ZanzyTHEbar/essayflow/internal/registry"
)

// Context keys shared by the catalog.
const (
	KeyUserProfile         = "user_profile"
	KeyEssayPrompt         = "essay_prompt"
	KeyBrainstormedStories = "brainstormed_stories"
	KeyEssayOutline        = "essay_outline"
	KeyEssayDraft          = "essay_draft"
	KeyFinalEssay          = "final_essay"
	KeyEssayFeedback       = "essay_feedback"
	KeyConversationHistory = "conversation_history"
)

// Goal and capability names.
const (
	GoalBrainstorm = "brainstorm"
	GoalOutline    = "outline"
	GoalDraft      = "draft"
	GoalRevise     = "revise"
	GoalPolish     = "polish"
	GoalFeedback   = "feedback"
	GoalGuidance   = "guidance"
)

// Essay returns the built-in contracts, one per coaching tool.
func Essay() []essayflow.ToolContract {
	return []essayflow.ToolContract{
		Brainstorm(),
		Outline(),
		Draft(),
		Revise(),
		Polish(),
		Feedback(),
		Guidance(),
	}
}

// NewRegistry returns a registry holding the Essay catalog.
func NewRegistry(opts ...registry.Option) (*registry.Registry, error) {
	r := registry.New(opts...)
	if err := r.RegisterAll(Essay()...); err != nil {
		return nil, err
	}
	return r, nil
}

// Brainstorm suggests candidate stories from the user profile and writes
// them to brainstormed_stories.
func Brainstorm() essayflow.ToolContract {
	story := essayflow.Field{Type: essayflow.TypeObject, Fields: []essayflow.Field{
		required(str("title", "short working title")),
		required(str("summary", "two or three sentences")),
		strList("themes", "qualities the story shows"),
	}}
	return NewContract(GoalBrainstorm,
		WithDescription("Suggests personal stories worth writing about."),
		WithInstruction("Suggest distinct personal stories drawn from the student's profile that could anchor a college application essay. Prefer specific moments over summaries of achievements."),
		WithCapabilities(GoalBrainstorm),
		WithInput(
			essayflow.Field{Name: "profile", Type: essayflow.TypeObject, Required: true, From: KeyUserProfile, Description: "student profile"},
			essayflow.Field{Name: "essay_prompt", Type: essayflow.TypeString, From: KeyEssayPrompt},
			essayflow.Field{Name: "count", Type: essayflow.TypeInteger, Default: 3, Constraint: "value >= 1 && value <= 5"},
		),
		WithOutput(
			essayflow.Field{Name: "stories", Type: essayflow.TypeArray, Required: true, MinItems: intp(1), Items: &story},
			score("quality_score"),
		),
		WithDependency(KeyUserProfile, true),
		WithDependency(KeyConversationHistory, false),
		WithSideEffect(KeyBrainstormedStories, "stories"),
		WithQuality("quality_score"),
	)
}

// Outline structures the brainstormed stories into essay sections.
func Outline() essayflow.ToolContract {
	section := essayflow.Field{Type: essayflow.TypeObject, Fields: []essayflow.Field{
		required(str("heading", "")),
		str("purpose", "what the section does for the reader"),
		strList("points", "beats to cover"),
	}}
	return NewContract(GoalOutline,
		WithDescription("Turns chosen stories into an essay structure."),
		WithInstruction("Build a clear essay outline from the brainstormed stories: an opening hook, the story, reflection, and a closing that ties back to the applicant."),
		WithCapabilities(GoalOutline),
		WithInput(
			essayflow.Field{Name: "stories", Type: essayflow.TypeArray, Required: true, From: KeyBrainstormedStories},
			essayflow.Field{Name: "essay_prompt", Type: essayflow.TypeString, From: KeyEssayPrompt},
			essayflow.Field{Name: "word_limit", Type: essayflow.TypeInteger, Default: 650, Constraint: "value >= 100 && value <= 1000"},
		),
		WithOutput(
			required(str("title", "working title")),
			essayflow.Field{Name: "sections", Type: essayflow.TypeArray, Required: true, MinItems: intp(3), Items: &section},
			score("quality_score"),
		),
		WithDependency(KeyUserProfile, false),
		WithSideEffect(KeyEssayOutline, ""),
		WithQuality("quality_score"),
	)
}

// Draft writes the essay from the outline. A draft scoring below 0.7 is
// followed by a revision.
func Draft() essayflow.ToolContract {
	return NewContract(GoalDraft,
		WithDescription("Writes a full draft from the outline."),
		WithInstruction("Write a complete first draft that follows the outline, stays within the word limit and sounds like the student."),
		WithCapabilities(GoalDraft),
		WithInput(
			essayflow.Field{Name: "outline", Type: essayflow.TypeObject, Required: true, From: KeyEssayOutline},
			essayflow.Field{Name: "word_limit", Type: essayflow.TypeInteger, Default: 650, Constraint: "value >= 100 && value <= 1000"},
			essayflow.Field{Name: "tone", Type: essayflow.TypeString, Enum: []any{"reflective", "conversational", "formal"}, Default: "reflective"},
		),
		WithOutput(
			essayflow.Field{Name: "essay", Type: essayflow.TypeString, Required: true, MinLength: intp(50)},
			essayflow.Field{Name: "word_count", Type: essayflow.TypeInteger, Minimum: floatp(0)},
			score("quality_score"),
		),
		WithDependency(KeyUserProfile, false),
		WithSideEffect(KeyEssayDraft, "essay"),
		WithQuality("quality_score"),
		WithFollowUp("quality_score < 0.7", GoalRevise, "draft scored below the quality bar"),
	)
}

// Revise rewrites the stored draft in place.
func Revise() essayflow.ToolContract {
	return NewContract(GoalRevise,
		WithDescription("Revises the current draft for content and structure."),
		WithInstruction("Revise the draft: strengthen the reflection, cut generic sentences, keep the student's voice. Return the full revised essay and list the changes."),
		WithCapabilities(GoalRevise),
		WithInput(
			essayflow.Field{Name: "essay", Type: essayflow.TypeString, Required: true, From: KeyEssayDraft},
			essayflow.Field{Name: "feedback", Type: essayflow.TypeObject, From: KeyEssayFeedback},
			str("focus", "what the student asked to improve"),
		),
		WithOutput(
			essayflow.Field{Name: "essay", Type: essayflow.TypeString, Required: true, MinLength: intp(50)},
			required(strList("changes", "summary of edits")),
			score("quality_score"),
		),
		WithSideEffect(KeyEssayDraft, "essay"),
		WithQuality("quality_score"),
	)
}

// Polish line edits the draft into final_essay. It also serves the revise
// goal when revise itself cannot run.
func Polish() essayflow.ToolContract {
	return NewContract(GoalPolish,
		WithDescription("Line edits grammar, flow and word count."),
		WithInstruction("Polish the essay at sentence level: grammar, rhythm, word choice. Do not change the story. Respect the word limit."),
		WithCapabilities(GoalPolish, GoalRevise),
		WithInput(
			essayflow.Field{Name: "essay", Type: essayflow.TypeString, Required: true, From: KeyEssayDraft},
			essayflow.Field{Name: "word_limit", Type: essayflow.TypeInteger, Default: 650, Constraint: "value >= 100 && value <= 1000"},
		),
		WithOutput(
			essayflow.Field{Name: "essay", Type: essayflow.TypeString, Required: true, MinLength: intp(50)},
			strList("edits", "notable line edits"),
			score("quality_score"),
		),
		WithSideEffect(KeyFinalEssay, "essay"),
		WithQuality("quality_score"),
	)
}

// Feedback critiques the stored draft. Its score rates the essay, not the
// critique, so it carries no quality field.
func Feedback() essayflow.ToolContract {
	return NewContract(GoalFeedback,
		WithDescription("Critiques the current draft."),
		WithInstruction("Give candid, specific feedback on the draft as an admissions reader would: what works, what to cut, what is missing."),
		WithCapabilities(GoalFeedback),
		WithInput(
			essayflow.Field{Name: "essay", Type: essayflow.TypeString, Required: true, From: KeyEssayDraft},
			essayflow.Field{Name: "essay_prompt", Type: essayflow.TypeString, From: KeyEssayPrompt},
		),
		WithOutput(
			required(strList("strengths", "")),
			required(strList("improvements", "")),
			essayflow.Field{Name: "score", Type: essayflow.TypeNumber, Description: "how strong the essay is today in [0,1]", Minimum: floatp(0), Maximum: floatp(1)},
		),
		WithSideEffect(KeyEssayFeedback, ""),
	)
}

// Guidance answers free-form questions; it is the fallback goal.
func Guidance() essayflow.ToolContract {
	return NewContract(GoalGuidance,
		WithDescription("Answers general questions about the application essay process."),
		WithInstruction("Answer the student's question about college essays directly and suggest the next concrete step."),
		WithCapabilities(GoalGuidance),
		WithInput(
			essayflow.Field{Name: "request", Type: essayflow.TypeString, Required: true, MinLength: intp(1)},
		),
		WithOutput(
			required(str("answer", "")),
			strList("next_steps", ""),
		),
		WithDependency(KeyUserProfile, false),
		WithDependency(KeyEssayDraft, false),
	)
}
