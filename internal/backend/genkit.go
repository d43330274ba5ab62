package backend

import (
	"context"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/essayflow"
)

// Genkit generates through a Genkit instance. When the instance has a
// dotprompt registered under the tool's name, that prompt is executed with
// the request as input; otherwise the built-in prompts are sent to model.
type Genkit struct {
	g      *genkit.Genkit
	model  string
	logger zerolog.Logger
}

var _ essayflow.Backend = (*Genkit)(nil)

// NewGenkit wraps an initialised Genkit instance. An empty model uses the
// instance's default model.
func NewGenkit(g *genkit.Genkit, model string, logger zerolog.Logger) (*Genkit, error) {
	if g == nil {
		return nil, essayflow.NewConfigurationError("genkit backend requires an initialised instance", nil)
	}
	return &Genkit{g: g, model: model, logger: logger.With().Str("backend", "genkit").Logger()}, nil
}

func (k *Genkit) Call(ctx context.Context, req essayflow.BackendRequest) ([]byte, error) {
	var (
		text string
		err  error
	)
	if p := genkit.LookupPrompt(k.g, req.Tool); p != nil {
		text, err = k.execute(ctx, p, req)
	} else {
		opts := []ai.GenerateOption{
			ai.WithSystem(SystemPrompt(req)),
			ai.WithPrompt(UserPrompt(req)),
		}
		if k.model != "" {
			opts = append(opts, ai.WithModelName(k.model))
		}
		text, err = genkit.GenerateText(ctx, k.g, opts...)
	}
	if err != nil {
		k.logger.Debug().Err(err).Str("tool", req.Tool).Msg("generate failed")
		return nil, classify("genkit", 0, err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, emptyResponse("genkit")
	}
	return []byte(text), nil
}

func (k *Genkit) execute(ctx context.Context, p *ai.Prompt, req essayflow.BackendRequest) (string, error) {
	input := map[string]any{
		"tool":            req.Tool,
		"instruction":     req.Instruction,
		"inputs":          req.Inputs,
		"personalization": req.Personalization,
		"feedback":        req.Feedback,
		"output_schema":   indent(req.OutputSchema),
	}
	resp, err := p.Execute(ctx, ai.WithInput(input))
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}
