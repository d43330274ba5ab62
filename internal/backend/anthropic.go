package backend

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/essayflow"
)

// AnthropicConfig configures the Anthropic Messages API backend.
type AnthropicConfig struct {
	BaseURL   string        `envconfig:"BASE_URL" split_words:"true"`
	APIKey    string        `envconfig:"API_KEY" split_words:"true"`
	Model     string        `envconfig:"MODEL" split_words:"true" default:"claude-3-5-haiku-latest"`
	MaxTokens int64         `envconfig:"MAX_TOKENS" split_words:"true" default:"2048"`
	Timeout   time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"60s"`
}

// Anthropic asks Claude for a JSON object. The model has no JSON mode, so the
// answer may arrive fenced; the pipeline's parser tolerates that.
type Anthropic struct {
	client anthropic.Client
	cfg    AnthropicConfig
	logger zerolog.Logger
}

var _ essayflow.Backend = (*Anthropic)(nil)

// NewAnthropic builds the client from cfg.
func NewAnthropic(cfg AnthropicConfig, logger zerolog.Logger) (*Anthropic, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, essayflow.NewConfigurationError("anthropic backend requires an API key", nil)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}

	opts := []anthropicopt.RequestOption{
		anthropicopt.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		anthropicopt.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropicopt.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, anthropicopt.WithRequestTimeout(cfg.Timeout))
	}

	return &Anthropic{
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
		logger: logger.With().Str("backend", "anthropic").Logger(),
	}, nil
}

func (a *Anthropic) Call(ctx context.Context, req essayflow.BackendRequest) ([]byte, error) {
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.cfg.Model),
		MaxTokens: a.cfg.MaxTokens,
		System:    []anthropic.TextBlockParam{{Text: SystemPrompt(req)}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(UserPrompt(req))),
		},
	})
	if err != nil {
		status := 0
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		a.logger.Debug().Err(err).Int("status", status).Str("tool", req.Tool).Msg("messages call failed")
		return nil, classify("anthropic", status, err)
	}

	var b strings.Builder
	for _, cb := range msg.Content {
		if tb, ok := cb.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(tb.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return nil, emptyResponse("anthropic")
	}
	return []byte(text), nil
}
