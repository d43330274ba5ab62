package backend

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	oshared "github.com/openai/openai-go/shared"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/essayflow"
)

// OpenAIConfig configures any OpenAI-compatible chat completions endpoint.
// The defaults point at OpenRouter.
type OpenAIConfig struct {
	BaseURL     string        `envconfig:"BASE_URL" split_words:"true" default:"https://openrouter.ai/api/v1"`
	APIKey      string        `envconfig:"API_KEY" split_words:"true"`
	Model       string        `envconfig:"MODEL" split_words:"true" default:"openai/gpt-4o-mini"`
	MaxTokens   int64         `envconfig:"MAX_TOKENS" split_words:"true" default:"2000"`
	Temperature float64       `envconfig:"TEMPERATURE" split_words:"true" default:"0.4"`
	Timeout     time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"60s"`
	SiteURL     string        `envconfig:"SITE_URL" split_words:"true"`
	SiteName    string        `envconfig:"SITE_NAME" split_words:"true"`
}

// NewOpenAIClient creates an OpenAI SDK client for cfg. It returns nil when
// no API key is configured.
func NewOpenAIClient(cfg OpenAIConfig) *openai.Client {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil
	}

	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithMaxRetries(0),
	}
	if trimmed := strings.TrimRight(cfg.BaseURL, "/"); trimmed != "" {
		opts = append(opts, option.WithBaseURL(trimmed))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	// OpenRouter app attribution
	if cfg.SiteURL != "" {
		opts = append(opts, option.WithHeader("HTTP-Referer", cfg.SiteURL))
	}
	if cfg.SiteName != "" {
		opts = append(opts, option.WithHeader("X-Title", cfg.SiteName))
	}

	client := openai.NewClient(opts...)
	return &client
}

// OpenAI calls a chat completions endpoint in JSON object mode. Retries are
// left to the pipeline, so the SDK's own retries are disabled.
type OpenAI struct {
	client *openai.Client
	cfg    OpenAIConfig
	logger zerolog.Logger
}

var _ essayflow.Backend = (*OpenAI)(nil)

// NewOpenAI wraps client. A nil client means no API key was configured.
func NewOpenAI(client *openai.Client, cfg OpenAIConfig, logger zerolog.Logger) (*OpenAI, error) {
	if client == nil {
		return nil, essayflow.NewConfigurationError("openai backend requires an API key", nil)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, essayflow.NewConfigurationError("openai backend requires a model", nil)
	}
	return &OpenAI{client: client, cfg: cfg, logger: logger.With().Str("backend", "openai").Logger()}, nil
}

func (o *OpenAI) Call(ctx context.Context, req essayflow.BackendRequest) ([]byte, error) {
	params := openai.ChatCompletionNewParams{
		Model: oshared.ChatModel(o.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(SystemPrompt(req)),
			openai.UserMessage(UserPrompt(req)),
		},
	}
	obj := oshared.NewResponseFormatJSONObjectParam()
	params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{OfJSONObject: &obj}
	if o.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(o.cfg.MaxTokens)
	}
	if o.cfg.Temperature > 0 {
		params.Temperature = openai.Float(o.cfg.Temperature)
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		status := 0
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		o.logger.Debug().Err(err).Int("status", status).Str("tool", req.Tool).Msg("chat completion failed")
		return nil, classify("openai", status, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, emptyResponse("openai")
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return nil, emptyResponse("openai")
	}
	o.logger.Debug().Str("tool", req.Tool).Int64("total_tokens", resp.Usage.TotalTokens).Msg("chat completion finished")
	return []byte(content), nil
}
