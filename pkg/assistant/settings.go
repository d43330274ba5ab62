package assistant

import (
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/essayflow"
	"github.com/ZanzyTHEbar/essayflow/internal/backend"
	"github.com/ZanzyTHEbar/essayflow/internal/config"
	"github.com/ZanzyTHEbar/essayflow/internal/logger"
)

// EnvPrefix prefixes every environment variable read by LoadSettings.
const EnvPrefix = "ESSAYFLOW"

// Backend kinds.
const (
	BackendStub      = "stub"
	BackendGenkit    = "genkit"
	BackendOpenAI    = "openai"
	BackendAnthropic = "anthropic"
)

// Memory kinds.
const (
	MemoryInProcess = "memory"
	MemoryFile      = "file"
	MemoryPostgres  = "postgres"
)

// Classifier kinds.
const (
	ClassifierKeyword = "keyword"
	ClassifierBackend = "backend"
)

// Settings selects and configures the components of an Assistant. The
// orchestration limits are embedded so they share the ESSAYFLOW prefix.
type Settings struct {
	essayflow.Config

	Backend string `envconfig:"BACKEND" default:"stub"`
	Memory  string `envconfig:"MEMORY" default:"memory"`

	// Extra contracts registered next to the built-in catalog
	ContractsFile string `split_words:"true"`

	MemoryFile  string `split_words:"true" default:"essayflow-memory.json"`
	DatabaseURL string `split_words:"true"`
	// Create the memory table on start
	MigrateMemory bool `split_words:"true" default:"true"`

	Classifier    string        `default:"keyword"`
	ClassifierTTL time.Duration `split_words:"true" default:"15m"`

	GenkitModel     string `split_words:"true" default:"googleai/gemini-2.0-flash"`
	GenkitPromptDir string `split_words:"true"`
	GeminiAPIKey    string `split_words:"true"`

	OpenAI    backend.OpenAIConfig    `envconfig:"OPENAI"`
	Anthropic backend.AnthropicConfig `envconfig:"ANTHROPIC"`

	EventBuffer int `split_words:"true" default:"100"`

	Log logger.Config `envconfig:"LOG"`
}

// DefaultSettings runs fully offline: stub backend, in-process memory.
func DefaultSettings() Settings {
	return Settings{
		Config:        essayflow.DefaultConfig(),
		Backend:       BackendStub,
		Memory:        MemoryInProcess,
		MemoryFile:    "essayflow-memory.json",
		MigrateMemory: true,
		Classifier:    ClassifierKeyword,
		ClassifierTTL: 15 * time.Minute,
		GenkitModel:   "googleai/gemini-2.0-flash",
		EventBuffer:   100,
	}
}

// LoadSettings reads the settings from the environment after exporting
// envFile (or ./.env when empty).
func LoadSettings(envFile string) (*Settings, error) {
	s, err := config.New[Settings](EnvPrefix, envFile)
	if err != nil {
		return nil, essayflow.NewConfigurationError("load settings", err)
	}
	return s, nil
}

// Validate checks the limits and that every selected component has what it
// needs to start.
func (s Settings) Validate() error {
	if err := s.Config.Validate(); err != nil {
		return err
	}
	switch s.Backend {
	case BackendStub, BackendGenkit:
	case BackendOpenAI:
		if s.OpenAI.APIKey == "" {
			return essayflow.NewConfigurationError("openai backend requires ESSAYFLOW_OPENAI_API_KEY", nil)
		}
	case BackendAnthropic:
		if s.Anthropic.APIKey == "" {
			return essayflow.NewConfigurationError("anthropic backend requires ESSAYFLOW_ANTHROPIC_API_KEY", nil)
		}
	default:
		return essayflow.NewConfigurationError(fmt.Sprintf("unknown backend %q", s.Backend), nil)
	}
	switch s.Memory {
	case MemoryInProcess:
	case MemoryFile:
		if s.MemoryFile == "" {
			return essayflow.NewConfigurationError("file memory requires a path", nil)
		}
	case MemoryPostgres:
		if s.DatabaseURL == "" {
			return essayflow.NewConfigurationError("postgres memory requires ESSAYFLOW_DATABASE_URL", nil)
		}
	default:
		return essayflow.NewConfigurationError(fmt.Sprintf("unknown memory %q", s.Memory), nil)
	}
	switch s.Classifier {
	case ClassifierKeyword, ClassifierBackend:
	default:
		return essayflow.NewConfigurationError(fmt.Sprintf("unknown classifier %q", s.Classifier), nil)
	}
	return nil
}
