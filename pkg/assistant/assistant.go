// Package assistant wires the essayflow components into a ready to use
// Coach from Settings: registry and contract file, reasoning backend,
// planner, pipeline, completion detector, memory store, event bus and
// metrics.
package assistant

import (
	"context"
	"errors"
	"fmt"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googleai"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ZanzyTHEbar/essayflow"
	"github.com/ZanzyTHEbar/essayflow/internal/backend"
	"github.com/ZanzyTHEbar/essayflow/internal/cache"
	"github.com/ZanzyTHEbar/essayflow/internal/completion"
	"github.com/ZanzyTHEbar/essayflow/internal/eventbus"
	"github.com/ZanzyTHEbar/essayflow/internal/memory"
	"github.com/ZanzyTHEbar/essayflow/internal/metrics"
	"github.com/ZanzyTHEbar/essayflow/internal/pipeline"
	"github.com/ZanzyTHEbar/essayflow/internal/planner"
	"github.com/ZanzyTHEbar/essayflow/internal/registry"
	"github.com/ZanzyTHEbar/essayflow/internal/tools"
)

// Assistant is a Coach together with the components it was built from.
type Assistant struct {
	*essayflow.Coach

	Registry *registry.Registry
	Backend  essayflow.Backend
	Memory   essayflow.MemoryProvider
	Events   eventbus.EventBus
	Metrics  *metrics.Metrics

	logger  zerolog.Logger
	closers []func() error
}

type options struct {
	logger     zerolog.Logger
	registerer prometheus.Registerer
	backend    essayflow.Backend
	memory     essayflow.MemoryProvider
}

// Option overrides a component that Settings would otherwise build.
type Option func(*options)

// WithLogger sets the logger handed to every component.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRegisterer registers the metrics on reg instead of a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithBackend replaces the backend selected by Settings.Backend.
func WithBackend(b essayflow.Backend) Option {
	return func(o *options) {
		o.backend = b
	}
}

// WithMemory replaces the store selected by Settings.Memory.
func WithMemory(m essayflow.MemoryProvider) Option {
	return func(o *options) {
		o.memory = m
	}
}

// New builds an Assistant. Components opened here are released by Close,
// also when New fails part way.
func New(ctx context.Context, s Settings, opts ...Option) (a *Assistant, err error) {
	o := options{logger: log.Logger}
	for _, opt := range opts {
		opt(&o)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	a = &Assistant{logger: o.logger}
	defer func() {
		if err != nil {
			_ = a.Close()
			a = nil
		}
	}()

	a.Registry, err = newRegistry(s, o.logger)
	if err != nil {
		return a, err
	}

	a.Backend = o.backend
	if a.Backend == nil {
		if a.Backend, err = newBackend(ctx, s, o.logger); err != nil {
			return a, err
		}
	}

	a.Memory = o.memory
	if a.Memory == nil {
		if a.Memory, err = a.openMemory(ctx, s); err != nil {
			return a, err
		}
	}

	a.Metrics = metrics.New(o.registerer)

	bus := eventbus.NewChannelEventBus(
		eventbus.WithBufferSize(s.EventBuffer),
		eventbus.WithLogger(o.logger),
	)
	a.Events = bus
	a.closers = append(a.closers, bus.Close)
	if _, err = bus.SubscribeAll(traceEvents(o.logger)); err != nil {
		return a, err
	}

	invoker := pipeline.New(a.Backend,
		pipeline.WithConfig(s.Config),
		pipeline.WithLogger(o.logger),
		pipeline.WithMetrics(a.Metrics),
		pipeline.WithValidators(a.Registry),
	)

	plannerOpts := []planner.Option{planner.WithLogger(o.logger)}
	if s.Classifier == ClassifierBackend {
		c := cache.NewInMemoryCache(s.ClassifierTTL, cache.WithLogger(o.logger))
		a.closers = append(a.closers, func() error { c.Close(); return nil })
		plannerOpts = append(plannerOpts, planner.WithClassifier(planner.NewBackendClassifier(
			a.Backend, a.Registry.Capabilities(),
			planner.WithCache(c),
			planner.WithClassifierLogger(o.logger),
		)))
	}

	a.Coach, err = essayflow.New(
		essayflow.WithConfig(s.Config),
		essayflow.WithRegistry(a.Registry),
		essayflow.WithPlanner(planner.New(a.Registry, plannerOpts...)),
		essayflow.WithInvoker(invoker),
		essayflow.WithDetector(completion.New(a.Registry, s.Thresholds)),
		essayflow.WithMemory(a.Memory),
		essayflow.WithEventBus(bus),
		essayflow.WithLogger(o.logger),
		essayflow.WithMetrics(a.Metrics),
	)
	if err != nil {
		return a, err
	}

	o.logger.Info().
		Str("backend", s.Backend).
		Str("memory", s.Memory).
		Str("classifier", s.Classifier).
		Int("tools", len(a.Registry.List())).
		Msg("assistant ready")
	return a, nil
}

// Close releases the event bus, caches and stores in reverse opening order.
func (a *Assistant) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Seed writes values into userID's memory, for example a profile before the
// first turn.
func (a *Assistant) Seed(ctx context.Context, userID string, values map[string]any) error {
	mc, err := a.Memory.ForUser(ctx, userID)
	if err != nil {
		return err
	}
	for k, v := range values {
		if err := mc.Set(ctx, k, v); err != nil {
			return fmt.Errorf("seed %s: %w", k, err)
		}
	}
	return nil
}

func newRegistry(s Settings, logger zerolog.Logger) (*registry.Registry, error) {
	reg, err := tools.NewRegistry(registry.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if s.ContractsFile != "" {
		cf, err := registry.LoadInto(reg, s.ContractsFile)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("file", s.ContractsFile).Int("tools", len(cf.Tools)).Msg("contracts loaded")
	}
	if err := reg.CheckReferences(); err != nil {
		return nil, err
	}
	return reg, nil
}

func newBackend(ctx context.Context, s Settings, logger zerolog.Logger) (essayflow.Backend, error) {
	switch s.Backend {
	case BackendGenkit:
		genkitOpts := []genkit.GenkitOption{
			genkit.WithPlugins(&googleai.GoogleAI{APIKey: s.GeminiAPIKey}),
			genkit.WithDefaultModel(s.GenkitModel),
		}
		if s.GenkitPromptDir != "" {
			genkitOpts = append(genkitOpts, genkit.WithPromptDir(s.GenkitPromptDir))
		}
		g, err := genkit.Init(ctx, genkitOpts...)
		if err != nil {
			return nil, essayflow.NewConfigurationError("genkit initialization failed", err)
		}
		return backend.NewGenkit(g, s.GenkitModel, logger)
	case BackendOpenAI:
		return backend.NewOpenAI(backend.NewOpenAIClient(s.OpenAI), s.OpenAI, logger)
	case BackendAnthropic:
		return backend.NewAnthropic(s.Anthropic, logger)
	default:
		return backend.NewStub(), nil
	}
}

func (a *Assistant) openMemory(ctx context.Context, s Settings) (essayflow.MemoryProvider, error) {
	withLogger := memory.WithLogger(a.logger)
	switch s.Memory {
	case MemoryFile:
		return memory.NewFileStore(s.MemoryFile, withLogger)
	case MemoryPostgres:
		store := memory.OpenPostgres(s.DatabaseURL, withLogger)
		a.closers = append(a.closers, store.Close)
		if s.MigrateMemory {
			if err := store.CreateSchema(ctx); err != nil {
				return nil, err
			}
		}
		return store, nil
	default:
		return memory.NewStore(withLogger), nil
	}
}

// traceEvents logs every lifecycle event at debug level.
func traceEvents(logger zerolog.Logger) eventbus.EventHandler {
	return func(_ context.Context, evt eventbus.Event) error {
		logger.Debug().
			Str("event", string(evt.Type())).
			Str("source", evt.Source()).
			Fields(evt.Metadata()).
			Msg("event")
		return nil
	}
}
