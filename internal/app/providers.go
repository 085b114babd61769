package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/listenpipe/internal/config"
	"github.com/MrWong99/listenpipe/internal/observe"
	"github.com/MrWong99/listenpipe/internal/resilience"
	"github.com/MrWong99/listenpipe/pkg/provider/llm"
	"github.com/MrWong99/listenpipe/pkg/provider/stt"
)

// Providers holds the two engines the pipeline needs. Injected providers are
// used as given; providers built from config are wrapped in fallback groups.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider

	// STTAvailable and LLMAvailable report whether at least one circuit
	// breaker of the respective group is not open. Nil means always
	// available.
	STTAvailable func() bool
	LLMAvailable func() bool
}

// BuildProviders creates the configured engines through reg. Each slot is a
// fallback group: the primary entry first, then its fallbacks in order,
// every one behind its own circuit breaker. The two slots are constructed
// concurrently since native models can take seconds to load.
func BuildProviders(ctx context.Context, cfg config.ProvidersConfig, reg *config.Registry, m *observe.Metrics, log *slog.Logger) (*Providers, error) {
	if log == nil {
		log = slog.Default()
	}
	var (
		sttGroup *resilience.STTFallback
		llmGroup *resilience.LLMFallback
	)

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sttGroup, err = buildSTT(cfg.STT, reg, m, log)
		return err
	})
	g.Go(func() error {
		var err error
		llmGroup, err = buildLLM(cfg.LLM, reg, m, log)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &Providers{
		STT:          sttGroup,
		LLM:          llmGroup,
		STTAvailable: sttGroup.Available,
		LLMAvailable: llmGroup.Available,
	}, nil
}

func fallbackConfig(kind string, m *observe.Metrics, log *slog.Logger) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{Logger: log},
		Kind:           kind,
		Metrics:        m,
		Logger:         log,
	}
}

func buildSTT(entry config.ProviderEntry, reg *config.Registry, m *observe.Metrics, log *slog.Logger) (*resilience.STTFallback, error) {
	if entry.Name == "" {
		return nil, fmt.Errorf("app: providers.stt.name is required")
	}
	primary, err := reg.CreateSTT(entry)
	if err != nil {
		return nil, fmt.Errorf("app: create stt %q: %w", entry.Name, err)
	}
	group := resilience.NewSTTFallback(primary, entry.Name, fallbackConfig("stt", m, log))
	for _, fb := range entry.Fallbacks {
		p, err := reg.CreateSTT(fb)
		if err != nil {
			return nil, fmt.Errorf("app: create stt fallback %q: %w", fb.Name, err)
		}
		group.AddFallback(fb.Name, p)
	}
	return group, nil
}

func buildLLM(entry config.ProviderEntry, reg *config.Registry, m *observe.Metrics, log *slog.Logger) (*resilience.LLMFallback, error) {
	if entry.Name == "" {
		return nil, fmt.Errorf("app: providers.llm.name is required")
	}
	primary, err := reg.CreateLLM(entry)
	if err != nil {
		return nil, fmt.Errorf("app: create llm %q: %w", entry.Name, err)
	}
	group := resilience.NewLLMFallback(primary, entry.Name, fallbackConfig("llm", m, log))
	for _, fb := range entry.Fallbacks {
		p, err := reg.CreateLLM(fb)
		if err != nil {
			return nil, fmt.Errorf("app: create llm fallback %q: %w", fb.Name, err)
		}
		group.AddFallback(fb.Name, p)
	}
	return group, nil
}
