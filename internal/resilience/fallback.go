package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/listenpipe/internal/observe"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has an
// open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// ErrNoEligible is wrapped into [ErrAllFailed] when no entry could take the
// call at all.
var ErrNoEligible = errors.New("no provider can serve the request")

// FallbackConfig configures a [FallbackGroup] and the per-entry circuit
// breakers it creates.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// Kind labels provider metrics ("stt" or "llm").
	Kind string

	// Metrics receives per-attempt request and error counts. Nil disables
	// recording.
	Metrics *observe.Metrics

	// Logger receives failover messages. Default: slog.Default().
	Logger *slog.Logger
}

// fallbackEntry pairs a provider value with its dedicated circuit breaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// EntryStatus is a point-in-time view of one group entry.
type EntryStatus struct {
	Name  string
	State State
}

// FallbackGroup wraps a primary and zero or more fallback instances of the same
// provider type. When the primary fails (or its circuit breaker is open), the
// next healthy fallback is tried in registration order.
//
// Entries must be added before the group is shared between goroutines.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
	log     *slog.Logger
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
// Additional fallbacks are registered via [FallbackGroup.AddFallback].
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	fg := &FallbackGroup[T]{
		cfg: cfg,
		log: cfg.Logger.With("kind", cfg.Kind),
	}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a fallback provider. Fallbacks are tried in the order they
// are added, after the primary.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	if cbCfg.Logger == nil {
		cbCfg.Logger = fg.cfg.Logger
	}
	if m := fg.cfg.Metrics; m != nil {
		next := cbCfg.OnStateChange
		kind := fg.cfg.Kind
		cbCfg.OnStateChange = func(name string, from, to State) {
			m.RecordBreakerTransition(context.Background(), name, kind, to.String())
			if next != nil {
				next(name, from, to)
			}
		}
	}
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Len returns the number of entries including the primary.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// Status reports the breaker state of every entry in order.
func (fg *FallbackGroup[T]) Status() []EntryStatus {
	out := make([]EntryStatus, len(fg.entries))
	for i := range fg.entries {
		out[i] = EntryStatus{Name: fg.entries[i].name, State: fg.entries[i].breaker.State()}
	}
	return out
}

// Available reports whether at least one entry would accept a call.
func (fg *FallbackGroup[T]) Available() bool {
	for i := range fg.entries {
		if fg.entries[i].breaker.State() != StateOpen {
			return true
		}
	}
	return false
}

// Execute tries fn against each entry in order until one succeeds.
// Circuit-breaker-open entries are skipped. Returns [ErrAllFailed] wrapped with
// the last error if every entry fails. Iteration stops early once ctx is done.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult tries fn against each entry in the group until one succeeds,
// returning both the result value and error. This is a package-level function
// because Go does not support method-level type parameters.
func ExecuteWithResult[T any, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	return executeEligible(ctx, fg, nil, fn)
}

// executeEligible is ExecuteWithResult restricted to entries for which
// eligible returns true. Ineligible entries are passed over without touching
// their breakers. A nil eligible accepts every entry.
func executeEligible[T any, R any](ctx context.Context, fg *FallbackGroup[T], eligible func(T) bool, fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
		tried   int
	)
	for i := range fg.entries {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		entry := &fg.entries[i]
		if eligible != nil && !eligible(entry.value) {
			fg.log.Debug("skipping provider (ineligible)", "provider", entry.name)
			continue
		}
		tried++
		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		fg.record(ctx, entry.name, err)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			fg.log.Debug("skipping provider (circuit open)", "provider", entry.name)
		} else if i+1 < len(fg.entries) {
			fg.log.Warn("provider failed, trying next", "provider", entry.name, "err", err)
		}
	}
	if tried == 0 && lastErr == nil {
		lastErr = ErrNoEligible
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

func (fg *FallbackGroup[T]) record(ctx context.Context, provider string, err error) {
	m := fg.cfg.Metrics
	if m == nil {
		return
	}
	status := observe.Status(err)
	if errors.Is(err, ErrCircuitOpen) {
		status = "circuit_open"
	}
	m.RecordProviderRequest(ctx, provider, fg.cfg.Kind, status)
	if err != nil && !errors.Is(err, ErrCircuitOpen) {
		m.RecordProviderError(ctx, provider, fg.cfg.Kind)
	}
}
