package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/listenpipe/pkg/provider/llm"
	"github.com/MrWong99/listenpipe/pkg/provider/stt"
)

var (
	// ErrProviderNotRegistered is returned when no factory exists for the
	// requested provider name.
	ErrProviderNotRegistered = errors.New("config: provider not registered")

	// ErrNilProvider is returned when a factory reports success without
	// returning a provider.
	ErrNilProvider = errors.New("config: factory returned no provider")
)

// Factory builds a provider from its config entry.
type Factory[P any] func(ProviderEntry) (P, error)

// build runs f outside the registry lock; model loading can take seconds.
func build[P comparable](kind string, e ProviderEntry, f Factory[P]) (P, error) {
	var zero P
	if f == nil {
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, e.Name)
	}
	p, err := f(e)
	if err != nil {
		return zero, err
	}
	if p == zero {
		return zero, fmt.Errorf("%w: %s/%q", ErrNilProvider, kind, e.Name)
	}
	return p, nil
}

// Registry maps provider names to factories for the transcription and
// refinement engines. It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	stt map[string]Factory[stt.Provider]
	llm map[string]Factory[llm.Provider]
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt: make(map[string]Factory[stt.Provider]),
		llm: make(map[string]Factory[llm.Provider]),
	}
}

// RegisterSTT registers a transcription engine factory under name,
// replacing any previous one.
func (r *Registry) RegisterSTT(name string, f Factory[stt.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = f
}

// RegisterLLM registers a refinement engine factory under name.
func (r *Registry) RegisterLLM(name string, f Factory[llm.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = f
}

// CreateSTT builds the engine registered under e.Name.
func (r *Registry) CreateSTT(e ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	f := r.stt[e.Name]
	r.mu.RUnlock()
	return build("stt", e, f)
}

// CreateLLM builds the engine registered under e.Name.
func (r *Registry) CreateLLM(e ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	f := r.llm[e.Name]
	r.mu.RUnlock()
	return build("llm", e, f)
}

// STTNames returns the registered transcription engine names, sorted.
func (r *Registry) STTNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.stt))
}

// LLMNames returns the registered refinement engine names, sorted.
func (r *Registry) LLMNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.llm))
}
