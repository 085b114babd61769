package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram", "whisper", "whisper-native", "openai"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references
// against the environment, applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	if len(expanded) > 0 {
		dec := yaml.NewDecoder(strings.NewReader(expanded))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Validate expects defaults to have been applied.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}

	errs = append(errs, validateEntry("providers.stt", "stt", cfg.Providers.STT)...)
	errs = append(errs, validateEntry("providers.llm", "llm", cfg.Providers.LLM)...)
	if cfg.Providers.STT.Name == "" {
		slog.Warn("providers.stt is not configured; transcription will be unavailable")
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is not configured; questions will not be refined")
	}

	p := cfg.Pipeline
	if p.Segmenter.SilenceThreshold < 0 || p.Segmenter.SilenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.segmenter.silence_threshold %.3f is out of range [0, 1]", p.Segmenter.SilenceThreshold))
	}
	if p.Segmenter.MinChunk > p.Segmenter.MaxChunk {
		errs = append(errs, fmt.Errorf("pipeline.segmenter.min_chunk %s exceeds max_chunk %s", p.Segmenter.MinChunk, p.Segmenter.MaxChunk))
	}
	if p.Segmenter.SilenceTimeout < 0 {
		errs = append(errs, errors.New("pipeline.segmenter.silence_timeout must not be negative"))
	}
	if p.Segmenter.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("pipeline.segmenter.sample_rate %d must be positive", p.Segmenter.SampleRate))
	}
	if p.Accumulator.MinDuration < 0 || p.Accumulator.MaxInterval < 0 {
		errs = append(errs, errors.New("pipeline.accumulator durations must not be negative"))
	}
	if p.Accumulator.MaxWords < 0 {
		errs = append(errs, fmt.Errorf("pipeline.accumulator.max_words %d must be positive", p.Accumulator.MaxWords))
	}
	if p.Accumulator.WordsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("pipeline.accumulator.words_per_second %.2f must be positive", p.Accumulator.WordsPerSecond))
	}
	if p.Transcription.Timeout < 0 {
		errs = append(errs, errors.New("pipeline.transcription.timeout must not be negative"))
	}
	if t := p.Detector.SimilarityThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("pipeline.detector.similarity_threshold %.2f is out of range [0, 1]", t))
	}
	if p.Refiner.Interval < 0 || p.Refiner.Timeout < 0 {
		errs = append(errs, errors.New("pipeline.refiner durations must not be negative"))
	}
	if p.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("pipeline.queue_size %d must be positive", p.QueueSize))
	}
	if cfg.Store.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("store.queue_size %d must be positive", cfg.Store.QueueSize))
	}

	return errors.Join(errs...)
}

// validateEntry checks a provider entry and its fallback chain.
func validateEntry(prefix, kind string, e ProviderEntry) []error {
	var errs []error
	validateProviderName(kind, e.Name)
	if e.Name == "" && len(e.Fallbacks) > 0 {
		errs = append(errs, fmt.Errorf("%s.fallbacks requires %s.name", prefix, prefix))
	}
	for i, fb := range e.Fallbacks {
		fp := fmt.Sprintf("%s.fallbacks[%d]", prefix, i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", fp))
		}
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%s.fallbacks cannot be nested", fp))
		}
		validateProviderName(kind, fb.Name)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
