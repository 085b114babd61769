package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/listenpipe/internal/config"
)

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Pipeline.Accumulator.MaxWords = 12
	cfg.Pipeline.Detector.SecondaryLanguages = []string{}
	config.ApplyDefaults(cfg)

	if cfg.Pipeline.Accumulator.MaxWords != 12 {
		t.Errorf("max_words: got %d, want 12", cfg.Pipeline.Accumulator.MaxWords)
	}
	if len(cfg.Pipeline.Detector.SecondaryLanguages) != 0 {
		t.Errorf("explicit empty secondary_languages replaced with %v", cfg.Pipeline.Detector.SecondaryLanguages)
	}
	if cfg.Pipeline.Accumulator.MaxInterval != config.DefaultMaxInterval {
		t.Errorf("max_interval: got %s, want %s", cfg.Pipeline.Accumulator.MaxInterval, config.DefaultMaxInterval)
	}
}

func TestApplyDefaults_SecondaryLanguages(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	if want := []string{"ja", "en"}; !slices.Equal(cfg.Pipeline.Detector.SecondaryLanguages, want) {
		t.Errorf("secondary_languages: got %v, want %v", cfg.Pipeline.Detector.SecondaryLanguages, want)
	}
}

func TestValidate_DefaultsAreValid(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("defaults should validate, got: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for _, kind := range []string{"llm", "stt"} {
		names := config.ValidProviderNames[kind]
		if len(names) == 0 {
			t.Fatalf("ValidProviderNames[%q] should not be empty", kind)
		}
		if !slices.Contains(names, "openai") {
			t.Errorf("ValidProviderNames[%q] should contain \"openai\"", kind)
		}
	}
}
