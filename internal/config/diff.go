package config

import (
	"reflect"
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs. Fields that can be
// applied to a running pipeline are reported individually; everything else
// is summarised in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	NoisePhrasesChanged bool
	NewNoisePhrases     []string

	RefinerIntervalChanged bool
	NewRefinerInterval     time.Duration

	// RestartRequired lists the dotted config sections whose changes only
	// take effect after a restart.
	RestartRequired []string
}

// HotReloadable reports whether d carries any change that can be applied
// without a restart.
func (d ConfigDiff) HotReloadable() bool {
	return d.LogLevelChanged || d.NoisePhrasesChanged || d.RefinerIntervalChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !slices.Equal(old.Pipeline.Detector.NoisePhrases, new.Pipeline.Detector.NoisePhrases) {
		d.NoisePhrasesChanged = true
		d.NewNoisePhrases = slices.Clone(new.Pipeline.Detector.NoisePhrases)
	}

	if old.Pipeline.Refiner.Interval != new.Pipeline.Refiner.Interval {
		d.RefinerIntervalChanged = true
		d.NewRefinerInterval = new.Pipeline.Refiner.Interval
	}

	// Compare everything else with the hot-reloadable fields masked out.
	o, n := *old, *new
	o.Server.LogLevel, n.Server.LogLevel = "", ""
	o.Pipeline.Detector.NoisePhrases, n.Pipeline.Detector.NoisePhrases = nil, nil
	o.Pipeline.Refiner.Interval, n.Pipeline.Refiner.Interval = 0, 0

	check := func(section string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			d.RestartRequired = append(d.RestartRequired, section)
		}
	}
	check("server", o.Server, n.Server)
	check("providers.stt", o.Providers.STT, n.Providers.STT)
	check("providers.llm", o.Providers.LLM, n.Providers.LLM)
	check("pipeline.segmenter", o.Pipeline.Segmenter, n.Pipeline.Segmenter)
	check("pipeline.accumulator", o.Pipeline.Accumulator, n.Pipeline.Accumulator)
	check("pipeline.transcription", o.Pipeline.Transcription, n.Pipeline.Transcription)
	check("pipeline.detector", o.Pipeline.Detector, n.Pipeline.Detector)
	check("pipeline.refiner", o.Pipeline.Refiner, n.Pipeline.Refiner)
	check("pipeline.queue_size", o.Pipeline.QueueSize, n.Pipeline.QueueSize)
	check("store", o.Store, n.Store)

	return d
}
