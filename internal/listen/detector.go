package listen

import (
	"regexp"
	"sync"

	"github.com/google/uuid"
)

const (
	minClassifyRunes           = 3
	minValidRunes              = 5
	defaultSimilarityThreshold = 0.8
)

// DetectorOption configures a [Detector].
type DetectorOption func(*Detector)

// WithPrimaryLanguage sets the primary pattern family. Default: "ko".
func WithPrimaryLanguage(lang string) DetectorOption {
	return func(d *Detector) { d.primary = lang }
}

// WithSecondaryLanguages sets the fallback pattern families, tried in order.
// Default: "ja", "en".
func WithSecondaryLanguages(langs ...string) DetectorOption {
	return func(d *Detector) { d.secondary = langs }
}

// WithNoisePhrases replaces the default noise list.
func WithNoisePhrases(phrases []string) DetectorOption {
	return func(d *Detector) { d.noise = noiseSet(phrases) }
}

// WithSimilarityThreshold sets the similarity at or above which two
// questions count as duplicates. Default: 0.8.
func WithSimilarityThreshold(t float64) DetectorOption {
	return func(d *Detector) { d.threshold = t }
}

// Detector classifies transcriptions as question-like and filters noise and
// near-duplicates. It is safe for concurrent use; the noise list can be
// replaced at runtime.
type Detector struct {
	primary   string
	secondary []string
	threshold float64

	mu    sync.RWMutex
	noise map[string]struct{}
}

// NewDetector returns a Detector with the given options applied.
func NewDetector(opts ...DetectorOption) *Detector {
	d := &Detector{
		primary:   "ko",
		secondary: []string{"ja", "en"},
		threshold: defaultSimilarityThreshold,
		noise:     noiseSet(defaultNoisePhrases),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Classify returns a question carrying the whole transcription text when the
// text matches the primary or a secondary pattern family. Texts shorter than
// three characters are rejected.
func (d *Detector) Classify(r TranscriptionResult) (DetectedQuestion, bool) {
	if runeLen(r.Text) < minClassifyRunes {
		return DetectedQuestion{}, false
	}
	lang, ok := d.match(r.Text)
	if !ok {
		return DetectedQuestion{}, false
	}
	return DetectedQuestion{
		ID:             uuid.NewString(),
		Text:           r.Text,
		Timestamp:      r.Timestamp,
		Confidence:     r.Confidence,
		Language:       lang,
		SourceResultID: r.ID,
	}, true
}

// IsValid rejects questions shorter than five characters and questions whose
// text is on the noise list.
func (d *Detector) IsValid(q DetectedQuestion) bool {
	if runeLen(q.Text) < minValidRunes {
		return false
	}
	key := normalizeNoise(q.Text)
	if key == "" {
		return false
	}
	d.mu.RLock()
	_, noisy := d.noise[key]
	d.mu.RUnlock()
	return !noisy
}

// Dedupe drops questions shorter than five characters, then greedily keeps a
// question only if its similarity to every question kept so far is below the
// threshold. Order is preserved.
func (d *Detector) Dedupe(qs []DetectedQuestion) []DetectedQuestion {
	kept := make([]DetectedQuestion, 0, len(qs))
	for _, q := range qs {
		if runeLen(q.Text) < minValidRunes {
			continue
		}
		dup := false
		for _, k := range kept {
			if Similarity(q.Text, k.Text) >= d.threshold {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, q)
		}
	}
	return kept
}

// SetNoisePhrases replaces the noise list.
func (d *Detector) SetNoisePhrases(phrases []string) {
	set := noiseSet(phrases)
	d.mu.Lock()
	d.noise = set
	d.mu.Unlock()
}

func (d *Detector) match(text string) (string, bool) {
	if matchAny(questionPatterns[d.primary], text) {
		return d.primary, true
	}
	for _, lang := range d.secondary {
		if matchAny(questionPatterns[lang], text) {
			return lang, true
		}
	}
	return "", false
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func noiseSet(phrases []string) map[string]struct{} {
	set := make(map[string]struct{}, len(phrases))
	for _, p := range phrases {
		if k := normalizeNoise(p); k != "" {
			set[k] = struct{}{}
		}
	}
	return set
}
