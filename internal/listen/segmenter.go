package listen

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/listenpipe/pkg/audio"
)

const (
	defaultSilenceThreshold = 0.01
	defaultSilenceTimeout   = 800 * time.Millisecond
	defaultMaxChunk         = 10 * time.Second
	defaultMinChunk         = 500 * time.Millisecond
)

// SegmenterOption configures a [Segmenter].
type SegmenterOption func(*Segmenter)

// WithSilenceThreshold sets the absolute amplitude above which a sample
// counts as voiced. Default: 0.01.
func WithSilenceThreshold(t float32) SegmenterOption {
	return func(s *Segmenter) { s.threshold = t }
}

// WithSilenceTimeout sets how long the stream must stay below the threshold
// after speech before a chunk is cut. Default: 800ms.
func WithSilenceTimeout(d time.Duration) SegmenterOption {
	return func(s *Segmenter) { s.silenceTimeout = d }
}

// WithMaxChunk sets the hard cap on chunk length. Default: 10s.
func WithMaxChunk(d time.Duration) SegmenterOption {
	return func(s *Segmenter) { s.maxChunk = d }
}

// WithMinChunk sets the minimum buffered length for a silence cut.
// Default: 500ms.
func WithMinChunk(d time.Duration) SegmenterOption {
	return func(s *Segmenter) { s.minChunk = d }
}

// WithSegmenterSampleRate sets the input sample rate. Default: 16000.
func WithSegmenterSampleRate(rate int) SegmenterOption {
	return func(s *Segmenter) { s.sampleRate = rate }
}

// WithSegmenterClock sets the wall clock used to anchor the stream clock.
func WithSegmenterClock(now func() time.Time) SegmenterOption {
	return func(s *Segmenter) { s.now = now }
}

// Segmenter turns a continuous mono sample stream into bounded chunks using a
// silence/duration heuristic.
//
// Time is measured on the stream clock: samples consumed divided by the
// sample rate, anchored at the wall time of the first sample. Segmentation is
// therefore independent of how the stream is sliced into Feed calls.
//
// A Segmenter is not safe for concurrent use. It never blocks and never fails.
type Segmenter struct {
	threshold      float32
	silenceTimeout time.Duration
	maxChunk       time.Duration
	minChunk       time.Duration
	sampleRate     int
	now            func() time.Time

	silenceSamples int64
	maxSamples     int
	minSamples     int

	origin   time.Time
	consumed int64 // samples processed since origin

	buf      []float32
	bufStart int64 // stream index of buf[0]
	voiced   bool  // buf holds a voiced sample since the last cut

	// lastVoiced is the stream index of the most recent voiced sample. It
	// survives cuts so speech right after a cut is tracked correctly.
	lastVoiced int64

	// carry holds samples of the last Feed call that came after a cut.
	carry []float32
}

// NewSegmenter returns a Segmenter with the given options applied.
func NewSegmenter(opts ...SegmenterOption) *Segmenter {
	s := &Segmenter{
		threshold:      defaultSilenceThreshold,
		silenceTimeout: defaultSilenceTimeout,
		maxChunk:       defaultMaxChunk,
		minChunk:       defaultMinChunk,
		sampleRate:     audio.SampleRate,
		now:            time.Now,
		lastVoiced:     -1,
	}
	for _, o := range opts {
		o(s)
	}
	if s.sampleRate <= 0 {
		s.sampleRate = audio.SampleRate
	}
	s.silenceSamples = int64(audio.DurationSamples(s.silenceTimeout, s.sampleRate))
	s.maxSamples = max(audio.DurationSamples(s.maxChunk, s.sampleRate), 1)
	s.minSamples = audio.DurationSamples(s.minChunk, s.sampleRate)
	return s
}

// Feed appends samples to the buffer and returns a chunk when a cut
// condition fires. It emits at most one chunk per call. Samples that follow a
// cut are held back and consumed first by the next call; callers feeding
// large blocks drain them with Feed(nil) until it reports false.
func (s *Segmenter) Feed(samples []float32) (audio.Chunk, bool) {
	if len(s.carry) > 0 {
		samples = append(s.carry, samples...)
		s.carry = nil
	}
	if len(samples) == 0 {
		return audio.Chunk{}, false
	}
	if s.origin.IsZero() {
		s.origin = s.now()
	}

	for i, v := range samples {
		idx := s.consumed
		s.consumed++
		if len(s.buf) == 0 {
			s.bufStart = idx
		}
		s.buf = append(s.buf, v)
		if v > s.threshold || v < -s.threshold {
			s.lastVoiced = idx
			s.voiced = true
		}

		if len(s.buf) >= s.maxSamples {
			if !s.voiced {
				// Pure silence at the cap carries no content.
				s.buf = s.buf[:0]
				continue
			}
			c := s.cut(audio.TriggerMaxLength)
			s.hold(samples[i+1:])
			return c, true
		}

		// Silence is measured up to the end of the current sample.
		if s.voiced && len(s.buf) >= s.minSamples && s.consumed-1-s.lastVoiced >= s.silenceSamples {
			c := s.cut(audio.TriggerSilence)
			s.hold(samples[i+1:])
			return c, true
		}
	}
	return audio.Chunk{}, false
}

// Buffered returns the length of audio waiting in the buffer.
func (s *Segmenter) Buffered() time.Duration {
	return audio.SamplesDuration(len(s.buf)+len(s.carry), s.sampleRate)
}

// Reset discards buffered audio and restarts the stream clock.
func (s *Segmenter) Reset() {
	s.buf = nil
	s.carry = nil
	s.voiced = false
	s.origin = time.Time{}
	s.consumed = 0
	s.bufStart = 0
	s.lastVoiced = -1
}

func (s *Segmenter) hold(rest []float32) {
	if len(rest) > 0 {
		s.carry = slices.Clone(rest)
	}
}

func (s *Segmenter) cut(reason audio.TriggerReason) audio.Chunk {
	samples := s.buf
	s.buf = make([]float32, 0, cap(samples))
	s.voiced = false
	return audio.Chunk{
		ID:        uuid.NewString(),
		Samples:   samples,
		Timestamp: s.origin.Add(audio.SamplesDuration(int(s.bufStart), s.sampleRate)),
		Duration:  audio.SamplesDuration(len(samples), s.sampleRate),
		Trigger:   reason,
	}
}
