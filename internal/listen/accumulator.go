package listen

import (
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/listenpipe/pkg/audio"
)

const (
	defaultMinUnitDuration = 5 * time.Second
	defaultMaxInterval     = 10 * time.Second
	defaultMaxWords        = 40
	defaultWordsPerSecond  = 2.5
)

// AccumulatorOption configures an [Accumulator].
type AccumulatorOption func(*Accumulator)

// WithMinUnitDuration sets the accumulated audio length that triggers a
// flush. Default: 5s.
func WithMinUnitDuration(d time.Duration) AccumulatorOption {
	return func(a *Accumulator) { a.minDuration = d }
}

// WithMaxInterval sets the upper bound on time between flushes. Default: 10s.
func WithMaxInterval(d time.Duration) AccumulatorOption {
	return func(a *Accumulator) { a.maxInterval = d }
}

// WithMaxWords sets the estimated word ceiling that triggers a flush.
// Default: 40.
func WithMaxWords(n int) AccumulatorOption {
	return func(a *Accumulator) { a.maxWords = n }
}

// WithWordsPerSecond sets the speech rate used to estimate word counts from
// audio length. Default: 2.5.
func WithWordsPerSecond(w float64) AccumulatorOption {
	return func(a *Accumulator) { a.wordsPerSecond = w }
}

// WithAccumulatorClock sets the clock used for the elapsed-time bound.
func WithAccumulatorClock(now func() time.Time) AccumulatorOption {
	return func(a *Accumulator) { a.now = now }
}

// Accumulator coalesces chunks into transcription units. A unit is flushed
// when the accumulated duration, the time since the last flush, or the
// estimated word count crosses its threshold.
//
// Flushing snapshots and clears the pending buffer before returning, so the
// next unit starts accumulating while the previous one is transcribed.
//
// An Accumulator is not safe for concurrent use.
type Accumulator struct {
	minDuration    time.Duration
	maxInterval    time.Duration
	maxWords       int
	wordsPerSecond float64
	now            func() time.Time

	samples   []float32
	first     time.Time
	duration  time.Duration
	words     float64
	lastFlush time.Time
	seq       uint64
}

// NewAccumulator returns an Accumulator with the given options applied. The
// elapsed-time bound starts counting at the first call to [Accumulator.Begin]
// or, failing that, at the first chunk.
func NewAccumulator(opts ...AccumulatorOption) *Accumulator {
	a := &Accumulator{
		minDuration:    defaultMinUnitDuration,
		maxInterval:    defaultMaxInterval,
		maxWords:       defaultMaxWords,
		wordsPerSecond: defaultWordsPerSecond,
		now:            time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Begin restarts the elapsed-time bound at now. Called when a session starts.
func (a *Accumulator) Begin(now time.Time) {
	a.lastFlush = now
}

// OnChunk appends the chunk and evaluates the flush conditions in order:
// duration, elapsed time, word count.
func (a *Accumulator) OnChunk(c audio.Chunk) (Unit, bool) {
	now := a.now()
	if a.lastFlush.IsZero() {
		a.lastFlush = now
	}
	if len(a.samples) == 0 {
		a.first = c.Timestamp
	}
	a.samples = append(a.samples, c.Samples...)
	a.duration += c.Duration
	a.words += c.Duration.Seconds() * a.wordsPerSecond

	switch {
	case a.duration >= a.minDuration:
		return a.flush(now, FlushDuration), true
	case now.Sub(a.lastFlush) >= a.maxInterval:
		return a.flush(now, FlushElapsed), true
	case a.maxWords > 0 && int(a.words) >= a.maxWords:
		return a.flush(now, FlushWords), true
	}
	return Unit{}, false
}

// Poll flushes pending audio once the elapsed-time bound has passed.
func (a *Accumulator) Poll(now time.Time) (Unit, bool) {
	if len(a.samples) == 0 || now.Sub(a.lastFlush) < a.maxInterval {
		return Unit{}, false
	}
	return a.flush(now, FlushElapsed), true
}

// Deadline returns when [Accumulator.Poll] will next flush. It reports false
// while nothing is pending.
func (a *Accumulator) Deadline() (time.Time, bool) {
	if len(a.samples) == 0 {
		return time.Time{}, false
	}
	return a.lastFlush.Add(a.maxInterval), true
}

// Flush emits pending audio regardless of thresholds. An empty accumulator
// never flushes.
func (a *Accumulator) Flush(now time.Time) (Unit, bool) {
	if len(a.samples) == 0 {
		return Unit{}, false
	}
	return a.flush(now, FlushManual), true
}

// Pending returns the length of audio waiting for the next unit.
func (a *Accumulator) Pending() time.Duration {
	return a.duration
}

// Discard drops pending audio without flushing.
func (a *Accumulator) Discard() {
	a.samples = nil
	a.duration = 0
	a.words = 0
	a.first = time.Time{}
}

func (a *Accumulator) flush(now time.Time, reason FlushReason) Unit {
	a.seq++
	u := Unit{
		ID:             uuid.NewString(),
		Seq:            a.seq,
		Samples:        a.samples,
		Timestamp:      a.first,
		Duration:       a.duration,
		EstimatedWords: int(a.words),
		Reason:         reason,
	}
	a.Discard()
	a.lastFlush = now
	return u
}
