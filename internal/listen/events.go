package listen

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/listenpipe/pkg/audio"
)

// EventType names a pipeline lifecycle event.
type EventType string

const (
	EventChunkRecorded          EventType = "chunk-recorded"
	EventTranscriptionCompleted EventType = "transcription-completed"
	EventQuestionDetected       EventType = "question-detected"
	EventBatchProcessed         EventType = "batch-processed"
	EventStateChanged           EventType = "state-changed"
	EventError                  EventType = "error"
)

// ChunkInfo describes a chunk without its samples.
type ChunkInfo struct {
	ID         string              `json:"id"`
	Timestamp  time.Time           `json:"timestamp"`
	DurationMs int64               `json:"duration_ms"`
	Trigger    audio.TriggerReason `json:"trigger_reason"`
}

// Event is one pipeline notification. Exactly one payload field is set,
// according to Type. Payloads are copies; observers may keep them.
type Event struct {
	Type      EventType `json:"type"`
	Time      time.Time `json:"time"`
	SessionID string    `json:"session_id,omitempty"`

	// Chunk is set for chunk-recorded events. Samples are not serialised.
	Chunk     *audio.Chunk `json:"-"`
	ChunkInfo *ChunkInfo   `json:"chunk,omitempty"`

	Transcription *TranscriptionResult `json:"transcription,omitempty"`
	Question      *DetectedQuestion    `json:"question,omitempty"`
	Questions     []DetectedQuestion   `json:"questions,omitempty"`
	State         *StateSnapshot       `json:"state,omitempty"`

	Err     error  `json:"-"`
	Message string `json:"error,omitempty"`
}

// Observer receives pipeline events. OnEvent is called synchronously from
// pipeline goroutines and must not block.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to [Observer].
type ObserverFunc func(Event)

// OnEvent calls f(e).
func (f ObserverFunc) OnEvent(e Event) { f(e) }

// Bus fans events out to channel subscribers. A subscriber whose buffer is
// full misses the event; the pipeline never waits on a subscriber.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	next    uint64
	dropped atomic.Int64
}

var _ Observer = (*Bus)(nil)

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel function unregisters it and closes the channel; it is safe to call
// more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, max(buffer, 1))
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// OnEvent delivers e to every subscriber without blocking.
func (b *Bus) OnEvent(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was
// full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers returns the number of active subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
