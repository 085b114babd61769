package listen

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the per-session pipeline state: the listening flag, the processing
// counter, the session-long question buffer and the refiner's batch state.
//
// A State is created per controller (or injected with [WithState]) and is
// mutated only through its methods. All methods are safe for concurrent use.
type State struct {
	mu sync.Mutex

	sessionID    string
	listening    bool
	inFlight     int
	lastActivity time.Time

	// questions is append-only until ClearQuestions.
	questions []DetectedQuestion

	lastBatch       time.Time
	batchProcessing bool
	followUp        bool // a forced batch arrived while one was in flight
	pending         []DetectedQuestion
}

// NewState returns an idle State.
func NewState() *State {
	return &State{}
}

// StateSnapshot is a point-in-time copy of a [State]. It shares no memory
// with the live state.
type StateSnapshot struct {
	SessionID    string             `json:"session_id,omitempty"`
	Listening    bool               `json:"is_listening"`
	Processing   bool               `json:"is_processing"`
	InFlight     int                `json:"in_flight"`
	LastActivity time.Time          `json:"last_activity_time"`
	Questions    []DetectedQuestion `json:"question_buffer"`
	Batch        BatchSnapshot      `json:"batch_state"`
}

// BatchSnapshot is the refiner part of a [StateSnapshot].
type BatchSnapshot struct {
	LastBatch  time.Time          `json:"last_batch_time"`
	Processing bool               `json:"is_processing"`
	Pending    []DetectedQuestion `json:"pending_questions"`
}

// SetListening switches the listening flag and reports whether it changed.
// Switching on starts a new session id, records activity and restarts the
// batch interval, so every session waits one interval before its first batch.
func (s *State) SetListening(on bool, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening == on {
		return false
	}
	s.listening = on
	if on {
		s.sessionID = uuid.NewString()
		s.lastActivity = now
		s.lastBatch = now
	}
	return true
}

// Listening reports whether a session is active.
func (s *State) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

// SessionID returns the id of the current or most recent session.
func (s *State) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Touch records activity.
func (s *State) Touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// BeginTranscription marks one more engine call in flight.
func (s *State) BeginTranscription() {
	s.mu.Lock()
	s.inFlight++
	s.mu.Unlock()
}

// EndTranscription marks one engine call finished.
func (s *State) EndTranscription() {
	s.mu.Lock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	s.mu.Unlock()
}

// Processing reports whether any transcription is in flight.
func (s *State) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight > 0
}

// AddQuestion appends q to both the question buffer and the pending queue.
// Callers must only add questions that passed validation.
func (s *State) AddQuestion(q DetectedQuestion) {
	s.mu.Lock()
	s.questions = append(s.questions, q)
	s.pending = append(s.pending, q)
	s.mu.Unlock()
}

// Questions returns a copy of the question buffer in detection order.
func (s *State) Questions() []DetectedQuestion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.questions)
}

// Question returns the buffered question with the given id.
func (s *State) Question(id string) (DetectedQuestion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.questions {
		if q.ID == id {
			return q, true
		}
	}
	return DetectedQuestion{}, false
}

// PendingCount returns the number of questions waiting for a batch.
func (s *State) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ClearQuestions empties the question buffer and the pending queue. A batch
// already in flight keeps its snapshot; its refined text is then dropped
// because the ids are gone.
func (s *State) ClearQuestions() {
	s.mu.Lock()
	s.questions = nil
	s.pending = nil
	s.mu.Unlock()
}

// BeginBatch atomically claims the pending queue for a batch cycle. It
// returns false without side effects when a batch is already in flight, when
// nothing is pending, or when less than minInterval has passed since the last
// batch. On success the queue is cleared before the snapshot is returned, so
// questions detected during refinement go into a fresh queue.
func (s *State) BeginBatch(now time.Time, minInterval time.Duration) ([]DetectedQuestion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batchProcessing || len(s.pending) == 0 {
		return nil, false
	}
	if minInterval > 0 && now.Sub(s.lastBatch) < minInterval {
		return nil, false
	}
	return s.claimLocked(), true
}

// ForceBatch claims the pending queue regardless of the interval. When a
// batch is in flight and questions are pending, it records a follow-up that
// the in-flight batch's [State.EndBatch] reports.
func (s *State) ForceBatch() ([]DetectedQuestion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, false
	}
	if s.batchProcessing {
		s.followUp = true
		return nil, false
	}
	return s.claimLocked(), true
}

func (s *State) claimLocked() []DetectedQuestion {
	snapshot := s.pending
	s.pending = nil
	s.batchProcessing = true
	return snapshot
}

// EndBatch releases the batch guard and records the batch time. It reports
// whether a forced batch was requested meanwhile; the flag is cleared.
func (s *State) EndBatch(now time.Time) (followUp bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchProcessing = false
	s.lastBatch = now
	followUp = s.followUp
	s.followUp = false
	return followUp
}

// BatchProcessing reports whether a batch cycle is in flight.
func (s *State) BatchProcessing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batchProcessing
}

// LastBatch returns the time the last batch cycle ended, or the session start
// when no batch has run yet.
func (s *State) LastBatch() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBatch
}

// SetRefined writes refined text onto the buffered question with the given
// id. It returns the updated question, or false when the id is unknown or the
// question was already refined.
func (s *State) SetRefined(id, text string) (DetectedQuestion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.questions {
		if s.questions[i].ID != id {
			continue
		}
		if s.questions[i].RefinedText != "" || text == "" {
			return DetectedQuestion{}, false
		}
		s.questions[i].RefinedText = text
		return s.questions[i], true
	}
	return DetectedQuestion{}, false
}

// Snapshot returns a deep copy of the state.
func (s *State) Snapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StateSnapshot{
		SessionID:    s.sessionID,
		Listening:    s.listening,
		Processing:   s.inFlight > 0,
		InFlight:     s.inFlight,
		LastActivity: s.lastActivity,
		Questions:    slices.Clone(s.questions),
		Batch: BatchSnapshot{
			LastBatch:  s.lastBatch,
			Processing: s.batchProcessing,
			Pending:    slices.Clone(s.pending),
		},
	}
}
