package postgres

import (
	"context"

	"github.com/MrWong99/listenpipe/internal/listen"
)

const (
	insertQuestion = `
		INSERT INTO listen_questions
		    (id, session_id, text, language, confidence, source_result_id, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	// refined_text is write-once, matching the in-memory buffer.
	updateRefined = `
		UPDATE listen_questions
		SET    refined_text = $2, refined_at = $3
		WHERE  id = $1 AND refined_text = ''`

	insertTranscript = `
		INSERT INTO listen_transcripts
		    (id, session_id, seq, source_unit_id, text, confidence, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`
)

// OnEvent implements listen.Observer. It never blocks: writes are queued and
// dropped when the queue is full.
func (s *Store) OnEvent(e listen.Event) {
	switch e.Type {
	case listen.EventQuestionDetected:
		if q := e.Question; q != nil {
			s.enqueue(write{
				op:  "insert question",
				sql: insertQuestion,
				arg: []any{q.ID, e.SessionID, q.Text, q.Language, q.Confidence, q.SourceResultID, q.Timestamp},
			})
		}
	case listen.EventBatchProcessed:
		for _, q := range e.Questions {
			if !q.Refined() {
				continue
			}
			s.enqueue(write{
				op:  "update refined",
				sql: updateRefined,
				arg: []any{q.ID, q.RefinedText, e.Time},
			})
		}
	case listen.EventTranscriptionCompleted, listen.EventError:
		s.reorder.Observe(e, func(r listen.TranscriptionResult) {
			s.enqueueTranscript(e.SessionID, r)
		})
	case listen.EventStateChanged:
		if e.State != nil && !e.State.Listening {
			for _, r := range s.reorder.Flush() {
				s.enqueueTranscript(e.SessionID, r)
			}
		}
	}
}

func (s *Store) enqueueTranscript(sessionID string, r listen.TranscriptionResult) {
	s.enqueue(write{
		op:  "insert transcript",
		sql: insertTranscript,
		arg: []any{r.ID, sessionID, int64(r.Seq), r.SourceUnitID, r.Text, r.Confidence, r.Timestamp},
	})
}

func (s *Store) enqueue(w write) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- w:
	default:
		s.dropped.Add(1)
		s.log.Warn("postgres store: queue full, dropping write", "op", w.op)
	}
}

func (s *Store) worker() {
	defer close(s.done)
	for w := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
		if _, err := s.db.Exec(ctx, w.sql, w.arg...); err != nil {
			s.failed.Add(1)
			s.log.Error("postgres store: write failed", "op", w.op, "err", err)
		}
		cancel()
	}
}
