package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/listenpipe/internal/listen"
	"github.com/MrWong99/listenpipe/internal/store/postgres"
)

type execCall struct {
	sql  string
	args []any
}

// fakeDB records Exec calls. Query is unsupported.
type fakeDB struct {
	mu    sync.Mutex
	calls []execCall
	err   error
	block chan struct{}
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), f.err
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("fakeDB: query not supported")
}

func (f *fakeDB) Calls() []execCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]execCall(nil), f.calls...)
}

func (f *fakeDB) transcriptSeqs() []int64 {
	var out []int64
	for _, c := range f.Calls() {
		if strings.Contains(c.sql, "listen_transcripts") {
			out = append(out, c.args[2].(int64))
		}
	}
	return out
}

func closeStore(t *testing.T, s *postgres.Store) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func transcript(seq uint64) listen.Event {
	return listen.Event{
		Type:      listen.EventTranscriptionCompleted,
		SessionID: "s1",
		Transcription: &listen.TranscriptionResult{
			ID:   fmt.Sprintf("r%d", seq),
			Text: fmt.Sprintf("text %d", seq),
			Seq:  seq,
		},
	}
}

func TestStore_QuestionDetectedInserts(t *testing.T) {
	t.Parallel()
	db := &fakeDB{}
	s := postgres.New(db)

	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.OnEvent(listen.Event{
		Type:      listen.EventQuestionDetected,
		SessionID: "s1",
		Question: &listen.DetectedQuestion{
			ID: "q1", Text: "다음 회의는 언제인가요?", Timestamp: ts, Confidence: 0.9, Language: "ko",
		},
	})
	closeStore(t, s)

	calls := db.Calls()
	if len(calls) != 1 {
		t.Fatalf("got %d exec calls, want 1", len(calls))
	}
	if !strings.Contains(calls[0].sql, "INSERT INTO listen_questions") {
		t.Errorf("sql = %q", calls[0].sql)
	}
	if calls[0].args[0] != "q1" || calls[0].args[1] != "s1" || calls[0].args[6] != ts {
		t.Errorf("args = %v", calls[0].args)
	}
}

func TestStore_BatchProcessedUpdatesRefined(t *testing.T) {
	t.Parallel()
	db := &fakeDB{}
	s := postgres.New(db)

	s.OnEvent(listen.Event{
		Type: listen.EventBatchProcessed,
		Time: time.Now(),
		Questions: []listen.DetectedQuestion{
			{ID: "q1", Text: "회의 언제야", RefinedText: "회의는 언제인가요?"},
			{ID: "q2", Text: "not refined"},
		},
	})
	closeStore(t, s)

	calls := db.Calls()
	if len(calls) != 1 {
		t.Fatalf("got %d exec calls, want 1 (unrefined questions are skipped)", len(calls))
	}
	if !strings.Contains(calls[0].sql, "UPDATE listen_questions") {
		t.Errorf("sql = %q", calls[0].sql)
	}
	if calls[0].args[0] != "q1" || calls[0].args[1] != "회의는 언제인가요?" {
		t.Errorf("args = %v", calls[0].args)
	}
}

func TestStore_TranscriptsWrittenInUnitOrder(t *testing.T) {
	t.Parallel()
	db := &fakeDB{}
	s := postgres.New(db)

	s.OnEvent(transcript(2))
	s.OnEvent(transcript(3))
	s.OnEvent(transcript(1))
	closeStore(t, s)

	got := db.transcriptSeqs()
	want := []int64{1, 2, 3}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("transcript order = %v, want %v", got, want)
	}
}

func TestStore_FailedUnitDoesNotBlockTranscripts(t *testing.T) {
	t.Parallel()
	db := &fakeDB{}
	s := postgres.New(db)

	s.OnEvent(transcript(2))
	s.OnEvent(listen.Event{
		Type: listen.EventError,
		Err:  &listen.TranscriptionError{UnitID: "u1", Seq: 1, Err: errors.New("engine down")},
	})
	closeStore(t, s)

	if got := db.transcriptSeqs(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("transcripts = %v, want [2]", got)
	}
}

func TestStore_StopFlushesHeldTranscripts(t *testing.T) {
	t.Parallel()
	db := &fakeDB{}
	s := postgres.New(db)

	s.OnEvent(transcript(3))
	s.OnEvent(transcript(2))
	s.OnEvent(listen.Event{
		Type:  listen.EventStateChanged,
		State: &listen.StateSnapshot{Listening: false},
	})
	closeStore(t, s)

	got := db.transcriptSeqs()
	if fmt.Sprint(got) != fmt.Sprint([]int64{2, 3}) {
		t.Fatalf("transcripts = %v, want [2 3]", got)
	}
}

func TestStore_QueueFullDrops(t *testing.T) {
	t.Parallel()
	db := &fakeDB{block: make(chan struct{})}
	s := postgres.New(db, postgres.WithQueueSize(1))

	q := func(id string) listen.Event {
		return listen.Event{Type: listen.EventQuestionDetected, Question: &listen.DetectedQuestion{ID: id}}
	}
	// The worker takes the first write and blocks; the second fills the
	// queue; the third is dropped.
	s.OnEvent(q("a"))
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.OnEvent(q("b"))
		if s.Dropped() > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if s.Dropped() == 0 {
		t.Fatal("expected a dropped write with a full queue")
	}
	close(db.block)
	closeStore(t, s)
}

func TestStore_WriteErrorsCounted(t *testing.T) {
	t.Parallel()
	db := &fakeDB{err: errors.New("relation does not exist")}
	s := postgres.New(db)
	s.OnEvent(listen.Event{Type: listen.EventQuestionDetected, Question: &listen.DetectedQuestion{ID: "q"}})
	closeStore(t, s)

	if s.Failed() != 1 {
		t.Fatalf("Failed() = %d, want 1", s.Failed())
	}
}

func TestStore_CloseIsIdempotent(t *testing.T) {
	t.Parallel()
	s := postgres.New(&fakeDB{})
	closeStore(t, s)
	closeStore(t, s)
	// Events after close are ignored.
	s.OnEvent(listen.Event{Type: listen.EventQuestionDetected, Question: &listen.DetectedQuestion{ID: "late"}})
}

func TestMigrate_ExecutesDDL(t *testing.T) {
	t.Parallel()
	db := &fakeDB{}
	if err := postgres.Migrate(context.Background(), db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	calls := db.Calls()
	if len(calls) != 2 {
		t.Fatalf("got %d statements, want 2", len(calls))
	}
	if !strings.Contains(calls[0].sql, "listen_questions") || !strings.Contains(calls[1].sql, "listen_transcripts") {
		t.Errorf("unexpected DDL order")
	}
}
