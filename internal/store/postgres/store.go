package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/listenpipe/internal/listen"
)

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 5 * time.Second
)

// Option configures a [Store].
type Option func(*Store)

// WithQueueSize bounds the number of pending writes. Events arriving while
// the queue is full are dropped and logged.
func WithQueueSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithWriteTimeout bounds each individual write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithLogger sets the logger for write failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// Store logs pipeline output to PostgreSQL. It implements listen.Observer.
// All methods are safe for concurrent use.
type Store struct {
	db           DB
	pool         *pgxpool.Pool
	queueSize    int
	writeTimeout time.Duration
	log          *slog.Logger

	reorder *listen.Reorderer

	mu      sync.RWMutex
	closed  bool
	queue   chan write
	done    chan struct{}
	dropped atomic.Int64
	failed  atomic.Int64
}

type write struct {
	op  string
	sql string
	arg []any
}

var _ listen.Observer = (*Store)(nil)

// Open connects to the database at dsn, runs [Migrate] and starts the write
// worker.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: %w", err)
	}
	s := New(pool, opts...)
	s.pool = pool
	return s, nil
}

// New wraps an existing connection and starts the write worker. The caller
// runs [Migrate] and owns db.
func New(db DB, opts ...Option) *Store {
	s := &Store{
		db:           db,
		queueSize:    defaultQueueSize,
		writeTimeout: defaultWriteTimeout,
		log:          slog.Default(),
		reorder:      listen.NewReorderer(),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.queue = make(chan write, s.queueSize)
	go s.worker()
	return s
}

// Ping checks the connection. It is used as a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

// Dropped returns how many writes were discarded because the queue was full.
func (s *Store) Dropped() int64 { return s.dropped.Load() }

// Failed returns how many writes returned an error.
func (s *Store) Failed() int64 { return s.failed.Load() }

// Close stops accepting events, drains pending writes until ctx is done and
// releases the pool if [Open] created it.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	var err error
	select {
	case <-s.done:
	case <-ctx.Done():
		err = fmt.Errorf("postgres store: drain: %w", ctx.Err())
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

// Questions returns the questions logged for sessionID, oldest first.
func (s *Store) Questions(ctx context.Context, sessionID string) ([]listen.DetectedQuestion, error) {
	const q = `
		SELECT id, text, refined_text, language, confidence, source_result_id, timestamp
		FROM   listen_questions
		WHERE  session_id = $1
		ORDER  BY timestamp, id`

	rows, err := s.db.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: questions: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (listen.DetectedQuestion, error) {
		var d listen.DetectedQuestion
		err := row.Scan(&d.ID, &d.Text, &d.RefinedText, &d.Language, &d.Confidence, &d.SourceResultID, &d.Timestamp)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan questions: %w", err)
	}
	return out, nil
}

// Transcripts returns the transcripts logged for sessionID in unit order.
func (s *Store) Transcripts(ctx context.Context, sessionID string) ([]listen.TranscriptionResult, error) {
	const q = `
		SELECT id, seq, source_unit_id, text, confidence, timestamp
		FROM   listen_transcripts
		WHERE  session_id = $1
		ORDER  BY seq`

	rows, err := s.db.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: transcripts: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (listen.TranscriptionResult, error) {
		var r listen.TranscriptionResult
		var seq int64
		err := row.Scan(&r.ID, &seq, &r.SourceUnitID, &r.Text, &r.Confidence, &r.Timestamp)
		r.Seq = uint64(seq)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan transcripts: %w", err)
	}
	return out, nil
}
