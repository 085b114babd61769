package listen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/listenpipe/internal/observe"
	"github.com/MrWong99/listenpipe/pkg/audio"
	"github.com/MrWong99/listenpipe/pkg/provider/llm"
	"github.com/MrWong99/listenpipe/pkg/provider/stt"
)

const defaultQueueSize = 64

// Option configures a [Controller].
type Option func(*config)

type config struct {
	state           *State
	queueSize       int
	continueOnError bool
	observers       []Observer
	metrics         *observe.Metrics
	log             *slog.Logger
	now             func() time.Time

	accumulator []AccumulatorOption
	gateway     []GatewayOption
	detector    []DetectorOption
	refiner     []RefinerOption
}

// WithState injects the session state. By default each controller creates
// its own.
func WithState(s *State) Option {
	return func(c *config) { c.state = s }
}

// WithQueueSize sets the capacity of the chunk channel. Default: 64.
func WithQueueSize(n int) Option {
	return func(c *config) { c.queueSize = n }
}

// WithContinueOnError keeps the session listening after a transcription
// failure. By default a failure ends the session.
func WithContinueOnError(on bool) Option {
	return func(c *config) { c.continueOnError = on }
}

// WithObserver adds an event observer. Observers are called in the order
// they were added.
func WithObserver(o Observer) Option {
	return func(c *config) { c.observers = append(c.observers, o) }
}

// WithMetrics sets the metrics sink for the controller and its stages.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithClock sets the clock for the controller and its stages.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// WithAccumulatorOptions forwards options to the [Accumulator].
func WithAccumulatorOptions(opts ...AccumulatorOption) Option {
	return func(c *config) { c.accumulator = append(c.accumulator, opts...) }
}

// WithGatewayOptions forwards options to the [Gateway].
func WithGatewayOptions(opts ...GatewayOption) Option {
	return func(c *config) { c.gateway = append(c.gateway, opts...) }
}

// WithDetectorOptions forwards options to the [Detector].
func WithDetectorOptions(opts ...DetectorOption) Option {
	return func(c *config) { c.detector = append(c.detector, opts...) }
}

// WithRefinerOptions forwards options to the [Refiner].
func WithRefinerOptions(opts ...RefinerOption) Option {
	return func(c *config) { c.refiner = append(c.refiner, opts...) }
}

// Controller is the public surface of the pipeline. It owns the session
// [State], consumes chunks from a bounded channel on its control loop
// ([Controller.Run]), dispatches transcription per unit, and emits lifecycle
// events to its observers.
//
// All methods are safe for concurrent use.
type Controller struct {
	state           *State
	chunks          chan audio.Chunk
	wake            chan struct{}
	continueOnError bool
	observers       []Observer
	metrics         *observe.Metrics
	log             *slog.Logger
	now             func() time.Time

	gateway  *Gateway
	detector *Detector
	refiner  *Refiner

	// accMu guards acc, which is shared by the control loop and Stop.
	accMu sync.Mutex
	acc   *Accumulator

	runMu  sync.Mutex
	runCtx context.Context

	// lifecycle serialises Start and Stop.
	lifecycle sync.Mutex

	inflight sync.WaitGroup
}

// New builds a Controller that transcribes with engine and refines with
// refiner.
func New(engine stt.Provider, refiner llm.Provider, opts ...Option) *Controller {
	cfg := config{
		queueSize: defaultQueueSize,
		now:       time.Now,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.state == nil {
		cfg.state = NewState()
	}
	if cfg.queueSize <= 0 {
		cfg.queueSize = defaultQueueSize
	}
	if cfg.metrics == nil {
		cfg.metrics = observe.DefaultMetrics()
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}

	c := &Controller{
		state:           cfg.state,
		chunks:          make(chan audio.Chunk, cfg.queueSize),
		wake:            make(chan struct{}, 1),
		continueOnError: cfg.continueOnError,
		observers:       cfg.observers,
		metrics:         cfg.metrics,
		log:             cfg.log,
		now:             cfg.now,
	}

	c.acc = NewAccumulator(append([]AccumulatorOption{WithAccumulatorClock(cfg.now)}, cfg.accumulator...)...)
	c.gateway = NewGateway(engine, append([]GatewayOption{WithGatewayMetrics(cfg.metrics)}, cfg.gateway...)...)
	c.detector = NewDetector(cfg.detector...)
	c.refiner = NewRefiner(refiner, c.state, c.detector, append([]RefinerOption{
		WithRefinerClock(cfg.now),
		WithRefinerMetrics(cfg.metrics),
		WithRefinerLogger(cfg.log),
		WithRefinerObserver(ObserverFunc(c.emit)),
	}, cfg.refiner...)...)
	return c
}

var _ ChunkSink = (*Controller)(nil)

// Detector returns the controller's question detector.
func (c *Controller) Detector() *Detector { return c.detector }

// Refiner returns the controller's batch refiner.
func (c *Controller) Refiner() *Refiner { return c.refiner }

// Run is the control loop. It consumes the chunk channel, enforces the
// accumulator's elapsed-time bound with a timer, and returns when ctx is
// cancelled. Transcriptions started by the loop use ctx.
func (c *Controller) Run(ctx context.Context) error {
	c.runMu.Lock()
	c.runCtx = ctx
	c.runMu.Unlock()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		c.armPoll(timer)
		select {
		case <-ctx.Done():
			return nil
		case ch := <-c.chunks:
			c.handleChunk(ctx, ch)
		case <-timer.C:
			c.poll(ctx)
		case <-c.wake:
		}
	}
}

// Wait blocks until every in-flight transcription has finished.
func (c *Controller) Wait() {
	c.inflight.Wait()
}

// Start begins a listening session. It is a no-op while already listening.
func (c *Controller) Start(ctx context.Context) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	now := c.now()
	if !c.state.SetListening(true, now) {
		return
	}
	c.accMu.Lock()
	c.acc.Begin(now)
	c.accMu.Unlock()

	c.refiner.Start(c.baseContext(ctx))
	c.metrics.ActiveSessions.Add(ctx, 1)
	c.log.Info("listening started", "session_id", c.state.SessionID())
	c.emitState()
}

// Stop ends the listening session. Unflushed audio is discarded, the batch
// timer is cancelled and one final batch runs if questions are pending.
// In-flight transcriptions are not cancelled. Stop is a no-op while idle.
func (c *Controller) Stop(ctx context.Context) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if !c.state.SetListening(false, c.now()) {
		return
	}
	c.accMu.Lock()
	discarded := c.acc.Pending()
	c.acc.Discard()
	c.accMu.Unlock()
	c.signal()

	c.refiner.Stop()
	c.refiner.RunNow(ctx)

	c.metrics.ActiveSessions.Add(ctx, -1)
	c.log.Info("listening stopped",
		"session_id", c.state.SessionID(),
		"discarded_ms", discarded.Milliseconds(),
	)
	c.emitState()
}

// Feed decodes an externally segmented chunk message and enqueues it,
// blocking until there is room or ctx is done.
func (c *Controller) Feed(ctx context.Context, msg audio.ChunkMessage) error {
	ch, err := c.decode(msg)
	if err != nil {
		return err
	}
	if !c.state.Listening() {
		return ErrNotListening
	}
	select {
	case c.chunks <- ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Offer is the non-blocking form of [Controller.Feed]. A full queue drops
// the chunk and returns [ErrQueueFull].
func (c *Controller) Offer(msg audio.ChunkMessage) error {
	ch, err := c.decode(msg)
	if err != nil {
		return err
	}
	return c.OfferChunk(ch)
}

// OfferChunk enqueues an already decoded chunk without blocking.
func (c *Controller) OfferChunk(ch audio.Chunk) error {
	if !c.state.Listening() {
		return ErrNotListening
	}
	select {
	case c.chunks <- ch:
		return nil
	default:
		c.metrics.ChunksDropped.Add(context.Background(), 1)
		return ErrQueueFull
	}
}

// State returns a snapshot of the session state.
func (c *Controller) State() StateSnapshot {
	return c.state.Snapshot()
}

// Questions returns the session's detected questions in detection order.
func (c *Controller) Questions() []DetectedQuestion {
	return c.state.Questions()
}

// ClearQuestions empties the question buffer and the pending queue.
func (c *Controller) ClearQuestions() {
	c.state.ClearQuestions()
}

func (c *Controller) decode(msg audio.ChunkMessage) (audio.Chunk, error) {
	samples, err := audio.DecodeFloat32LE(msg.Data)
	if err != nil {
		return audio.Chunk{}, fmt.Errorf("listen: decode chunk: %w", err)
	}
	trigger := msg.Trigger
	if trigger == "" {
		trigger = audio.TriggerSilence
	}
	if !trigger.Valid() {
		return audio.Chunk{}, fmt.Errorf("listen: decode chunk: unknown trigger reason %q", trigger)
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = c.now()
	}
	return audio.Chunk{
		ID:        uuid.NewString(),
		Samples:   samples,
		Timestamp: ts,
		Duration:  audio.SamplesDuration(len(samples), audio.SampleRate),
		Trigger:   trigger,
	}, nil
}

func (c *Controller) handleChunk(ctx context.Context, ch audio.Chunk) {
	if !c.state.Listening() {
		c.log.Debug("chunk discarded after stop", "chunk_id", ch.ID)
		return
	}
	c.state.Touch(c.now())
	c.metrics.RecordChunk(ctx, string(ch.Trigger))
	c.emit(Event{
		Type:  EventChunkRecorded,
		Chunk: &ch,
		ChunkInfo: &ChunkInfo{
			ID:         ch.ID,
			Timestamp:  ch.Timestamp,
			DurationMs: ch.DurationMs(),
			Trigger:    ch.Trigger,
		},
	})

	c.accMu.Lock()
	u, ok := c.acc.OnChunk(ch)
	c.accMu.Unlock()
	if ok {
		c.dispatch(ctx, u)
	}
}

func (c *Controller) poll(ctx context.Context) {
	c.accMu.Lock()
	u, ok := c.acc.Poll(c.now())
	c.accMu.Unlock()
	if ok {
		c.dispatch(ctx, u)
	}
}

func (c *Controller) armPoll(timer *time.Timer) {
	c.accMu.Lock()
	deadline, ok := c.acc.Deadline()
	c.accMu.Unlock()
	if !ok {
		timer.Stop()
		return
	}
	timer.Reset(max(deadline.Sub(c.now()), 0))
}

// dispatch hands u to the gateway on its own goroutine so accumulation of
// the next unit continues meanwhile.
func (c *Controller) dispatch(ctx context.Context, u Unit) {
	u.SessionID = c.state.SessionID()
	c.metrics.RecordUnit(ctx, string(u.Reason), u.Duration)
	c.log.Debug("unit flushed",
		"unit_id", u.ID,
		"seq", u.Seq,
		"reason", u.Reason,
		"duration_ms", u.Duration.Milliseconds(),
	)

	c.state.BeginTranscription()
	c.metrics.InFlightTranscriptions.Add(ctx, 1)
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		c.transcribe(ctx, u)
	}()
}

func (c *Controller) transcribe(ctx context.Context, u Unit) {
	res, err := c.gateway.Transcribe(ctx, u)
	c.state.EndTranscription()
	c.metrics.InFlightTranscriptions.Add(ctx, -1)
	if err != nil {
		c.fail(ctx, u.SessionID, err)
		return
	}

	c.emit(Event{Type: EventTranscriptionCompleted, SessionID: u.SessionID, Transcription: &res})

	q, ok := c.detector.Classify(res)
	if !ok || !c.detector.IsValid(q) {
		return
	}
	c.state.AddQuestion(q)
	c.metrics.QuestionsDetected.Add(ctx, 1)
	c.log.Info("question detected", "question_id", q.ID, "language", q.Language)
	c.emit(Event{Type: EventQuestionDetected, SessionID: u.SessionID, Question: &q})
	c.refiner.Notify()
}

// fail reports a transcription failure and, unless configured to continue,
// ends the session the unit was flushed in. A late failure from an earlier
// session never ends the current one.
func (c *Controller) fail(ctx context.Context, sessionID string, err error) {
	stale := sessionID != c.state.SessionID()
	if c.continueOnError || stale || (errors.Is(err, context.Canceled) && ctx.Err() != nil) {
		c.log.Warn("transcription failed", "session_id", sessionID, "error", err)
		c.emit(Event{Type: EventError, SessionID: sessionID, Err: err, Message: err.Error()})
		return
	}

	aborted := fmt.Errorf("%w: %w", ErrSessionAborted, err)
	c.log.Error("transcription failed, ending session", "session_id", sessionID, "error", err)
	c.emit(Event{Type: EventError, SessionID: sessionID, Err: aborted, Message: aborted.Error()})
	c.Stop(context.WithoutCancel(ctx))
}

func (c *Controller) baseContext(ctx context.Context) context.Context {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.runCtx != nil {
		return c.runCtx
	}
	return context.WithoutCancel(ctx)
}

func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) emitState() {
	s := c.state.Snapshot()
	c.emit(Event{Type: EventStateChanged, State: &s})
}

func (c *Controller) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = c.now()
	}
	if e.SessionID == "" {
		e.SessionID = c.state.SessionID()
	}
	for _, o := range c.observers {
		o.OnEvent(e)
	}
}
