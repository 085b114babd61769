package listen

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/listenpipe/internal/observe"
	"github.com/MrWong99/listenpipe/pkg/provider/llm"
)

const (
	defaultBatchInterval     = 30 * time.Second
	defaultRefineTemperature = 0.1
)

const structuredSystemPrompt = `You clean up questions transcribed from live speech.

For each input item, rewrite the text as a clear, well-formed question in the same language as the input.
Rules:
- Fix recognition errors and remove fillers, repetitions and false starts.
- Keep the meaning. Do not answer the question and do not add information.
- If one item holds several questions, join them into one line separated by a space.
- Echo every item's "id" exactly as given.

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{"questions": [{"id": "<id>", "text": "<refined question>"}]}`

const positionalSystemPrompt = `You clean up questions transcribed from live speech.

Rewrite each numbered question as a clear, well-formed question in the same language as the input.
Fix recognition errors and remove fillers. Keep the meaning. Do not answer.
Respond with exactly one line per input question, in the same order, without numbering or any other text.`

// listMarker matches enumeration prefixes such as "1.", "2)", "-" or "•".
var listMarker = regexp.MustCompile(`^\s*(\d+[.)]|[-*•])\s+`)

// RefinerOption configures a [Refiner].
type RefinerOption func(*Refiner)

// WithBatchInterval sets the minimum time between batch cycles. Default: 30s.
func WithBatchInterval(d time.Duration) RefinerOption {
	return func(r *Refiner) { r.interval = d }
}

// WithRefineTimeout bounds each refinement call. Zero disables the bound.
func WithRefineTimeout(d time.Duration) RefinerOption {
	return func(r *Refiner) { r.timeout = d }
}

// WithStructuredOutput toggles the id-echo JSON contract. When off, the
// engine is asked for one line per question and lines map by position.
// Default: on.
func WithStructuredOutput(on bool) RefinerOption {
	return func(r *Refiner) { r.structured = on }
}

// WithRefineTemperature sets the sampling temperature. Default: 0.1.
func WithRefineTemperature(t float64) RefinerOption {
	return func(r *Refiner) { r.temperature = t }
}

// WithRefinerObserver sets where batch-processed events are sent.
func WithRefinerObserver(o Observer) RefinerOption {
	return func(r *Refiner) { r.observer = o }
}

// WithRefinerMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithRefinerMetrics(m *observe.Metrics) RefinerOption {
	return func(r *Refiner) { r.metrics = m }
}

// WithRefinerClock sets the clock used for interval decisions.
func WithRefinerClock(now func() time.Time) RefinerOption {
	return func(r *Refiner) { r.now = now }
}

// WithRefinerLogger sets the logger. Default: [slog.Default].
func WithRefinerLogger(l *slog.Logger) RefinerOption {
	return func(r *Refiner) { r.log = l }
}

// Refiner periodically drains the pending question queue, deduplicates it and
// rewrites the questions with one engine call per batch. Refined text is
// written by id onto the session's question buffer.
//
// Scheduling uses a one-shot timer armed for lastBatch+interval when the
// first question becomes pending and re-armed after every batch decision.
// The timer is idle while nothing is pending.
//
// Refinement failures are logged and counted; they never end a session.
type Refiner struct {
	llm         llm.Provider
	state       *State
	detector    *Detector
	timeout     time.Duration
	structured  bool
	temperature float64
	observer    Observer
	metrics     *observe.Metrics
	now         func() time.Time
	log         *slog.Logger

	mu       sync.Mutex
	interval time.Duration
	timer    *time.Timer
	armed    bool
	running  bool // timer scheduling enabled
	baseCtx  context.Context
}

// NewRefiner returns a Refiner operating on state. The detector supplies the
// deduplication rules.
func NewRefiner(provider llm.Provider, state *State, detector *Detector, opts ...RefinerOption) *Refiner {
	r := &Refiner{
		llm:         provider,
		state:       state,
		detector:    detector,
		structured:  true,
		temperature: defaultRefineTemperature,
		interval:    defaultBatchInterval,
		now:         time.Now,
		baseCtx:     context.Background(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

// Start enables timer scheduling. Timer-fired batches run with ctx.
func (r *Refiner) Start(ctx context.Context) {
	r.mu.Lock()
	r.running = true
	r.baseCtx = ctx
	r.mu.Unlock()
	r.rearm()
}

// Stop cancels the timer. A batch already running completes.
func (r *Refiner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
	r.disarmLocked()
}

// Notify tells the refiner that a question became pending. It arms the timer
// if it is idle.
func (r *Refiner) Notify() {
	r.mu.Lock()
	armed := r.armed
	r.mu.Unlock()
	if !armed {
		r.rearm()
	}
}

// Interval returns the current batch interval.
func (r *Refiner) Interval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval
}

// SetInterval changes the batch interval and reschedules the timer.
func (r *Refiner) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.interval = d
	r.disarmLocked()
	r.mu.Unlock()
	r.rearm()
}

// MaybeRunBatch runs one batch cycle if no batch is in flight, questions are
// pending, and the batch interval has passed since the last cycle. It reports
// whether a cycle ran.
func (r *Refiner) MaybeRunBatch(ctx context.Context) bool {
	snapshot, ok := r.state.BeginBatch(r.now(), r.Interval())
	if !ok {
		return false
	}
	r.cycle(ctx, snapshot)
	return true
}

// RunNow runs a batch cycle regardless of the interval. If a batch is in
// flight, the in-flight cycle runs a follow-up when it finishes.
func (r *Refiner) RunNow(ctx context.Context) bool {
	snapshot, ok := r.state.ForceBatch()
	if !ok {
		return false
	}
	r.cycle(ctx, snapshot)
	return true
}

func (r *Refiner) cycle(ctx context.Context, snapshot []DetectedQuestion) {
	r.process(ctx, snapshot)
	if r.state.EndBatch(r.now()) {
		r.RunNow(ctx)
	}
	r.rearm()
}

func (r *Refiner) process(ctx context.Context, snapshot []DetectedQuestion) {
	batch := r.detector.Dedupe(snapshot)
	if len(batch) == 0 {
		r.log.Debug("refine batch empty after dedupe", "drained", len(snapshot))
		return
	}

	ctx, span := observe.StartSpan(ctx, "listen.refine")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.size", len(batch)))

	start := time.Now()
	refined, err := r.refine(ctx, batch)
	r.metrics.RecordRefinement(ctx, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refinement failed")
		observe.Logger(ctx).Warn("refine batch failed",
			"questions", len(batch),
			"error", err,
		)
		return
	}

	updated := make([]DetectedQuestion, 0, len(refined))
	for _, q := range batch {
		text, ok := refined[q.ID]
		if !ok {
			continue
		}
		if u, ok := r.state.SetRefined(q.ID, text); ok {
			updated = append(updated, u)
		}
	}
	if len(updated) > 0 {
		r.metrics.QuestionsRefined.Add(ctx, int64(len(updated)))
	}
	observe.Logger(ctx).Info("refine batch done",
		"drained", len(snapshot),
		"deduped", len(batch),
		"refined", len(updated),
		"latency", time.Since(start),
	)
	if r.observer != nil {
		r.observer.OnEvent(Event{
			Type:      EventBatchProcessed,
			Time:      r.now(),
			SessionID: r.state.SessionID(),
			Questions: updated,
		})
	}
}

// refine calls the engine and returns refined text keyed by question id.
func (r *Refiner) refine(ctx context.Context, batch []DetectedQuestion) (map[string]string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	req := llm.CompletionRequest{
		SystemPrompt: positionalSystemPrompt,
		Temperature:  r.temperature,
		Messages:     []llm.Message{{Role: "user", Content: formatPositional(batch)}},
	}
	if r.structured {
		req.SystemPrompt = structuredSystemPrompt
		req.JSONMode = true
		req.Schema = refineSchema
		req.Messages[0].Content = formatStructured(batch)
	}
	if limit := r.llm.Capabilities().MaxOutputTokens; limit > 0 {
		req.MaxTokens = min(limit, replyBudget(req.Messages))
	}

	resp, err := r.llm.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRefinementFailed, err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return nil, fmt.Errorf("%w: empty response", ErrRefinementFailed)
	}

	if r.structured {
		if out, err := parseStructured(resp.Content, batch); err == nil {
			return out, nil
		}
		r.log.Debug("refine response is not structured, using line positions")
	}
	return parsePositional(resp.Content, batch), nil
}

// replyBudget bounds the reply at twice the input plus framing; a corrected
// batch is never much longer than the transcript it came from.
func replyBudget(msgs []llm.Message) int {
	return 2*llm.EstimateTokens(msgs...) + 256
}

type refineItem struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type refineResponse struct {
	Questions []refineItem `json:"questions"`
}

// refineSchema describes refineResponse in the strict subset engines accept:
// every property required, no extras.
var refineSchema = &llm.OutputSchema{
	Name:        "refined_questions",
	Description: "The corrected questions, each echoing the id it was sent with.",
	Schema: map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []string{"questions"},
		"properties": map[string]any{
			"questions": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"required":             []string{"id", "text"},
					"properties": map[string]any{
						"id":   map[string]any{"type": "string"},
						"text": map[string]any{"type": "string"},
					},
				},
			},
		},
	},
}

// formatStructured encodes the batch with short positional ids ("1", "2", ...)
// that the engine echoes back.
func formatStructured(batch []DetectedQuestion) string {
	items := make([]refineItem, len(batch))
	for i, q := range batch {
		items[i] = refineItem{ID: strconv.Itoa(i + 1), Text: q.Text}
	}
	b, _ := json.Marshal(refineResponse{Questions: items})
	return string(b)
}

func formatPositional(batch []DetectedQuestion) string {
	var sb strings.Builder
	for i, q := range batch {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, strings.Join(strings.Fields(q.Text), " "))
	}
	return sb.String()
}

// parseStructured maps echoed ids back to question ids. Unknown ids and empty
// texts are ignored.
func parseStructured(content string, batch []DetectedQuestion) (map[string]string, error) {
	var resp refineResponse
	if err := json.Unmarshal([]byte(stripMarkdown(content)), &resp); err != nil {
		return nil, fmt.Errorf("parse refine response: %w", err)
	}
	out := make(map[string]string, len(resp.Questions))
	for _, it := range resp.Questions {
		n, err := strconv.Atoi(strings.TrimSpace(it.ID))
		if err != nil || n < 1 || n > len(batch) {
			continue
		}
		if text := strings.TrimSpace(it.Text); text != "" {
			out[batch[n-1].ID] = text
		}
	}
	return out, nil
}

// parsePositional assigns non-empty line i to question i. Questions without a
// line stay unrefined; extra lines are ignored.
func parsePositional(content string, batch []DetectedQuestion) map[string]string {
	out := make(map[string]string, len(batch))
	i := 0
	for line := range strings.SplitSeq(stripMarkdown(content), "\n") {
		line = strings.TrimSpace(listMarker.ReplaceAllString(line, ""))
		if line == "" {
			continue
		}
		if i >= len(batch) {
			break
		}
		out[batch[i].ID] = line
		i++
	}
	return out
}

// stripMarkdown removes optional ```json ... ``` fences.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```json") {
		s = strings.TrimPrefix(s, "```json")
	} else if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// rearm schedules the next timer-driven batch, or leaves the timer idle when
// nothing is pending or scheduling is stopped.
func (r *Refiner) rearm() {
	pending := r.state.PendingCount()
	due := r.state.LastBatch().Add(r.Interval())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.disarmLocked()
	if !r.running || pending == 0 {
		return
	}
	d := max(due.Sub(r.now()), 0)
	r.armed = true
	r.timer = time.AfterFunc(d, r.fire)
}

func (r *Refiner) disarmLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.armed = false
}

func (r *Refiner) fire() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.armed = false
	r.timer = nil
	ctx := r.baseCtx
	r.mu.Unlock()

	if !r.MaybeRunBatch(ctx) {
		// Another cycle is in flight or the interval moved; it re-arms on
		// completion, and rearm is idempotent otherwise.
		if !r.state.BatchProcessing() {
			r.rearm()
		}
	}
}
