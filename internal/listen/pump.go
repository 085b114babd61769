package listen

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/listenpipe/pkg/audio"
)

// ChunkSink accepts finished chunks without blocking. [Controller] implements it.
type ChunkSink interface {
	OfferChunk(c audio.Chunk) error
}

// Pump runs a [Segmenter] on the capture side. It reads sample frames from a
// source channel and offers each resulting chunk to a [ChunkSink]. The pump
// never waits on the sink: a full sink drops the chunk.
type Pump struct {
	seg  *Segmenter
	sink ChunkSink
	log  *slog.Logger
}

// NewPump returns a Pump that segments with seg and delivers to sink.
func NewPump(seg *Segmenter, sink ChunkSink, log *slog.Logger) *Pump {
	if log == nil {
		log = slog.Default()
	}
	return &Pump{seg: seg, sink: sink, log: log}
}

// Run consumes frames until the channel is closed or ctx is cancelled.
// Buffered audio that never reached a cut condition is discarded on return.
func (p *Pump) Run(ctx context.Context, frames <-chan []float32) error {
	defer p.seg.Reset()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			p.Push(frame)
		}
	}
}

// Push segments one frame synchronously and offers every chunk it yields.
// It returns the number of chunks the sink accepted.
func (p *Pump) Push(frame []float32) int {
	accepted := 0
	for c, ok := p.seg.Feed(frame); ok; c, ok = p.seg.Feed(nil) {
		err := p.sink.OfferChunk(c)
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrNotListening):
			p.log.Debug("chunk discarded while idle", "chunk_id", c.ID)
		default:
			p.log.Warn("chunk dropped", "chunk_id", c.ID, "duration_ms", c.DurationMs(), "error", err)
		}
	}
	return accepted
}
