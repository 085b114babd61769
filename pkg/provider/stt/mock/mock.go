// Package mock provides a test double for the stt.Provider interface.
//
// Provider records every call, including a copy of the audio file contents
// taken while the file still exists, so tests can assert on what the caller
// uploaded after the caller has deleted the transient file.
//
// Example:
//
//	p := &mock.Provider{Result: stt.Result{Text: "これは何ですか？"}}
//	res, _ := p.Transcribe(ctx, stt.Request{AudioPath: path})
package mock

import (
	"context"
	"os"
	"sync"

	"github.com/MrWong99/listenpipe/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	Ctx context.Context
	Req stt.Request

	// Audio is the file content at AudioPath at call time (nil if unreadable).
	Audio []byte
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Transcribe when TranscribeFunc is nil.
	Result stt.Result

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// TranscribeFunc, if set, takes precedence over Result/Err. It runs without
	// the mock's lock held so it may block.
	TranscribeFunc func(ctx context.Context, req stt.Request) (stt.Result, error)

	// Calls records every call to Transcribe.
	Calls []TranscribeCall
}

// Transcribe records the call and returns the configured result.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	audio, _ := os.ReadFile(req.AudioPath)

	p.mu.Lock()
	p.Calls = append(p.Calls, TranscribeCall{Ctx: ctx, Req: req, Audio: audio})
	fn, res, err := p.TranscribeFunc, p.Result, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return res, err
}

// CallCount returns the number of recorded calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// LastCall returns the most recent call and whether there was one.
func (p *Provider) LastCall() (TranscribeCall, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Calls) == 0 {
		return TranscribeCall{}, false
	}
	return p.Calls[len(p.Calls)-1], true
}

var _ stt.Provider = (*Provider)(nil)
