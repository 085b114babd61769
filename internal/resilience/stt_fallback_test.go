package resilience

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/listenpipe/pkg/provider/stt"
	sttmock "github.com/MrWong99/listenpipe/pkg/provider/stt/mock"
)

func testRequest(t *testing.T) stt.Request {
	t.Helper()
	path := filepath.Join(t.TempDir(), "unit.wav")
	if err := os.WriteFile(path, []byte("RIFF-test"), 0o600); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	return stt.Request{AudioPath: path, Language: "ko", SampleRate: 16000}
}

func TestSTTFallback_Transcribe_PrimarySuccess(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{Result: stt.Result{Text: "회의 언제야?", Confidence: 0.9}}
	secondary := &sttmock.Provider{}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	res, err := fb.Transcribe(context.Background(), testRequest(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "회의 언제야?" {
		t.Fatalf("text = %q", res.Text)
	}
	if primary.CallCount() != 1 {
		t.Fatalf("primary called %d times, want 1", primary.CallCount())
	}
	if secondary.CallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.CallCount())
	}
}

func TestSTTFallback_Transcribe_Failover(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{Err: errors.New("whisper server unreachable")}
	secondary := &sttmock.Provider{Result: stt.Result{Text: "fallback text"}}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	req := testRequest(t)
	res, err := fb.Transcribe(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "fallback text" {
		t.Fatalf("text = %q, want 'fallback text'", res.Text)
	}

	// Both engines must see the same audio.
	first, _ := primary.LastCall()
	second, _ := secondary.LastCall()
	if string(first.Audio) != "RIFF-test" || string(second.Audio) != "RIFF-test" {
		t.Errorf("audio mismatch: primary %q, secondary %q", first.Audio, second.Audio)
	}
	if second.Req.Language != "ko" {
		t.Errorf("language = %q, want ko", second.Req.Language)
	}
}

func TestSTTFallback_Transcribe_AllFail(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{Err: errors.New("primary down")}
	secondary := &sttmock.Provider{Err: stt.ErrMalformedResponse}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Transcribe(context.Background(), testRequest(t))
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, stt.ErrMalformedResponse) {
		t.Fatalf("err = %v, want the last engine error wrapped", err)
	}
	if got := fb.Status(); len(got) != 2 || got[0].Name != "primary" || got[1].Name != "secondary" {
		t.Fatalf("Status() = %+v", got)
	}
}
