package whisper_test

import (
	"context"
	"os"
	"testing"

	"github.com/MrWong99/listenpipe/pkg/provider/stt"
	"github.com/MrWong99/listenpipe/pkg/provider/stt/whisper"
)

// nativeModel loads the model named by WHISPER_MODEL_PATH or skips.
func nativeModel(t *testing.T, opts ...whisper.NativeOption) *whisper.NativeProvider {
	t.Helper()
	path := os.Getenv("WHISPER_MODEL_PATH")
	if path == "" {
		t.Skip("WHISPER_MODEL_PATH not set")
	}
	p, err := whisper.NewNative(path, opts...)
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestNewNative_Rejects(t *testing.T) {
	t.Parallel()

	for _, path := range []string{"", "/nonexistent/ggml-small.bin"} {
		if _, err := whisper.NewNative(path); err == nil {
			t.Errorf("NewNative(%q) succeeded", path)
		}
	}
}

func TestNativeTranscribe_ToneIsNotSpeech(t *testing.T) {
	p := nativeModel(t, whisper.WithNativeLanguage("ko"), whisper.WithNativeConcurrency(2))

	res, err := p.Transcribe(context.Background(), stt.Request{AudioPath: writeSpeechWAV(t, 16000)})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Confidence < 0 || res.Confidence > 1 {
		t.Errorf("Confidence = %v, want within [0, 1]", res.Confidence)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
