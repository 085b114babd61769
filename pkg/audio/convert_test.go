package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/listenpipe/pkg/audio"
)

func TestFloat32ToPCM16(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{"zero", 0, 0},
		{"full positive", 1, 32767},
		{"full negative", -1, -32768},
		{"clamp positive", 1.7, 32767},
		{"clamp negative", -3, -32768},
		{"half positive", 0.5, 16384},
		{"half negative", -0.5, -16384},
		{"nan", float32(math.NaN()), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := audio.Float32ToPCM16([]float32{tt.in})
			if got[0] != tt.want {
				t.Errorf("Float32ToPCM16(%v) = %d, want %d", tt.in, got[0], tt.want)
			}
		})
	}
}

func TestFloat32LE_RoundTrip(t *testing.T) {
	t.Parallel()

	in := []float32{0, 0.25, -0.75, 1, -1}
	got, err := audio.DecodeFloat32LE(audio.EncodeFloat32LE(in))
	if err != nil {
		t.Fatalf("DecodeFloat32LE: %v", err)
	}
	if len(got) != len(in) {
		t.Fatalf("length: got %d, want %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], in[i])
		}
	}
}

func TestDecodeFloat32LE_BadLength(t *testing.T) {
	t.Parallel()

	if _, err := audio.DecodeFloat32LE([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for 3-byte payload")
	}
}

func TestPeak(t *testing.T) {
	t.Parallel()

	if got := audio.Peak([]float32{0.1, -0.6, 0.3}); got != 0.6 {
		t.Errorf("Peak = %v, want 0.6", got)
	}
	if got := audio.Peak(nil); got != 0 {
		t.Errorf("Peak(nil) = %v, want 0", got)
	}
}

func TestDownmix(t *testing.T) {
	t.Parallel()

	got := audio.Downmix([]float32{0.2, 0.4, -0.2, -0.6, 0.9}, 2)
	want := []float32{0.3, -0.4}
	if len(got) != len(want) {
		t.Fatalf("length: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("frame %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestResample(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		src     int
		dst     int
		inLen   int
		wantLen int
	}{
		{"same rate", 16000, 16000, 160, 160},
		{"downsample 48k", 48000, 16000, 480, 160},
		{"upsample 8k", 8000, 16000, 80, 160},
		{"zero rate", 0, 16000, 80, 80},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := make([]float32, tt.inLen)
			for i := range in {
				in[i] = float32(i) / float32(tt.inLen)
			}
			got := audio.Resample(in, tt.src, tt.dst)
			if len(got) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(got), tt.wantLen)
			}
		})
	}
}

func TestFormatConverter_NoOp(t *testing.T) {
	t.Parallel()

	in := []float32{0.1, 0.2}
	var conv audio.FormatConverter
	got := conv.Convert(audio.Frame{Samples: in, SampleRate: audio.SampleRate, Channels: 1})
	if &got[0] != &in[0] {
		t.Error("expected matching format to return the input slice")
	}
}

func TestFormatConverter_StereoDownsample(t *testing.T) {
	t.Parallel()

	// 10 ms of 48 kHz stereo.
	in := make([]float32, 480*2)
	var conv audio.FormatConverter
	got := conv.Convert(audio.Frame{Samples: in, SampleRate: 48000, Channels: 2})
	if len(got) != 160 {
		t.Errorf("len = %d, want 160", len(got))
	}
}

func TestDurationConversions(t *testing.T) {
	t.Parallel()

	if got := audio.SamplesDuration(16000, audio.SampleRate); got.Seconds() != 1 {
		t.Errorf("SamplesDuration = %v, want 1s", got)
	}
	if got := audio.DurationSamples(audio.SamplesDuration(8000, audio.SampleRate), audio.SampleRate); got != 8000 {
		t.Errorf("DurationSamples = %d, want 8000", got)
	}
}
