package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Float32ToPCM16 converts float samples to signed 16-bit PCM values.
// Samples are clamped to [-1, 1]; negative values scale by 32768 and
// non-negative values by 32767, so both extremes map exactly onto the
// int16 range.
func Float32ToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = floatToPCM16(s)
	}
	return out
}

func floatToPCM16(s float32) int16 {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	v = max(-1, min(1, v))
	if v < 0 {
		return int16(math.Round(v * 32768))
	}
	return int16(math.Round(v * 32767))
}

// PCM16ToFloat32 converts signed 16-bit PCM values to floats in [-1, 1).
func PCM16ToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, v := range pcm {
		out[i] = float32(v) / 32768
	}
	return out
}

// DecodeFloat32LE decodes little-endian IEEE-754 float32 samples.
func DecodeFloat32LE(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("audio: float32 payload length %d is not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

// EncodeFloat32LE is the inverse of [DecodeFloat32LE].
func EncodeFloat32LE(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

// Peak returns the largest absolute sample value in samples.
func Peak(samples []float32) float32 {
	var p float32
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		if s > p {
			p = s
		}
	}
	return p
}

// FormatConverter normalises decoded frames to the pipeline's mono
// [SampleRate] stream. It logs a warning on the first format mismatch.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	warnedMismatch sync.Once
}

// Convert returns frame's samples as mono at [SampleRate]. A frame already in
// that format is returned unchanged (zero allocation). Conversion order:
// downmix first, then resample.
func (c *FormatConverter) Convert(frame Frame) []float32 {
	channels := max(frame.Channels, 1)
	if frame.SampleRate == SampleRate && channels == 1 {
		return frame.Samples
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(frame.SampleRate, channels),
			"to", formatString(SampleRate, 1),
		)
	})

	mono := frame.Samples
	if channels > 1 {
		mono = Downmix(frame.Samples, channels)
	}
	return Resample(mono, frame.SampleRate, SampleRate)
}

// Downmix averages interleaved multi-channel samples into a mono signal.
// A trailing partial frame is dropped.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += samples[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. If the rates match or either is invalid, the input is
// returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
