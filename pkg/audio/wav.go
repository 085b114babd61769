package audio

import (
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// wavPCMFormat is the WAVE format tag for uncompressed integer PCM.
const wavPCMFormat = 1

// WriteWAV writes pcm as a mono 16-bit PCM RIFF/WAVE container at sampleRate.
// The header is the canonical 44-byte form and its size fields match the
// payload exactly. w is finalised (sizes patched) before WriteWAV returns.
func WriteWAV(w io.WriteSeeker, pcm []int16, sampleRate int) error {
	enc := wav.NewEncoder(w, sampleRate, 16, 1, wavPCMFormat)

	data := make([]int, len(pcm))
	for i, v := range pcm {
		data[i] = int(v)
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("audio: write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: finalise wav: %w", err)
	}
	return nil
}

// DecodeWAV decodes a PCM WAV container into a [Frame] of float samples in
// [-1, 1]. Channel layout and rate are preserved; use a [FormatConverter] to
// normalise.
func DecodeWAV(r io.ReadSeeker) (Frame, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Frame{}, errors.New("audio: invalid wav container")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil && !errors.Is(err, io.EOF) {
		return Frame{}, fmt.Errorf("audio: decode wav: %w", err)
	}
	if buf == nil {
		return Frame{}, errors.New("audio: empty wav payload")
	}

	bitDepth := buf.SourceBitDepth
	if bitDepth <= 0 {
		bitDepth = int(dec.BitDepth)
	}
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float32(int64(1) << (bitDepth - 1))

	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v) / scale
	}

	frame := Frame{
		Samples:    samples,
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
	}
	if frame.SampleRate == 0 && buf.Format != nil {
		frame.SampleRate = buf.Format.SampleRate
	}
	if frame.Channels == 0 && buf.Format != nil {
		frame.Channels = buf.Format.NumChannels
	}
	return frame, nil
}

// IsWAV reports whether b starts with a RIFF/WAVE header.
func IsWAV(b []byte) bool {
	return len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WAVE"
}
