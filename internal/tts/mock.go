package tts

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"
	"unicode/utf8"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// mockMillisPerRune sets how long the generated tone lasts per character.
const mockMillisPerRune = 10

type mockSynth struct {
	sampleRate int
	channels   int
	delay      time.Duration
}

// NewMockSynth returns a synthesizer that renders a quiet tone whose length
// follows the text length. It needs no network access.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels, delay: 5 * time.Millisecond}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(m.delay):
	}
	frames := m.sampleRate * utf8.RuneCountInString(req.Text) * mockMillisPerRune / 1000
	return renderTone(frames, m.sampleRate, m.channels)
}

// renderTone encodes a 440 Hz tone through a temp file, since the encoder
// needs to seek back and patch its header.
func renderTone(frames, sampleRate, channels int) ([]byte, error) {
	data := make([]int, frames*channels)
	for i := range frames {
		v := int(1000 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
		for c := range channels {
			data[i*channels+c] = v
		}
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}

	file, err := os.CreateTemp("", "narrator_tts_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return os.ReadFile(file.Name())
}
