package tts

import "context"

// SynthRequest is one chunk of text to speak.
type SynthRequest struct {
	Text     string
	Voice    string
	Language string
}

// Synthesizer turns one request into one self-contained WAV container.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) ([]byte, error)
}
