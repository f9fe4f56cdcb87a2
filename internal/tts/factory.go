package tts

import (
	"fmt"
	"net/http"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/fault"
)

// New builds the synthesizer selected by cfg.Mode.
func New(cfg config.TTSConfig, client *http.Client) (Synthesizer, error) {
	switch cfg.Mode {
	case config.TTSModeMock, "":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case config.TTSModeSarvam:
		return NewSarvamSynth(cfg, client)
	case config.TTSModeExec:
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	default:
		return nil, fmt.Errorf("%w: unknown tts mode %q", fault.ErrConfiguration, cfg.Mode)
	}
}
