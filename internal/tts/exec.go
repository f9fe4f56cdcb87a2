package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-narrator/internal/fault"
	"github.com/loqalabs/loqa-narrator/internal/wav"
	"github.com/mattn/go-shellwords"
)

type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
	mu         sync.Mutex
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	Language   string `json:"language"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// execResponse carries either a complete WAV container or raw 16-bit PCM,
// which is wrapped in a header before returning.
type execResponse struct {
	AudioBase64 string `json:"audio_base64"`
	PCMBase64   string `json:"pcm_base64"`
}

// NewExecSynth runs command once per chunk, writing a JSON request to its
// stdin and reading a single JSON response from its stdout.
func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("%w: parse tts command: %v", fault.ErrConfiguration, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: tts command empty", fault.ErrConfiguration)
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload, err := json.Marshal(execRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		Language:   req.Language,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return nil, err
	}

	command := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	command.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fault.AtStep(fault.StepSynthesize, fmt.Errorf("tts command failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes())))
	}

	var resp execResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fault.AtStep(fault.StepSynthesize, fmt.Errorf("decode tts response: %w", err))
	}
	switch {
	case resp.AudioBase64 != "":
		audio, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
		if err != nil {
			return nil, fault.AtStep(fault.StepSynthesize, fmt.Errorf("decode audio: %w", err))
		}
		return audio, nil
	case resp.PCMBase64 != "":
		pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			return nil, fault.AtStep(fault.StepSynthesize, fmt.Errorf("decode pcm: %w", err))
		}
		if len(pcm)%2 != 0 {
			return nil, fault.AtStep(fault.StepSynthesize, fmt.Errorf("pcm payload not aligned"))
		}
		header, err := wav.NewHeader(e.sampleRate, e.channels, 16, uint32(len(pcm))).MarshalBinary()
		if err != nil {
			return nil, err
		}
		return append(header, pcm...), nil
	default:
		return nil, fault.AtStep(fault.StepSynthesize, fault.ErrNoAudioGenerated)
	}
}
