package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/fault"
)

const apiKeyHeader = "api-subscription-key"

type sarvamSynth struct {
	endpoint string
	apiKey   string
	cfg      config.TTSConfig
	client   *http.Client
}

type sarvamRequest struct {
	Inputs              []string `json:"inputs"`
	TargetLanguageCode  string   `json:"target_language_code"`
	Speaker             string   `json:"speaker"`
	Pitch               float64  `json:"pitch"`
	Pace                float64  `json:"pace"`
	Loudness            float64  `json:"loudness"`
	SpeechSampleRate    int      `json:"speech_sample_rate"`
	EnablePreprocessing bool     `json:"enable_preprocessing"`
	Model               string   `json:"model"`
}

type sarvamResponse struct {
	Audios []string `json:"audios"`
}

// NewSarvamSynth returns a client for the hosted text-to-speech endpoint. A
// missing API key is reported before any request is made.
func NewSarvamSynth(cfg config.TTSConfig, client *http.Client) (Synthesizer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: tts api key is not configured", fault.ErrConfiguration)
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout()}
	}
	return &sarvamSynth{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		cfg:      cfg,
		client:   client,
	}, nil
}

func (s *sarvamSynth) Synthesize(ctx context.Context, req SynthRequest) ([]byte, error) {
	payload := sarvamRequest{
		Inputs:              []string{req.Text},
		TargetLanguageCode:  firstNonEmpty(req.Language, s.cfg.Language),
		Speaker:             firstNonEmpty(req.Voice, s.cfg.Voice),
		Pitch:               s.cfg.Pitch,
		Pace:                s.cfg.Pace,
		Loudness:            s.cfg.Loudness,
		SpeechSampleRate:    s.cfg.SampleRate,
		EnablePreprocessing: s.cfg.EnablePreprocessing,
		Model:               s.cfg.Model,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/text-to-speech", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(apiKeyHeader, s.apiKey)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fault.Transport(fault.StepSynthesize, err)
	}
	defer resp.Body.Close()
	if err := fault.CheckResponse(fault.StepSynthesize, resp); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Transport(fault.StepSynthesize, err)
	}

	var decoded sarvamResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fault.AtStep(fault.StepSynthesize, fmt.Errorf("decode response: %w", err))
	}
	if len(decoded.Audios) == 0 || decoded.Audios[0] == "" {
		return nil, fault.AtStep(fault.StepSynthesize, fault.ErrNoAudioGenerated)
	}
	audio, err := base64.StdEncoding.DecodeString(decoded.Audios[0])
	if err != nil {
		return nil, fault.AtStep(fault.StepSynthesize, fmt.Errorf("decode audio: %w", err))
	}
	return audio, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
