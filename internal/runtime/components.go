package runtime

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/ocr"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/tts"
)

// BuildConverter assembles the extraction and synthesis backends selected by
// cfg. recorder may be nil.
func BuildConverter(cfg config.Config, recorder pipeline.Recorder, logger *slog.Logger) (*pipeline.Converter, error) {
	extractor, err := ocr.New(cfg.OCR, &http.Client{Timeout: cfg.OCR.RequestTimeout()}, logger)
	if err != nil {
		return nil, fmt.Errorf("ocr backend: %w", err)
	}
	synth, err := tts.New(cfg.TTS, &http.Client{Timeout: cfg.TTS.RequestTimeout()})
	if err != nil {
		return nil, fmt.Errorf("tts backend: %w", err)
	}
	narrator := tts.NewNarrator(synth, tts.Options{
		MaxChunkLength:    cfg.TTS.MaxChunkLength,
		RequestsPerSecond: cfg.TTS.RequestsPerSecond,
	}, logger)

	logger.Info("pipeline configured",
		slog.String("ocr_mode", cfg.OCR.Mode),
		slog.String("tts_mode", cfg.TTS.Mode),
		slog.Int("max_chunk_length", narrator.MaxChunkLength()))

	return pipeline.New(extractor, narrator, recorder, pipeline.Options{
		ExtractLanguage:  cfg.OCR.Language,
		DefaultLanguage:  cfg.TTS.Language,
		DefaultVoice:     cfg.TTS.Voice,
		MaxDocumentBytes: cfg.Pipeline.MaxDocumentBytes,
		Timeout:          cfg.Pipeline.Timeout(),
	}, logger)
}
