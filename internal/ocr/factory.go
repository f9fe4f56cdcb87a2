package ocr

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-narrator/internal/archive"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/fault"
)

// New builds the extraction strategy selected by cfg.Mode, wrapped in a
// result cache when cfg.CacheSize is positive.
func New(cfg config.OCRConfig, client *http.Client, logger *slog.Logger) (Extractor, error) {
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout()}
	}
	var ex Extractor
	switch cfg.Mode {
	case config.OCRModeMock, "":
		ex = NewMockExtractor()
	case config.OCRModeJob:
		backend, err := NewSarvamBackend(cfg.Endpoint, cfg.APIKey, client)
		if err != nil {
			return nil, err
		}
		collector := NewTextCollector(archive.NewReader(logger, cfg.Extensions...))
		ex = NewJobExtractor(backend, collector, JobOptions{
			PollInterval: cfg.PollInterval(),
			MaxAttempts:  cfg.MaxPollAttempts,
		}, logger)
	case config.OCRModeGemini:
		gemini, err := NewGeminiExtractor(cfg.GeminiEndpoint, cfg.GeminiModel, cfg.GeminiAPIKey, client)
		if err != nil {
			return nil, err
		}
		ex = gemini
	case config.OCRModeOllama:
		ex = NewOllamaExtractor(cfg.OllamaEndpoint, cfg.OllamaModel, client)
	default:
		return nil, fmt.Errorf("%w: unknown ocr mode %q", fault.ErrConfiguration, cfg.Mode)
	}
	if cfg.CacheSize <= 0 {
		return ex, nil
	}
	cached, err := NewCachingExtractor(ex, cfg.CacheSize, logger)
	if err != nil {
		return nil, err
	}
	return cached, nil
}
