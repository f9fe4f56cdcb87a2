// Package pipeline runs a document through extraction, chunking and speech
// synthesis, recording each stage.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-narrator/internal/document"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/fault"
	"github.com/loqalabs/loqa-narrator/internal/ocr"
	"github.com/loqalabs/loqa-narrator/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-narrator/internal/pipeline"

const (
	OutcomeCompleted = "completed"

	stageExtract    = "extract"
	stageSynthesize = "synthesize"
)

// Recorder persists the conversion timeline. *eventstore.Store satisfies it.
type Recorder interface {
	BeginConversion(ctx context.Context, c eventstore.Conversion) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
	FinishConversion(ctx context.Context, id, outcome string) error
}

// Options carries per-deployment defaults and limits. ExtractLanguage is the
// extraction default and DefaultLanguage the speech default; an empty
// ExtractLanguage falls back to DefaultLanguage.
type Options struct {
	ExtractLanguage  string
	DefaultLanguage  string
	DefaultVoice     string
	MaxDocumentBytes int
	Timeout          time.Duration
}

// Request asks for a document to be narrated. Empty Voice or Language fall
// back to the configured defaults.
type Request struct {
	Document document.Document
	Voice    string
	Language string
}

// Result is the output of a conversion stage or of a full conversion.
type Result struct {
	ConversionID string
	Text         string
	Audio        []byte
	Chunks       int
	Pages        int
}

// Converter is safe for concurrent use; conversions share no state.
type Converter struct {
	extractor ocr.Extractor
	narrator  *tts.Narrator
	recorder  Recorder
	opts      Options
	logger    *slog.Logger
	newID     func() string

	tracer        trace.Tracer
	conversions   metric.Int64Counter
	stageDuration metric.Float64Histogram
	chunkCount    metric.Int64Histogram
}

func New(extractor ocr.Extractor, narrator *tts.Narrator, recorder Recorder, opts Options, logger *slog.Logger) (*Converter, error) {
	meter := otel.Meter(instrumentationName)
	conversions, err := meter.Int64Counter("narrator.conversions",
		metric.WithDescription("Finished conversions by outcome."))
	if err != nil {
		return nil, fmt.Errorf("create conversions counter: %w", err)
	}
	stageDuration, err := meter.Float64Histogram("narrator.stage.duration",
		metric.WithDescription("Duration of pipeline stages."), metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create stage histogram: %w", err)
	}
	chunkCount, err := meter.Int64Histogram("narrator.chunks",
		metric.WithDescription("Text chunks per synthesis."))
	if err != nil {
		return nil, fmt.Errorf("create chunk histogram: %w", err)
	}
	return &Converter{
		extractor:     extractor,
		narrator:      narrator,
		recorder:      recorder,
		opts:          opts,
		logger:        logger.With(slog.String("component", "pipeline")),
		newID:         uuid.NewString,
		tracer:        otel.Tracer(instrumentationName),
		conversions:   conversions,
		stageDuration: stageDuration,
		chunkCount:    chunkCount,
	}, nil
}

// Extract returns the normalized text of the request's document.
func (c *Converter) Extract(ctx context.Context, req Request) (Result, error) {
	return c.run(ctx, "extract", req, func(ctx context.Context, id string, res *Result) error {
		return c.extract(ctx, id, req, res)
	})
}

// Synthesize speaks text without an extraction stage.
func (c *Converter) Synthesize(ctx context.Context, text, voice, language string) (Result, error) {
	req := Request{Voice: voice, Language: language}
	return c.run(ctx, "synthesize", req, func(ctx context.Context, id string, res *Result) error {
		res.Text = text
		return c.synthesize(ctx, id, c.voice(req), c.language(req), res)
	})
}

// Convert extracts the document text and narrates it.
func (c *Converter) Convert(ctx context.Context, req Request) (Result, error) {
	return c.run(ctx, "convert", req, func(ctx context.Context, id string, res *Result) error {
		if err := c.extract(ctx, id, req, res); err != nil {
			return err
		}
		return c.synthesize(ctx, id, c.voice(req), c.language(req), res)
	})
}

func (c *Converter) voice(req Request) string {
	if req.Voice != "" {
		return req.Voice
	}
	return c.opts.DefaultVoice
}

func (c *Converter) language(req Request) string {
	if req.Language != "" {
		return req.Language
	}
	if req.Document.Language != "" {
		return req.Document.Language
	}
	return c.opts.DefaultLanguage
}

func (c *Converter) extractLanguage(req Request) string {
	if req.Language == "" && req.Document.Language == "" && c.opts.ExtractLanguage != "" {
		return c.opts.ExtractLanguage
	}
	return c.language(req)
}

func (c *Converter) run(ctx context.Context, op string, req Request, body func(context.Context, string, *Result) error) (Result, error) {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	id := c.newID()
	ctx, span := c.tracer.Start(ctx, "pipeline."+op, trace.WithAttributes(
		attribute.String("conversion.id", id),
		attribute.String("document.media_type", req.Document.MediaType),
	))
	defer span.End()
	logger := c.logger.With(slog.String("conversion_id", id), slog.String("op", op))

	c.record(logger, func(r Recorder) error {
		return r.BeginConversion(ctx, eventstore.Conversion{
			ID:        id,
			MediaType: req.Document.MediaType,
			Language:  c.language(req),
			Voice:     c.voice(req),
		})
	})

	started := time.Now()
	res := Result{ConversionID: id}
	err := body(ctx, id, &res)
	outcome := OutcomeCompleted
	if err != nil {
		outcome = fault.Kind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		logger.Warn("conversion failed",
			slog.String("kind", outcome),
			slog.String("step", string(fault.StepOf(err))),
			slogError(err),
		)
		c.appendEvent(ctx, logger, id, eventstore.EventConversionFailed, map[string]any{
			"kind":  outcome,
			"step":  fault.StepOf(err),
			"error": err.Error(),
		})
	} else {
		elapsed := time.Since(started)
		logger.Info("conversion finished",
			slog.Int("chars", len(res.Text)),
			slog.Int("chunks", res.Chunks),
			slog.Int("audio_bytes", len(res.Audio)),
			slog.Duration("elapsed", elapsed),
		)
		c.appendEvent(ctx, logger, id, eventstore.EventConversionCompleted, map[string]any{
			"op":         op,
			"elapsed_ms": elapsed.Milliseconds(),
		})
	}
	c.conversions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
	// The request context may be done already; the outcome is still recorded.
	c.record(logger, func(r Recorder) error {
		return r.FinishConversion(context.WithoutCancel(ctx), id, outcome)
	})
	if err != nil {
		return Result{ConversionID: id}, err
	}
	return res, nil
}

func (c *Converter) extract(ctx context.Context, id string, req Request, res *Result) error {
	doc := req.Document
	if doc.Language == "" {
		doc.Language = c.extractLanguage(req)
	}
	if err := doc.Validate(c.opts.MaxDocumentBytes); err != nil {
		return err
	}
	if info, err := document.Inspect(doc); err != nil {
		c.logger.Warn("document inspection failed", slog.String("conversion_id", id), slogError(err))
	} else {
		res.Pages = info.Pages
	}

	text, err := timed(ctx, c, stageExtract, func(ctx context.Context) (string, error) {
		return c.extractor.Extract(ctx, doc)
	})
	if err != nil {
		return err
	}
	if text == "" {
		return fault.AtStep(fault.StepExtract, fault.ErrNoTextExtracted)
	}
	res.Text = text
	c.appendEvent(ctx, c.logger, id, eventstore.EventExtractCompleted, map[string]any{
		"chars": len(text),
		"pages": res.Pages,
		"bytes": len(doc.Data),
	})
	return nil
}

func (c *Converter) synthesize(ctx context.Context, id, voice, language string, res *Result) error {
	speech, err := timed(ctx, c, stageSynthesize, func(ctx context.Context) (tts.Speech, error) {
		return c.narrator.Narrate(ctx, res.Text, voice, language)
	})
	if len(speech.Chunks) > 0 {
		c.chunkCount.Record(ctx, int64(len(speech.Chunks)))
	}
	if err != nil {
		return err
	}
	c.appendEvent(ctx, c.logger, id, eventstore.EventChunkCompleted, map[string]any{
		"chunks":     len(speech.Chunks),
		"max_length": c.narrator.MaxChunkLength(),
	})
	res.Audio = speech.Audio
	res.Chunks = len(speech.Chunks)
	c.appendEvent(ctx, c.logger, id, eventstore.EventSynthesizeCompleted, map[string]any{
		"audio_bytes": len(speech.Audio),
		"voice":       voice,
		"language":    language,
	})
	return nil
}

// timed runs fn in a child span and records its duration.
func timed[T any](ctx context.Context, c *Converter, stage string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := c.tracer.Start(ctx, "pipeline.stage."+stage)
	defer span.End()
	started := time.Now()
	out, err := fn(ctx)
	c.stageDuration.Record(ctx, time.Since(started).Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, fault.Kind(err))
	}
	return out, err
}

func (c *Converter) appendEvent(ctx context.Context, logger *slog.Logger, id, typ string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Warn("failed to encode event payload", slog.String("type", typ), slogError(err))
		return
	}
	c.record(logger, func(r Recorder) error {
		return r.AppendEvent(context.WithoutCancel(ctx), eventstore.Event{ConversionID: id, Type: typ, Payload: data})
	})
}

// record runs fn against the recorder; failures are logged, never returned.
func (c *Converter) record(logger *slog.Logger, fn func(Recorder) error) {
	if c.recorder == nil {
		return
	}
	if err := fn(c.recorder); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("failed to record conversion event", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
