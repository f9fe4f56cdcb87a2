// Package service exposes the conversion pipeline on the message bus.
package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/document"
	"github.com/loqalabs/loqa-narrator/internal/fault"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/semaphore"
)

// Converter is the subset of *pipeline.Converter the service drives.
type Converter interface {
	Convert(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
	Extract(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
	Synthesize(ctx context.Context, text, voice, language string) (pipeline.Result, error)
}

type Service struct {
	cfg    config.PipelineConfig
	bus    *bus.Client
	conv   Converter
	sem    *semaphore.Weighted
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewService(parent context.Context, cfg config.PipelineConfig, busClient *bus.Client, conv Converter, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	limit := int64(cfg.MaxConcurrency)
	if limit <= 0 {
		limit = 1
	}
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		conv:   conv,
		sem:    semaphore.NewWeighted(limit),
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "narrator-service")),
	}
}

// Start joins the queue group so replicas share requests.
func (s *Service) Start() error {
	if !s.cfg.ServiceEnabled {
		return nil
	}
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectConvertRequest, s.cfg.QueueGroup, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("narrator service listening",
		slog.String("subject", protocol.SubjectConvertRequest),
		slog.String("queue", s.cfg.QueueGroup))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.ServiceEnabled || s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.ConvertRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode convert request", slogError(err))
		s.reply(msg, protocol.ConvertRequest{}, pipeline.Result{}, fmt.Errorf("%w: %v", fault.ErrInvalidRequest, err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			s.reply(msg, req, pipeline.Result{}, err)
			return
		}
		defer s.sem.Release(1)

		res, err := s.process(s.ctx, req)
		s.reply(msg, req, res, err)
	}()
}

func (s *Service) process(ctx context.Context, req protocol.ConvertRequest) (pipeline.Result, error) {
	mode := strings.ToLower(strings.TrimSpace(req.Mode))
	if mode == "" {
		mode = protocol.ModeConvert
	}
	switch mode {
	case protocol.ModeSynthesize:
		if strings.TrimSpace(req.Text) == "" {
			return pipeline.Result{}, fmt.Errorf("%w: text is required", fault.ErrInvalidRequest)
		}
		return s.conv.Synthesize(ctx, req.Text, req.Voice, req.Language)
	case protocol.ModeConvert, protocol.ModeExtract:
		data, embedded, err := document.DecodeBase64(req.DocumentBase64)
		if err != nil {
			return pipeline.Result{}, err
		}
		mediaType := req.MediaType
		if mediaType == "" {
			mediaType = embedded
		}
		doc, err := document.New(data, mediaType, req.Language)
		if err != nil {
			return pipeline.Result{}, err
		}
		preq := pipeline.Request{Document: doc, Voice: req.Voice, Language: req.Language}
		if mode == protocol.ModeExtract {
			return s.conv.Extract(ctx, preq)
		}
		return s.conv.Convert(ctx, preq)
	default:
		return pipeline.Result{}, fmt.Errorf("%w: unknown mode %q", fault.ErrInvalidRequest, req.Mode)
	}
}

func (s *Service) reply(msg *nats.Msg, req protocol.ConvertRequest, res pipeline.Result, err error) {
	now := time.Now().UTC()
	out := protocol.ConvertReply{
		RequestID:    req.RequestID,
		ConversionID: res.ConversionID,
		Text:         res.Text,
		Chunks:       res.Chunks,
		Pages:        res.Pages,
		Timestamp:    now,
	}
	if len(res.Audio) > 0 {
		out.AudioBase64 = base64.StdEncoding.EncodeToString(res.Audio)
	}
	if err != nil {
		out = failure(out, err)
	}

	data, mErr := json.Marshal(out)
	if mErr != nil {
		s.logger.Warn("failed to marshal convert reply", slogError(mErr))
		return
	}
	if !s.bus.Fits(len(data)) {
		s.logger.Warn("convert reply exceeds bus payload limit",
			slog.String("conversion_id", res.ConversionID),
			slog.Int("bytes", len(data)))
		err = fmt.Errorf("%w: reply of %d bytes exceeds the bus payload limit", fault.ErrDocumentTooLarge, len(data))
		data, _ = json.Marshal(failure(protocol.ConvertReply{RequestID: req.RequestID, ConversionID: res.ConversionID, Timestamp: now}, err))
	}
	if msg.Reply != "" {
		if rErr := msg.Respond(data); rErr != nil {
			s.logger.Warn("failed to send convert reply", slogError(rErr))
		}
	}

	status := protocol.ConvertStatus{
		RequestID:    req.RequestID,
		ConversionID: res.ConversionID,
		Mode:         req.Mode,
		Completed:    err == nil,
		Kind:         fault.Kind(err),
		AudioBytes:   len(res.Audio),
		Timestamp:    now,
	}
	if status.Mode == "" {
		status.Mode = protocol.ModeConvert
	}
	if data, err := json.Marshal(status); err == nil {
		_ = s.bus.Conn().Publish(protocol.SubjectConvertDone, data)
	}
}

func failure(out protocol.ConvertReply, err error) protocol.ConvertReply {
	out.Text = ""
	out.AudioBase64 = ""
	out.Chunks = 0
	out.Error = err.Error()
	out.Kind = fault.Kind(err)
	out.Step = string(fault.StepOf(err))
	return out
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
