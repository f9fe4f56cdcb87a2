package tts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/chunker"
	"github.com/loqalabs/loqa-narrator/internal/fault"
	"github.com/loqalabs/loqa-narrator/internal/wav"
	"golang.org/x/time/rate"
)

// Narrator speaks long text by synthesizing each chunk in order and
// stitching the resulting containers.
type Narrator struct {
	synth     Synthesizer
	maxLength int
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// Options tune a Narrator. RequestsPerSecond of zero disables pacing.
type Options struct {
	MaxChunkLength    int
	RequestsPerSecond float64
}

// Speech is the stitched result of a narration.
type Speech struct {
	Audio  []byte
	Chunks []chunker.Chunk
}

func NewNarrator(synth Synthesizer, opts Options, logger *slog.Logger) *Narrator {
	n := &Narrator{
		synth:     synth,
		maxLength: opts.MaxChunkLength,
		logger:    logger.With(slog.String("component", "narrator")),
	}
	if n.maxLength <= 0 {
		n.maxLength = chunker.DefaultMaxLength
	}
	if opts.RequestsPerSecond > 0 {
		n.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return n
}

func (n *Narrator) MaxChunkLength() int { return n.maxLength }

// Narrate chunks text and synthesizes it.
func (n *Narrator) Narrate(ctx context.Context, text, voice, language string) (Speech, error) {
	chunks := chunker.Split(text, n.maxLength)
	if len(chunks) == 0 {
		return Speech{}, fault.AtStep(fault.StepSynthesize, fmt.Errorf("%w: no text to synthesize", fault.ErrInvalidRequest))
	}
	audio, err := n.Synthesize(ctx, chunks, voice, language)
	if err != nil {
		return Speech{}, err
	}
	return Speech{Audio: audio, Chunks: chunks}, nil
}

// Synthesize calls the backend once per chunk, strictly in order, and stops
// at the first failure. A single chunk's container is returned as is.
func (n *Narrator) Synthesize(ctx context.Context, chunks []chunker.Chunk, voice, language string) ([]byte, error) {
	segments := make([][]byte, 0, len(chunks))
	for _, c := range chunks {
		if n.limiter != nil {
			if err := n.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		started := time.Now()
		audio, err := n.synth.Synthesize(ctx, SynthRequest{Text: c.Text, Voice: voice, Language: language})
		if err != nil {
			n.logger.Warn("chunk synthesis failed",
				slog.Int("chunk", c.Index),
				slog.Int("chunks", len(chunks)),
				slogError(err),
			)
			return nil, fmt.Errorf("chunk %d of %d: %w", c.Index, len(chunks), err)
		}
		if len(audio) == 0 {
			return nil, fault.AtStep(fault.StepSynthesize, fmt.Errorf("chunk %d: %w", c.Index, fault.ErrNoAudioGenerated))
		}
		n.logger.Debug("chunk synthesized",
			slog.Int("chunk", c.Index),
			slog.Int("chunks", len(chunks)),
			slog.Int("bytes", len(audio)),
			slog.Duration("elapsed", time.Since(started)),
		)
		segments = append(segments, audio)
	}

	stitched, err := wav.Stitch(segments)
	if err != nil {
		return nil, fault.AtStep(fault.StepSynthesize, err)
	}
	if len(segments) > 1 {
		n.logger.Info("audio stitched",
			slog.Int("segments", len(segments)),
			slog.Int("bytes", len(stitched)),
		)
	}
	return stitched, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
