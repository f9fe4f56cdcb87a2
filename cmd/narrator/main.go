package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/document"
	"github.com/loqalabs/loqa-narrator/internal/fault"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/runtime"
)

var version = "0.1.0-dev"

const usage = "usage: narrator <convert|extract|speak|validate-config|version> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "convert":
		err = runConvert(ctx, os.Args[2:])
	case "extract":
		err = runExtract(ctx, os.Args[2:])
	case "speak":
		err = runSpeak(ctx, os.Args[2:])
	case "validate-config":
		err = runValidate(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "narrator: %v\n", err)
		if kind := fault.Kind(err); kind != "unknown" {
			fmt.Fprintf(os.Stderr, "kind: %s", kind)
			if step := fault.StepOf(err); step != "" {
				fmt.Fprintf(os.Stderr, " (step %s)", step)
			}
			fmt.Fprintln(os.Stderr)
		}
		os.Exit(1)
	}
}

// common holds the flags every pipeline command accepts.
type common struct {
	configPath string
	language   string
	voice      string
	retries    uint
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&c.language, "lang", "", "Language code (defaults to tts.language)")
	fs.StringVar(&c.voice, "voice", "", "Speaker voice (defaults to tts.voice)")
	fs.UintVar(&c.retries, "retries", 3, "Attempts when the backend rate limits")
}

func (c *common) converter() (*pipeline.Converter, *slog.Logger, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Telemetry.SlogLevel()}))
	conv, err := runtime.BuildConverter(cfg, nil, logger)
	if err != nil {
		return nil, nil, err
	}
	return conv, logger, nil
}

// withRetry repeats op while the backend reports rate limiting. Every other
// error is returned at once.
func withRetry(ctx context.Context, c common, logger *slog.Logger, op func() (pipeline.Result, error)) (pipeline.Result, error) {
	return backoff.Retry(ctx, func() (pipeline.Result, error) {
		res, err := op()
		if err != nil && !fault.Retryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(max(c.retries, 1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warn("rate limited, retrying", slog.Duration("wait", wait), slog.String("error", err.Error()))
		}),
	)
}

func loadDocument(path, language string) (document.Document, error) {
	if path == "" {
		return document.Document{}, errors.New("-file is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return document.Document{}, err
	}
	return document.New(data, mediaTypeFor(path), language)
}

func runConvert(ctx context.Context, args []string) error {
	var (
		c       common
		file    string
		out     string
		textOut string
	)
	fs := flag.NewFlagSet("convert", flag.ExitOnError)
	c.register(fs)
	fs.StringVar(&file, "file", "", "PDF or image to narrate")
	fs.StringVar(&out, "out", "speech.wav", "Where to write the WAV audio")
	fs.StringVar(&textOut, "text-out", "", "Optionally write the extracted text here")
	_ = fs.Parse(args)

	doc, err := loadDocument(file, c.language)
	if err != nil {
		return err
	}
	conv, logger, err := c.converter()
	if err != nil {
		return err
	}
	started := time.Now()
	res, err := withRetry(ctx, c, logger, func() (pipeline.Result, error) {
		return conv.Convert(ctx, pipeline.Request{Document: doc, Voice: c.voice, Language: c.language})
	})
	if err != nil {
		return err
	}
	if textOut != "" {
		if err := os.WriteFile(textOut, []byte(res.Text+"\n"), 0o644); err != nil {
			return err
		}
	}
	if err := os.WriteFile(out, res.Audio, 0o644); err != nil {
		return err
	}
	fmt.Printf("%s → %s: %s of text in %d chunk(s), %s of audio, took %s\n",
		file, out,
		humanize.Bytes(uint64(len(res.Text))), res.Chunks,
		humanize.Bytes(uint64(len(res.Audio))),
		time.Since(started).Round(time.Millisecond))
	return nil
}

func runExtract(ctx context.Context, args []string) error {
	var (
		c    common
		file string
		out  string
	)
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	c.register(fs)
	fs.StringVar(&file, "file", "", "PDF or image to read")
	fs.StringVar(&out, "out", "", "Write text here instead of stdout")
	_ = fs.Parse(args)

	doc, err := loadDocument(file, c.language)
	if err != nil {
		return err
	}
	conv, logger, err := c.converter()
	if err != nil {
		return err
	}
	res, err := withRetry(ctx, c, logger, func() (pipeline.Result, error) {
		return conv.Extract(ctx, pipeline.Request{Document: doc, Language: c.language})
	})
	if err != nil {
		return err
	}
	if out == "" {
		fmt.Println(res.Text)
		return nil
	}
	if err := os.WriteFile(out, []byte(res.Text+"\n"), 0o644); err != nil {
		return err
	}
	fmt.Printf("%s → %s: %s of text\n", file, out, humanize.Bytes(uint64(len(res.Text))))
	return nil
}

func runSpeak(ctx context.Context, args []string) error {
	var (
		c        common
		text     string
		textFile string
		out      string
	)
	fs := flag.NewFlagSet("speak", flag.ExitOnError)
	c.register(fs)
	fs.StringVar(&text, "text", "", "Text to speak")
	fs.StringVar(&textFile, "text-file", "", "Read the text to speak from this file")
	fs.StringVar(&out, "out", "speech.wav", "Where to write the WAV audio")
	_ = fs.Parse(args)

	if textFile != "" {
		data, err := os.ReadFile(textFile)
		if err != nil {
			return err
		}
		text = string(data)
	}
	if text == "" {
		return errors.New("-text or -text-file is required")
	}
	conv, logger, err := c.converter()
	if err != nil {
		return err
	}
	res, err := withRetry(ctx, c, logger, func() (pipeline.Result, error) {
		return conv.Synthesize(ctx, text, c.voice, c.language)
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, res.Audio, 0o644); err != nil {
		return err
	}
	fmt.Printf("%s: %d chunk(s), %s of audio\n", out, res.Chunks, humanize.Bytes(uint64(len(res.Audio))))
	return nil
}

func runValidate(args []string) error {
	var configPath string
	fs := flag.NewFlagSet("validate-config", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	_ = fs.Parse(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	if _, err := runtime.BuildConverter(cfg, nil, logger); err != nil {
		return err
	}
	fmt.Printf("config valid (ocr=%s, tts=%s)\n", cfg.OCR.Mode, cfg.TTS.Mode)
	return nil
}
