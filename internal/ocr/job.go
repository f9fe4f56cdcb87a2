package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/document"
	"github.com/loqalabs/loqa-narrator/internal/fault"
)

// SleepFunc waits for d or until ctx is done, whichever comes first.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// JobExtractor drives create, upload, start, poll and download against a
// JobBackend, then collects the archive text.
type JobExtractor struct {
	backend     JobBackend
	collector   *TextCollector
	interval    time.Duration
	maxAttempts int
	sleep       SleepFunc
	logger      *slog.Logger
}

// JobOptions sets the polling budget. Zero values select 2s and 60 attempts.
type JobOptions struct {
	PollInterval time.Duration
	MaxAttempts  int
	Sleep        SleepFunc
}

func NewJobExtractor(backend JobBackend, collector *TextCollector, opts JobOptions, logger *slog.Logger) *JobExtractor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 60
	}
	if opts.Sleep == nil {
		opts.Sleep = Sleep
	}
	return &JobExtractor{
		backend:     backend,
		collector:   collector,
		interval:    opts.PollInterval,
		maxAttempts: opts.MaxAttempts,
		sleep:       opts.Sleep,
		logger:      logger.With(slog.String("component", "ocr-job")),
	}
}

func (e *JobExtractor) Extract(ctx context.Context, doc document.Document) (string, error) {
	job, err := e.Run(ctx, doc)
	if err != nil {
		return "", err
	}
	archive, err := e.backend.Download(ctx, job.DownloadURL)
	if err != nil {
		return "", err
	}
	text, entries, err := e.collector.Collect(archive)
	if err != nil {
		return "", err
	}
	e.logger.Info("job text collected",
		slog.String("job_id", job.ID),
		slog.Int("archive_bytes", len(archive)),
		slog.Int("entries", entries),
		slog.Int("chars", len(text)),
	)
	return text, nil
}

// Run takes a job from creation to a terminal state. It returns the completed
// job, or an error wrapping fault.ErrJobFailed, fault.ErrJobTimedOut, an
// upstream failure or ctx's error.
func (e *JobExtractor) Run(ctx context.Context, doc document.Document) (Job, error) {
	job, err := e.backend.Create(ctx, doc.Language)
	if err != nil {
		return job, err
	}
	logger := e.logger.With(slog.String("job_id", job.ID))
	logger.Debug("job created")

	if err := e.backend.Upload(ctx, job.UploadURL, doc.Data, doc.MediaType); err != nil {
		return e.fail(job, logger, err)
	}
	job.State = JobUploaded
	logger.Debug("document uploaded", slog.Int("bytes", len(doc.Data)))

	if err := e.backend.Start(ctx, job.ID); err != nil {
		return e.fail(job, logger, err)
	}
	job.State = JobStarted
	logger.Debug("job started")

	for !job.State.Terminal() {
		if job.Polls >= e.maxAttempts {
			job.State = JobTimedOut
			logger.Warn("job timed out", slog.Int("polls", job.Polls), slog.Duration("waited", time.Duration(job.Polls)*e.interval))
			return job, fault.AtStep(fault.StepStatus,
				fmt.Errorf("%w: still processing after %d polls", fault.ErrJobTimedOut, job.Polls))
		}
		if err := e.sleep(ctx, e.interval); err != nil {
			return e.fail(job, logger, err)
		}
		job.Polls++
		status, err := e.backend.Status(ctx, job.ID)
		if err != nil {
			return e.fail(job, logger, err)
		}
		job.State = RemoteState(status.State)
		job.DownloadURL = status.DownloadURL
		logger.Debug("job polled", slog.Int("attempt", job.Polls), slog.String("remote_state", status.State))
		if job.State == JobFailed {
			return e.fail(job, logger, fault.AtStep(fault.StepStatus,
				fmt.Errorf("%w: backend reported %q", fault.ErrJobFailed, status.State)))
		}
	}

	if job.DownloadURL == "" {
		return e.fail(job, logger, fault.AtStep(fault.StepStatus,
			fmt.Errorf("%w: completed job has no download url", fault.ErrUpstreamRequest)))
	}
	logger.Info("job completed", slog.Int("polls", job.Polls))
	return job, nil
}

func (e *JobExtractor) fail(job Job, logger *slog.Logger, err error) (Job, error) {
	job.State = JobFailed
	logger.Warn("job failed", slog.String("step", string(fault.StepOf(err))), slogError(err))
	return job, err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
