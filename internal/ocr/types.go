// Package ocr extracts plain text from documents. Extraction is done either
// by an asynchronous document-intelligence job that returns an archive, or by
// a single multimodal model call; both satisfy Extractor.
package ocr

import (
	"context"
	"strings"

	"github.com/loqalabs/loqa-narrator/internal/document"
)

// Extractor returns the normalized text of doc.
type Extractor interface {
	Extract(ctx context.Context, doc document.Document) (string, error)
}

// JobState is the lifecycle position of an extraction job.
type JobState string

const (
	JobCreated    JobState = "created"
	JobUploaded   JobState = "uploaded"
	JobStarted    JobState = "started"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
	JobTimedOut   JobState = "timedOut"
)

// Terminal reports whether no further transition is possible.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobTimedOut
}

// Job is the orchestrator's record of one remote extraction job.
type Job struct {
	ID          string
	UploadURL   string
	DownloadURL string
	State       JobState
	Polls       int
}

// JobStatus is one status report from the backend.
type JobStatus struct {
	State       string
	DownloadURL string
}

// RemoteState maps a backend state string onto the job lifecycle. Unknown
// states count as still processing.
func RemoteState(s string) JobState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "completed", "succeeded", "partiallycompleted":
		return JobCompleted
	case "failed", "error":
		return JobFailed
	default:
		return JobProcessing
	}
}

// JobBackend is the remote side of the asynchronous extraction protocol.
type JobBackend interface {
	Create(ctx context.Context, language string) (Job, error)
	Upload(ctx context.Context, uploadURL string, data []byte, contentType string) error
	Start(ctx context.Context, jobID string) error
	Status(ctx context.Context, jobID string) (JobStatus, error)
	Download(ctx context.Context, downloadURL string) ([]byte, error)
}
