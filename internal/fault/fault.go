// Package fault defines the error kinds surfaced by the conversion pipeline.
package fault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	ErrConfiguration        = errors.New("configuration error")
	ErrUpstreamRequest      = errors.New("upstream request failed")
	ErrRateLimited          = errors.New("rate limited")
	ErrJobFailed            = errors.New("extraction job failed")
	ErrJobTimedOut          = errors.New("extraction job timed out")
	ErrNoTextExtracted      = errors.New("no text extracted")
	ErrNoAudioGenerated     = errors.New("no audio generated")
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	ErrDocumentTooLarge     = errors.New("document too large")
	ErrInvalidRequest       = errors.New("invalid request")
)

// Step names a remote call of the pipeline.
type Step string

const (
	StepCreate     Step = "create"
	StepUpload     Step = "upload"
	StepStart      Step = "start"
	StepStatus     Step = "status"
	StepDownload   Step = "download"
	StepExtract    Step = "extract"
	StepSynthesize Step = "synthesize"
)

// UpstreamError reports a failed remote call. Status is zero when the call
// failed before a response was received.
type UpstreamError struct {
	Step   Step
	Status int
	Body   string
	Err    error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Status == http.StatusTooManyRequests:
		return fmt.Sprintf("%s: rate limited by upstream (status %d)", e.Step, e.Status)
	case e.Status != 0 && e.Body != "":
		return fmt.Sprintf("%s: upstream returned status %d: %s", e.Step, e.Status, e.Body)
	case e.Status != 0:
		return fmt.Sprintf("%s: upstream returned status %d", e.Step, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Step, e.Err)
	default:
		return fmt.Sprintf("%s: upstream request failed", e.Step)
	}
}

func (e *UpstreamError) Unwrap() []error {
	kind := ErrUpstreamRequest
	if e.Status == http.StatusTooManyRequests {
		kind = ErrRateLimited
	}
	if e.Err != nil {
		return []error{kind, e.Err}
	}
	return []error{kind}
}

// Upstream builds an UpstreamError from a non-2xx status, trimming the body.
func Upstream(step Step, status int, body []byte) error {
	return &UpstreamError{Step: step, Status: status, Body: strings.TrimSpace(string(body))}
}

// MaxErrorBody caps how much of a failed response body is kept.
const MaxErrorBody = 4 << 10

// CheckResponse returns nil for a 2xx response. Otherwise it reads at most
// MaxErrorBody bytes of the body into an UpstreamError.
func CheckResponse(step Step, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBody))
	return Upstream(step, resp.StatusCode, body)
}

// Transport wraps a failed round trip. Context errors pass through unwrapped
// so cancellation stays distinguishable from upstream failures.
func Transport(step Step, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", step, err)
	}
	return &UpstreamError{Step: step, Err: err}
}

// StepOf returns the step attributed to err, if any.
func StepOf(err error) Step {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Step
	}
	var se *StepError
	if errors.As(err, &se) {
		return se.Step
	}
	return ""
}

// StepError attributes a non-transport failure to a step.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("%s: %v", e.Step, e.Err) }

func (e *StepError) Unwrap() error { return e.Err }

// AtStep wraps err with step attribution.
func AtStep(step Step, err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Step: step, Err: err}
}

// Kind returns a short stable name for the error kind.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrUnsupportedMediaType):
		return "unsupported_media_type"
	case errors.Is(err, ErrDocumentTooLarge):
		return "document_too_large"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrJobFailed):
		return "job_failed"
	case errors.Is(err, ErrJobTimedOut):
		return "job_timed_out"
	case errors.Is(err, ErrNoTextExtracted):
		return "no_text_extracted"
	case errors.Is(err, ErrNoAudioGenerated):
		return "no_audio_generated"
	case errors.Is(err, ErrUpstreamRequest):
		return "upstream_request"
	default:
		return "unknown"
	}
}

// HTTPStatus maps an error kind to the status returned by the HTTP surface.
func HTTPStatus(err error) int {
	switch Kind(err) {
	case "unsupported_media_type":
		return http.StatusUnsupportedMediaType
	case "document_too_large":
		return http.StatusRequestEntityTooLarge
	case "invalid_request":
		return http.StatusBadRequest
	case "rate_limited":
		return http.StatusTooManyRequests
	case "upstream_request", "job_failed":
		return http.StatusBadGateway
	case "job_timed_out":
		return http.StatusGatewayTimeout
	case "no_text_extracted", "no_audio_generated":
		return http.StatusUnprocessableEntity
	case "cancelled":
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may back off and retry.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
