package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/loqalabs/loqa-narrator/internal/fault"
)

const apiKeyHeader = "api-subscription-key"

// SarvamBackend speaks the document-intelligence job API.
type SarvamBackend struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

type createJobRequest struct {
	LanguageCode string `json:"language_code"`
	OutputFormat string `json:"output_format"`
}

type createJobResponse struct {
	JobID     string `json:"job_id"`
	UploadURL string `json:"upload_url"`
}

type jobStatusResponse struct {
	JobState    string `json:"job_state"`
	DownloadURL string `json:"download_url"`
}

// NewSarvamBackend fails with fault.ErrConfiguration when apiKey is empty.
func NewSarvamBackend(endpoint, apiKey string, client *http.Client) (*SarvamBackend, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%w: ocr api key is not configured", fault.ErrConfiguration)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &SarvamBackend{endpoint: strings.TrimRight(endpoint, "/"), apiKey: apiKey, client: client}, nil
}

func (b *SarvamBackend) jobsURL(parts ...string) string {
	u := b.endpoint + "/v1/document-intelligence/jobs"
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

func (b *SarvamBackend) Create(ctx context.Context, language string) (Job, error) {
	body, err := json.Marshal(createJobRequest{LanguageCode: language, OutputFormat: "md"})
	if err != nil {
		return Job{}, err
	}
	var resp createJobResponse
	if err := b.do(ctx, fault.StepCreate, http.MethodPost, b.jobsURL(), body, "application/json", true, &resp); err != nil {
		return Job{}, err
	}
	if resp.JobID == "" || resp.UploadURL == "" {
		return Job{}, fault.AtStep(fault.StepCreate, fmt.Errorf("%w: response missing job id or upload url", fault.ErrUpstreamRequest))
	}
	return Job{ID: resp.JobID, UploadURL: resp.UploadURL, State: JobCreated}, nil
}

// Upload sends the document to the pre-signed URL without the API key.
func (b *SarvamBackend) Upload(ctx context.Context, uploadURL string, data []byte, contentType string) error {
	return b.do(ctx, fault.StepUpload, http.MethodPut, uploadURL, data, contentType, false, nil)
}

func (b *SarvamBackend) Start(ctx context.Context, jobID string) error {
	return b.do(ctx, fault.StepStart, http.MethodPost, b.jobsURL(jobID, "start"), nil, "", true, nil)
}

func (b *SarvamBackend) Status(ctx context.Context, jobID string) (JobStatus, error) {
	var resp jobStatusResponse
	if err := b.do(ctx, fault.StepStatus, http.MethodGet, b.jobsURL(jobID, "status"), nil, "", true, &resp); err != nil {
		return JobStatus{}, err
	}
	return JobStatus{State: resp.JobState, DownloadURL: resp.DownloadURL}, nil
}

func (b *SarvamBackend) Download(ctx context.Context, downloadURL string) ([]byte, error) {
	var out []byte
	err := b.do(ctx, fault.StepDownload, http.MethodGet, downloadURL, nil, "", false, &out)
	return out, err
}

// do performs one call. A *[]byte target receives the raw body; any other
// non-nil target is JSON-decoded.
func (b *SarvamBackend) do(ctx context.Context, step fault.Step, method, target string, body []byte, contentType string, authed bool, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fault.AtStep(step, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if authed {
		req.Header.Set(apiKeyHeader, b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fault.Transport(step, err)
	}
	defer resp.Body.Close()
	if err := fault.CheckResponse(step, resp); err != nil {
		return err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fault.Transport(step, err)
	}

	switch dst := out.(type) {
	case nil:
		return nil
	case *[]byte:
		*dst = data
		return nil
	default:
		if err := json.Unmarshal(data, dst); err != nil {
			return fault.AtStep(step, fmt.Errorf("decode response: %w", err))
		}
		return nil
	}
}
