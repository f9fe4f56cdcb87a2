package ocr

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"hash/crc32"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/loqalabs/loqa-narrator/internal/archive"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/document"
	"github.com/loqalabs/loqa-narrator/internal/fault"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type zipFile struct {
	name    string
	body    string
	deflate bool
}

// buildZip writes entries with sizes in the local headers, as the
// extraction backend does.
func buildZip(t *testing.T, files ...zipFile) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, f := range files {
		payload := []byte(f.body)
		method := zip.Store
		if f.deflate {
			var comp bytes.Buffer
			fw, err := flate.NewWriter(&comp, flate.DefaultCompression)
			if err != nil {
				t.Fatalf("flate: %v", err)
			}
			fw.Write(payload)
			fw.Close()
			payload = comp.Bytes()
			method = zip.Deflate
		}
		hdr := &zip.FileHeader{
			Name:               f.name,
			Method:             method,
			CRC32:              crc32.ChecksumIEEE([]byte(f.body)),
			CompressedSize64:   uint64(len(payload)),
			UncompressedSize64: uint64(len(f.body)),
		}
		entry, err := w.CreateRaw(hdr)
		if err != nil {
			t.Fatalf("create entry: %v", err)
		}
		if _, err := entry.Write(payload); err != nil {
			t.Fatalf("write entry: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func pdfDoc() document.Document {
	return document.Document{Data: []byte("%PDF-1.4 fake"), MediaType: document.MediaTypePDF, Language: "en-IN"}
}

// fakeBackend scripts status replies and counts calls.
type fakeBackend struct {
	states    []string
	statusN   int
	downloads int
	archive   []byte
	uploadErr error
}

func (f *fakeBackend) Create(context.Context, string) (Job, error) {
	return Job{ID: "job-1", UploadURL: "https://upload.invalid/job-1", State: JobCreated}, nil
}

func (f *fakeBackend) Upload(context.Context, string, []byte, string) error { return f.uploadErr }

func (f *fakeBackend) Start(context.Context, string) error { return nil }

func (f *fakeBackend) Status(context.Context, string) (JobStatus, error) {
	state := f.states[min(f.statusN, len(f.states)-1)]
	f.statusN++
	st := JobStatus{State: state}
	if RemoteState(state) == JobCompleted {
		st.DownloadURL = "https://download.invalid/job-1.zip"
	}
	return st, nil
}

func (f *fakeBackend) Download(context.Context, string) ([]byte, error) {
	f.downloads++
	return f.archive, nil
}

type recordingSleep struct {
	total time.Duration
	calls int
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.calls++
	r.total += d
	return ctx.Err()
}

func newTestExtractor(backend JobBackend, opts JobOptions) *JobExtractor {
	collector := NewTextCollector(archive.NewReader(discardLogger()))
	return NewJobExtractor(backend, collector, opts, discardLogger())
}

func TestJobFailedSkipsDownload(t *testing.T) {
	backend := &fakeBackend{states: []string{"Processing", "Failed"}}
	rec := &recordingSleep{}
	ex := newTestExtractor(backend, JobOptions{PollInterval: time.Second, MaxAttempts: 10, Sleep: rec.sleep})

	_, err := ex.Extract(context.Background(), pdfDoc())
	if !errors.Is(err, fault.ErrJobFailed) {
		t.Fatalf("expected job failed, got %v", err)
	}
	if backend.downloads != 0 {
		t.Fatalf("download attempted after failure")
	}
	if backend.statusN != 2 {
		t.Fatalf("expected 2 polls, got %d", backend.statusN)
	}
}

func TestJobTimedOut(t *testing.T) {
	backend := &fakeBackend{states: []string{"processing"}}
	rec := &recordingSleep{}
	interval := 1500 * time.Millisecond
	ex := newTestExtractor(backend, JobOptions{PollInterval: interval, MaxAttempts: 7, Sleep: rec.sleep})

	job, err := ex.Run(context.Background(), pdfDoc())
	if !errors.Is(err, fault.ErrJobTimedOut) {
		t.Fatalf("expected timed out, got %v", err)
	}
	if job.State != JobTimedOut || job.Polls != 7 {
		t.Fatalf("unexpected job %+v", job)
	}
	if rec.total != 7*interval || rec.calls != 7 {
		t.Fatalf("expected 7 sleeps totalling %s, got %d totalling %s", 7*interval, rec.calls, rec.total)
	}
	if backend.downloads != 0 {
		t.Fatalf("download attempted after timeout")
	}
}

func TestJobUnknownStateKeepsPolling(t *testing.T) {
	backend := &fakeBackend{
		states:  []string{"Pending", "queued", "PartiallyCompleted"},
		archive: buildZip(t, zipFile{name: "out/page1.md", body: "# Heading\n\nBody."}),
	}
	rec := &recordingSleep{}
	ex := newTestExtractor(backend, JobOptions{PollInterval: time.Millisecond, MaxAttempts: 5, Sleep: rec.sleep})

	text, err := ex.Extract(context.Background(), pdfDoc())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if text != "Heading\n\nBody." {
		t.Fatalf("unexpected text %q", text)
	}
	if backend.statusN != 3 || backend.downloads != 1 {
		t.Fatalf("unexpected calls status=%d downloads=%d", backend.statusN, backend.downloads)
	}
}

func TestJobCancelledDuringPoll(t *testing.T) {
	backend := &fakeBackend{states: []string{"processing"}}
	ex := newTestExtractor(backend, JobOptions{PollInterval: time.Hour, MaxAttempts: 3})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	started := time.Now()
	job, err := ex.Run(ctx, pdfDoc())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if time.Since(started) > 5*time.Second {
		t.Fatalf("cancellation did not interrupt the poll wait")
	}
	if backend.statusN != 0 || job.State != JobFailed {
		t.Fatalf("unexpected state after cancel: polls=%d state=%s", backend.statusN, job.State)
	}
}

func TestJobUploadFailureStopsBeforeStart(t *testing.T) {
	backend := &fakeBackend{
		states:    []string{"completed"},
		uploadErr: fault.Upstream(fault.StepUpload, http.StatusForbidden, []byte("expired")),
	}
	ex := newTestExtractor(backend, JobOptions{Sleep: (&recordingSleep{}).sleep})
	_, err := ex.Extract(context.Background(), pdfDoc())
	if fault.StepOf(err) != fault.StepUpload {
		t.Fatalf("expected upload step, got %q (%v)", fault.StepOf(err), err)
	}
	var ue *fault.UpstreamError
	if !errors.As(err, &ue) || ue.Status != http.StatusForbidden {
		t.Fatalf("expected upstream status 403, got %v", err)
	}
	if backend.statusN != 0 {
		t.Fatalf("polled after failed upload")
	}
}

// sarvamServer plays the document-intelligence API over HTTP.
type sarvamServer struct {
	t         *testing.T
	srv       *httptest.Server
	archive   []byte
	createSt  int
	polls     atomic.Int32
	uploaded  []byte
	uploadCT  string
	createReq createJobRequest
}

func newSarvamServer(t *testing.T, archive []byte) *sarvamServer {
	s := &sarvamServer{t: t, archive: archive, createSt: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/document-intelligence/jobs", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(apiKeyHeader) != "secret" {
			http.Error(w, "no key", http.StatusUnauthorized)
			return
		}
		if s.createSt != http.StatusOK {
			http.Error(w, "busy", s.createSt)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&s.createReq)
		_ = json.NewEncoder(w).Encode(createJobResponse{JobID: "j-42", UploadURL: s.srv.URL + "/upload/j-42"})
	})
	mux.HandleFunc("PUT /upload/j-42", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(apiKeyHeader) != "" {
			t.Errorf("api key leaked to upload url")
		}
		s.uploadCT = r.Header.Get("Content-Type")
		s.uploaded, _ = io.ReadAll(r.Body)
	})
	mux.HandleFunc("POST /v1/document-intelligence/jobs/j-42/start", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /v1/document-intelligence/jobs/j-42/status", func(w http.ResponseWriter, r *http.Request) {
		if s.polls.Add(1) < 2 {
			_ = json.NewEncoder(w).Encode(jobStatusResponse{JobState: "Running"})
			return
		}
		_ = json.NewEncoder(w).Encode(jobStatusResponse{JobState: "Completed", DownloadURL: s.srv.URL + "/download/j-42.zip"})
	})
	mux.HandleFunc("GET /download/j-42.zip", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(s.archive)
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func TestSarvamJobEndToEnd(t *testing.T) {
	zipped := buildZip(t,
		zipFile{name: "result/page_001.md", body: "# Chapter One\n\nIt was a **dark** and [stormy](http://x) night."},
		zipFile{name: "result/figure.png", body: "\x89PNG not text"},
		zipFile{name: "result/page_002.txt", body: "The _end_.", deflate: true},
		zipFile{name: "result/notes.html", body: "<p>Footnote <b>one</b>.</p>"},
	)
	s := newSarvamServer(t, zipped)

	backend, err := NewSarvamBackend(s.srv.URL, "secret", s.srv.Client())
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	rec := &recordingSleep{}
	ex := newTestExtractor(backend, JobOptions{PollInterval: 2 * time.Second, MaxAttempts: 60, Sleep: rec.sleep})

	doc := pdfDoc()
	doc.Language = "hi-IN"
	text, err := ex.Extract(context.Background(), doc)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	want := "Chapter One\n\nIt was a dark and stormy night.\n\nThe end.\n\nFootnote one."
	if text != want {
		t.Fatalf("unexpected text:\n got %q\nwant %q", text, want)
	}
	if s.createReq.LanguageCode != "hi-IN" || s.createReq.OutputFormat != "md" {
		t.Fatalf("unexpected create request %+v", s.createReq)
	}
	if !bytes.Equal(s.uploaded, doc.Data) || s.uploadCT != document.MediaTypePDF {
		t.Fatalf("unexpected upload %q (%s)", s.uploaded, s.uploadCT)
	}
	if rec.total != 4*time.Second {
		t.Fatalf("expected two 2s waits, got %s", rec.total)
	}
}

func TestSarvamCreateRateLimited(t *testing.T) {
	s := newSarvamServer(t, nil)
	s.createSt = http.StatusTooManyRequests
	backend, _ := NewSarvamBackend(s.srv.URL, "secret", s.srv.Client())
	ex := newTestExtractor(backend, JobOptions{Sleep: (&recordingSleep{}).sleep})

	_, err := ex.Extract(context.Background(), pdfDoc())
	if !errors.Is(err, fault.ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if fault.StepOf(err) != fault.StepCreate {
		t.Fatalf("expected create step, got %q", fault.StepOf(err))
	}
	if !fault.Retryable(err) {
		t.Fatal("rate limit must be retryable")
	}
}

func TestSarvamWrongKeyIsUpstreamError(t *testing.T) {
	s := newSarvamServer(t, nil)
	backend, _ := NewSarvamBackend(s.srv.URL, "wrong", s.srv.Client())
	_, err := backend.Create(context.Background(), "en-IN")
	if !errors.Is(err, fault.ErrUpstreamRequest) || errors.Is(err, fault.ErrRateLimited) {
		t.Fatalf("expected plain upstream error, got %v", err)
	}
	if !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected status in message, got %q", err.Error())
	}
}

func TestNewJobModeRequiresKey(t *testing.T) {
	cfg := config.Default().OCR
	cfg.Mode = config.OCRModeJob
	cfg.APIKey = ""
	if _, err := New(cfg, nil, discardLogger()); !errors.Is(err, fault.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestCollectorNoText(t *testing.T) {
	c := NewTextCollector(archive.NewReader(discardLogger()))
	_, _, err := c.Collect(buildZip(t, zipFile{name: "image.png", body: "binary"}))
	if !errors.Is(err, fault.ErrNoTextExtracted) {
		t.Fatalf("expected no text extracted, got %v", err)
	}
	_, _, err = c.Collect(nil)
	if !errors.Is(err, fault.ErrNoTextExtracted) {
		t.Fatalf("expected no text extracted for empty archive, got %v", err)
	}
}

func TestRemoteState(t *testing.T) {
	cases := []struct {
		in   string
		want JobState
	}{
		{"Completed", JobCompleted},
		{"succeeded", JobCompleted},
		{"PartiallyCompleted", JobCompleted},
		{"FAILED", JobFailed},
		{"error", JobFailed},
		{"Running", JobProcessing},
		{"", JobProcessing},
	}
	for _, tc := range cases {
		if got := RemoteState(tc.in); got != tc.want {
			t.Fatalf("RemoteState(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestJobStateTerminal(t *testing.T) {
	for _, s := range []JobState{JobCompleted, JobFailed, JobTimedOut} {
		if !s.Terminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
	for _, s := range []JobState{JobCreated, JobUploaded, JobStarted, JobProcessing} {
		if s.Terminal() {
			t.Errorf("%s must not be terminal", s)
		}
	}
}
