package ocr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loqalabs/loqa-narrator/internal/document"
	"github.com/loqalabs/loqa-narrator/internal/fault"
)

func TestGeminiExtractorInlineData(t *testing.T) {
	doc := document.Document{Data: []byte("%PDF-1.7 tiny"), MediaType: document.MediaTypePDF, Language: "en-IN"}
	var got geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-test:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "g-key" {
			t.Errorf("missing api key")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"  Page one text.\n"}]}}]}`)
	}))
	defer srv.Close()

	ex, err := NewGeminiExtractor(srv.URL, "gemini-test", "g-key", srv.Client())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	text, err := ex.Extract(context.Background(), doc)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if text != "Page one text." {
		t.Fatalf("unexpected text %q", text)
	}
	parts := got.Contents[0].Parts
	if len(parts) != 2 || parts[0].Text != extractionPrompt || parts[1].InlineData == nil {
		t.Fatalf("unexpected parts %+v", parts)
	}
	if parts[1].InlineData.MimeType != document.MediaTypePDF ||
		parts[1].InlineData.Data != base64.StdEncoding.EncodeToString(doc.Data) {
		t.Fatalf("unexpected inline data %+v", parts[1].InlineData)
	}
}

func TestGeminiExtractorEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"candidates":[]}`)
	}))
	defer srv.Close()
	ex, _ := NewGeminiExtractor(srv.URL, "m", "k", srv.Client())
	_, err := ex.Extract(context.Background(), document.Document{Data: []byte("x"), MediaType: "image/png"})
	if !errors.Is(err, fault.ErrNoTextExtracted) {
		t.Fatalf("expected no text extracted, got %v", err)
	}
}

func TestGeminiExtractorMissingKey(t *testing.T) {
	if _, err := NewGeminiExtractor("http://x", "m", "", nil); !errors.Is(err, fault.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestOllamaExtractor(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(ollamaResponse{Response: "Sign reads: open daily."})
	}))
	defer srv.Close()

	ex := NewOllamaExtractor(srv.URL, "llava:test", srv.Client())
	text, err := ex.Extract(context.Background(), document.Document{Data: []byte("img"), MediaType: "image/jpeg"})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if text != "Sign reads: open daily." {
		t.Fatalf("unexpected text %q", text)
	}
	if got.Model != "llava:test" || got.Stream || len(got.Images) != 1 {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestOllamaExtractorRejectsPDF(t *testing.T) {
	ex := NewOllamaExtractor("http://127.0.0.1:1", "m", nil)
	_, err := ex.Extract(context.Background(), document.Document{Data: []byte("%PDF"), MediaType: document.MediaTypePDF})
	if !errors.Is(err, fault.ErrUnsupportedMediaType) {
		t.Fatalf("expected unsupported media type, got %v", err)
	}
}

func TestMultimodalUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()
	ex := NewOllamaExtractor(srv.URL, "m", srv.Client())
	_, err := ex.Extract(context.Background(), document.Document{Data: []byte("img"), MediaType: "image/png"})
	if !errors.Is(err, fault.ErrRateLimited) || fault.StepOf(err) != fault.StepExtract {
		t.Fatalf("expected rate limited at extract, got %v", err)
	}
}

type countingExtractor struct {
	calls int
	err   error
}

func (c *countingExtractor) Extract(_ context.Context, doc document.Document) (string, error) {
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	return "text for " + doc.Language, nil
}

func TestCachingExtractor(t *testing.T) {
	inner := &countingExtractor{}
	cached, err := NewCachingExtractor(inner, 4, discardLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	doc := document.Document{Data: []byte("same bytes"), MediaType: "image/png", Language: "en-IN"}

	for range 3 {
		if text, err := cached.Extract(context.Background(), doc); err != nil || text != "text for en-IN" {
			t.Fatalf("extract: %q %v", text, err)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("expected one backend call, got %d", inner.calls)
	}

	doc.Language = "hi-IN"
	if _, err := cached.Extract(context.Background(), doc); err != nil {
		t.Fatalf("extract: %v", err)
	}
	if inner.calls != 2 || cached.Len() != 2 {
		t.Fatalf("language must be part of the key: calls=%d len=%d", inner.calls, cached.Len())
	}
}

func TestCachingExtractorSkipsFailures(t *testing.T) {
	inner := &countingExtractor{err: fault.ErrNoTextExtracted}
	cached, _ := NewCachingExtractor(inner, 4, discardLogger())
	doc := document.Document{Data: []byte("x"), MediaType: "image/png"}
	for range 2 {
		if _, err := cached.Extract(context.Background(), doc); err == nil {
			t.Fatal("expected error")
		}
	}
	if inner.calls != 2 || cached.Len() != 0 {
		t.Fatalf("failures must not be cached: calls=%d len=%d", inner.calls, cached.Len())
	}
}

func TestMockExtractor(t *testing.T) {
	ex := NewMockExtractor()
	text, err := ex.Extract(context.Background(), document.Document{Data: make([]byte, 2048), MediaType: "image/png"})
	if err != nil || text == "" {
		t.Fatalf("mock extract: %q %v", text, err)
	}
}
