package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/loqalabs/loqa-narrator/internal/document"
	"github.com/loqalabs/loqa-narrator/internal/fault"
)

// extractionPrompt asks for the document text and nothing else.
const extractionPrompt = "Extract all readable text from this document exactly as written, in reading order. " +
	"Return only the raw extracted text with no commentary, headings, explanations or formatting."

// GeminiExtractor sends the document inline to the Gemini generateContent API.
type GeminiExtractor struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func NewGeminiExtractor(endpoint, model, apiKey string, client *http.Client) (*GeminiExtractor, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%w: gemini api key is not configured", fault.ErrConfiguration)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &GeminiExtractor{endpoint: strings.TrimRight(endpoint, "/"), model: model, apiKey: apiKey, client: client}, nil
}

func (g *GeminiExtractor) Extract(ctx context.Context, doc document.Document) (string, error) {
	payload := geminiRequest{Contents: []geminiContent{{Parts: []geminiPart{
		{Text: extractionPrompt},
		{InlineData: &geminiInlineData{MimeType: doc.MediaType, Data: base64.StdEncoding.EncodeToString(doc.Data)}},
	}}}}
	target := fmt.Sprintf("%s/v1beta/models/%s:generateContent", g.endpoint, url.PathEscape(g.model))
	var resp geminiResponse
	if err := postJSON(ctx, g.client, target, map[string]string{"x-goog-api-key": g.apiKey}, payload, &resp); err != nil {
		return "", err
	}
	var b strings.Builder
	for _, c := range resp.Candidates {
		for _, p := range c.Content.Parts {
			b.WriteString(p.Text)
		}
		if b.Len() > 0 {
			break
		}
	}
	return inlineText(b.String())
}

// OllamaExtractor uses a local vision model through /api/generate. Only
// images are accepted.
type OllamaExtractor struct {
	endpoint string
	model    string
	client   *http.Client
}

type ollamaRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images"`
	Stream bool     `json:"stream"`
}

type ollamaResponse struct {
	Response string `json:"response"`
}

func NewOllamaExtractor(endpoint, model string, client *http.Client) *OllamaExtractor {
	if client == nil {
		client = http.DefaultClient
	}
	return &OllamaExtractor{endpoint: strings.TrimRight(endpoint, "/"), model: model, client: client}
}

func (o *OllamaExtractor) Extract(ctx context.Context, doc document.Document) (string, error) {
	if !doc.IsImage() {
		return "", fmt.Errorf("%w: ollama extraction accepts images only, got %q", fault.ErrUnsupportedMediaType, doc.MediaType)
	}
	payload := ollamaRequest{
		Model:  o.model,
		Prompt: extractionPrompt,
		Images: []string{base64.StdEncoding.EncodeToString(doc.Data)},
	}
	var resp ollamaResponse
	if err := postJSON(ctx, o.client, o.endpoint+"/api/generate", nil, payload, &resp); err != nil {
		return "", err
	}
	return inlineText(resp.Response)
}

// inlineText trims the model response; an empty response is an error.
func inlineText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fault.AtStep(fault.StepExtract, fault.ErrNoTextExtracted)
	}
	return text, nil
}

func postJSON(ctx context.Context, client *http.Client, target string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fault.AtStep(fault.StepExtract, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fault.Transport(fault.StepExtract, err)
	}
	defer resp.Body.Close()
	if err := fault.CheckResponse(fault.StepExtract, resp); err != nil {
		return err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fault.Transport(fault.StepExtract, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fault.AtStep(fault.StepExtract, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
