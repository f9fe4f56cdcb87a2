package runtime

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/loqa-narrator/internal/capability"
	"github.com/loqalabs/loqa-narrator/internal/document"
	"github.com/loqalabs/loqa-narrator/internal/fault"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/service"
)

const corsAllowHeaders = "authorization, x-client-info, apikey, content-type"

// Base64 inflates a document by 4/3; the envelope gets some headroom on top.
const envelopeSlack = 64 << 10

type ocrRequest struct {
	FileBase64 string `json:"fileBase64"`
	PDFBase64  string `json:"pdfBase64"`
	MimeType   string `json:"mimeType"`
	Language   string `json:"language"`
	Voice      string `json:"voice"`
}

type ttsRequest struct {
	Text     string `json:"text"`
	Voice    string `json:"voice"`
	Language string `json:"language"`
}

type conversionResponse struct {
	ConversionID string `json:"conversionId"`
	Text         string `json:"text,omitempty"`
	Pages        int    `json:"pages,omitempty"`
	AudioBase64  string `json:"audioBase64,omitempty"`
	Chunks       int    `json:"chunks,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Step  string `json:"step,omitempty"`
}

// APIOptions configures the HTTP surface. Nil funcs and handlers disable the
// corresponding endpoint or check.
type APIOptions struct {
	MaxDocumentBytes int
	AllowedOrigins   []string
	Ready            func() bool
	Metrics          http.Handler
	Nodes            func() []capability.Node
}

// API serves the conversion pipeline over HTTP.
type API struct {
	conv   service.Converter
	opts   APIOptions
	logger *slog.Logger
}

func NewAPI(conv service.Converter, opts APIOptions, logger *slog.Logger) *API {
	return &API{
		conv:   conv,
		opts:   opts,
		logger: logger.With(slog.String("component", "http-api")),
	}
}

func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.cors)

	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)
	if a.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.opts.Metrics)
	}
	r.Route("/v1", func(r chi.Router) {
		if a.opts.Nodes != nil {
			r.Get("/nodes", a.handleNodes)
		}
		r.Post("/ocr", a.handleOCR)
		r.Post("/tts", a.handleTTS)
		r.Post("/convert", a.handleConvert)
	})
	return r
}

func (a *API) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := a.allowOrigin(r.Header.Get("Origin")); origin != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			if origin != "*" {
				h.Add("Vary", "Origin")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) allowOrigin(origin string) string {
	if slices.Contains(a.opts.AllowedOrigins, "*") {
		return "*"
	}
	if origin != "" && slices.Contains(a.opts.AllowedOrigins, origin) {
		return origin
	}
	return ""
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *API) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.opts.Ready == nil || a.opts.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *API) handleNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"nodes": a.opts.Nodes()})
}

func (a *API) handleOCR(w http.ResponseWriter, r *http.Request) {
	var body ocrRequest
	if !a.decode(w, r, &body) {
		return
	}
	req, err := body.pipelineRequest()
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.conv.Extract(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conversionResponse{ConversionID: res.ConversionID, Text: res.Text, Pages: res.Pages})
}

func (a *API) handleTTS(w http.ResponseWriter, r *http.Request) {
	var body ttsRequest
	if !a.decode(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		a.writeError(w, r, fmt.Errorf("%w: no text provided", fault.ErrInvalidRequest))
		return
	}
	res, err := a.conv.Synthesize(r.Context(), body.Text, body.Voice, body.Language)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conversionResponse{
		ConversionID: res.ConversionID,
		AudioBase64:  base64.StdEncoding.EncodeToString(res.Audio),
		Chunks:       res.Chunks,
	})
}

func (a *API) handleConvert(w http.ResponseWriter, r *http.Request) {
	var body ocrRequest
	if !a.decode(w, r, &body) {
		return
	}
	req, err := body.pipelineRequest()
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.conv.Convert(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conversionResponse{
		ConversionID: res.ConversionID,
		Text:         res.Text,
		Pages:        res.Pages,
		AudioBase64:  base64.StdEncoding.EncodeToString(res.Audio),
		Chunks:       res.Chunks,
	})
}

func (b ocrRequest) pipelineRequest() (pipeline.Request, error) {
	payload := b.FileBase64
	if payload == "" {
		payload = b.PDFBase64
	}
	if payload == "" {
		return pipeline.Request{}, fmt.Errorf("%w: no file provided", fault.ErrInvalidRequest)
	}
	data, embedded, err := document.DecodeBase64(payload)
	if err != nil {
		return pipeline.Request{}, err
	}
	mediaType := b.MimeType
	if mediaType == "" {
		mediaType = embedded
	}
	doc, err := document.New(data, mediaType, b.Language)
	if err != nil {
		return pipeline.Request{}, err
	}
	return pipeline.Request{Document: doc, Voice: b.Voice, Language: b.Language}, nil
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if a.opts.MaxDocumentBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, int64(a.opts.MaxDocumentBytes)/3*4+envelopeSlack)
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			err = fmt.Errorf("%w: request exceeds %d bytes", fault.ErrDocumentTooLarge, maxErr.Limit)
		} else {
			err = fmt.Errorf("%w: decode body: %v", fault.ErrInvalidRequest, err)
		}
		a.writeError(w, r, err)
		return false
	}
	return true
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := fault.HTTPStatus(err)
	resp := errorResponse{Error: err.Error(), Kind: fault.Kind(err), Step: string(fault.StepOf(err))}
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	a.logger.Log(r.Context(), level, "request failed",
		slog.String("path", r.URL.Path),
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.Int("status", status),
		slog.String("kind", resp.Kind),
		slogError(err))
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
