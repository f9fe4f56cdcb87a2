// Package document validates and inspects the files submitted for narration.
package document

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"mime"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-narrator/internal/fault"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	_ "golang.org/x/image/webp"
)

const MediaTypePDF = "application/pdf"

func init() {
	// Keep pdfcpu from creating a config directory under the user's home.
	model.ConfigPath = "disable"
}

// Document is a source file and the language its text is expected in.
type Document struct {
	Data      []byte
	MediaType string
	Language  string
}

// Info describes a validated document.
type Info struct {
	MediaType string
	Size      int
	Pages     int
	Width     int
	Height    int
}

// New normalises mediaType, sniffing it from data when empty, and validates
// the result.
func New(data []byte, mediaType, language string) (Document, error) {
	doc := Document{Data: data, MediaType: NormalizeMediaType(mediaType), Language: language}
	if doc.MediaType == "" && len(data) > 0 {
		doc.MediaType = NormalizeMediaType(http.DetectContentType(data))
	}
	if err := doc.Validate(0); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// NormalizeMediaType lower-cases mt and drops parameters. image/jpg is
// accepted as an alias of image/jpeg.
func NormalizeMediaType(mt string) string {
	mt = strings.TrimSpace(mt)
	if mt == "" {
		return ""
	}
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		mt = parsed
	}
	mt = strings.ToLower(mt)
	if mt == "image/jpg" {
		return "image/jpeg"
	}
	return mt
}

// Supported reports whether mt names a PDF or an image.
func Supported(mt string) bool {
	mt = NormalizeMediaType(mt)
	return mt == MediaTypePDF || strings.HasPrefix(mt, "image/")
}

func (d Document) IsPDF() bool { return d.MediaType == MediaTypePDF }

func (d Document) IsImage() bool { return strings.HasPrefix(d.MediaType, "image/") }

// Validate rejects empty, oversized (when maxBytes > 0) and unsupported
// documents.
func (d Document) Validate(maxBytes int) error {
	if len(d.Data) == 0 {
		return fmt.Errorf("%w: empty document", fault.ErrInvalidRequest)
	}
	if !Supported(d.MediaType) {
		return fmt.Errorf("%w: %q", fault.ErrUnsupportedMediaType, d.MediaType)
	}
	if maxBytes > 0 && len(d.Data) > maxBytes {
		return fmt.Errorf("%w: %d bytes, limit is %d", fault.ErrDocumentTooLarge, len(d.Data), maxBytes)
	}
	return nil
}

// Inspect reports page count for PDFs and pixel dimensions for images.
func Inspect(d Document) (Info, error) {
	info := Info{MediaType: d.MediaType, Size: len(d.Data)}
	switch {
	case d.IsPDF():
		pages, err := api.PageCount(bytes.NewReader(d.Data), model.NewDefaultConfiguration())
		if err != nil {
			return info, fmt.Errorf("read pdf: %w", err)
		}
		info.Pages = pages
	case d.IsImage():
		cfg, _, err := image.DecodeConfig(bytes.NewReader(d.Data))
		if err != nil {
			return info, fmt.Errorf("read image: %w", err)
		}
		info.Pages = 1
		info.Width, info.Height = cfg.Width, cfg.Height
	default:
		return info, fmt.Errorf("%w: %q", fault.ErrUnsupportedMediaType, d.MediaType)
	}
	return info, nil
}

// DecodeBase64 decodes a plain or data-URL base64 payload. For data URLs the
// embedded media type is returned as well.
func DecodeBase64(payload string) ([]byte, string, error) {
	payload = strings.TrimSpace(payload)
	var mediaType string
	if rest, ok := strings.CutPrefix(payload, "data:"); ok {
		header, body, found := strings.Cut(rest, ",")
		if !found {
			return nil, "", fmt.Errorf("%w: malformed data url", fault.ErrInvalidRequest)
		}
		mediaType = NormalizeMediaType(strings.TrimSuffix(header, ";base64"))
		payload = body
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("%w: decode base64: %v", fault.ErrInvalidRequest, err)
	}
	return data, mediaType, nil
}
