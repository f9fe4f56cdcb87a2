package ocr

import (
	"strings"

	"github.com/loqalabs/loqa-narrator/internal/archive"
	"github.com/loqalabs/loqa-narrator/internal/fault"
	"github.com/loqalabs/loqa-narrator/internal/textnorm"
)

// TextCollector turns a downloaded result archive into normalized text.
type TextCollector struct {
	reader *archive.Reader
	html   *textnorm.HTMLConverter
}

func NewTextCollector(reader *archive.Reader) *TextCollector {
	return &TextCollector{reader: reader, html: textnorm.NewHTMLConverter()}
}

// Collect joins the text entries of data with blank lines, trims and
// normalizes the result. An archive with no text yields
// fault.ErrNoTextExtracted.
func (c *TextCollector) Collect(data []byte) (string, int, error) {
	var parts []string
	for entry := range c.reader.Entries(data) {
		text := string(entry.Payload)
		if textnorm.IsHTMLName(entry.Name) {
			text = c.html.ToMarkdown(text)
		}
		parts = append(parts, text)
	}
	text := textnorm.Normalize(strings.TrimSpace(strings.Join(parts, "\n\n")))
	if text == "" {
		return "", len(parts), fault.AtStep(fault.StepExtract, fault.ErrNoTextExtracted)
	}
	return text, len(parts), nil
}
