package ocr

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/loqalabs/loqa-narrator/internal/document"
)

type mockExtractor struct {
	delay time.Duration
}

// NewMockExtractor returns an extractor that describes the document instead
// of reading it. It lets the pipeline run without credentials.
func NewMockExtractor() Extractor {
	return &mockExtractor{delay: 10 * time.Millisecond}
}

func (m *mockExtractor) Extract(ctx context.Context, doc document.Document) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(m.delay):
	}
	return fmt.Sprintf("This is placeholder text for a %s document of %s. "+
		"Configure an extraction backend to read the real content.",
		doc.MediaType, humanize.Bytes(uint64(len(doc.Data)))), nil
}
