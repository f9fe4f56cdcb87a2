package ocr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/loqalabs/loqa-narrator/internal/document"
)

// CachingExtractor memoises successful extractions by document content and
// language. Failures are never cached.
type CachingExtractor struct {
	next   Extractor
	cache  *lru.Cache[string, string]
	logger *slog.Logger
}

func NewCachingExtractor(next Extractor, size int, logger *slog.Logger) (*CachingExtractor, error) {
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	return &CachingExtractor{next: next, cache: cache, logger: logger.With(slog.String("component", "ocr-cache"))}, nil
}

func cacheKey(doc document.Document) string {
	sum := sha256.Sum256(doc.Data)
	return hex.EncodeToString(sum[:]) + "|" + doc.Language
}

func (c *CachingExtractor) Extract(ctx context.Context, doc document.Document) (string, error) {
	key := cacheKey(doc)
	if text, ok := c.cache.Get(key); ok {
		c.logger.Debug("extraction cache hit", slog.Int("bytes", len(doc.Data)))
		return text, nil
	}
	text, err := c.next.Extract(ctx, doc)
	if err != nil {
		return "", err
	}
	c.cache.Add(key, text)
	return text, nil
}

func (c *CachingExtractor) Len() int { return c.cache.Len() }
