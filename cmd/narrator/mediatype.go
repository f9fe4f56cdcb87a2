package main

import (
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-narrator/internal/document"
)

var extensionTypes = map[string]string{
	".pdf":  document.MediaTypePDF,
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// mediaTypeFor guesses from the file extension; an empty result lets the
// document sniff its content.
func mediaTypeFor(path string) string {
	return extensionTypes[strings.ToLower(filepath.Ext(path))]
}
