package textnorm

import (
	"html"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
)

// HTMLConverter renders HTML archive entries as markdown so they flow through
// Normalize like the markdown entries do.
type HTMLConverter struct {
	md     *converter.Converter
	strict *bluemonday.Policy
}

func NewHTMLConverter() *HTMLConverter {
	return &HTMLConverter{
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		strict: bluemonday.StrictPolicy(),
	}
}

// ToMarkdown converts src. When conversion fails or yields nothing, all tags
// are stripped instead.
func (c *HTMLConverter) ToMarkdown(src string) string {
	if strings.TrimSpace(src) == "" {
		return ""
	}
	out, err := c.md.ConvertString(src)
	if err == nil && strings.TrimSpace(out) != "" {
		return strings.TrimSpace(out)
	}
	return strings.TrimSpace(html.UnescapeString(c.strict.Sanitize(src)))
}

// IsHTMLName reports whether an archive entry name carries HTML.
func IsHTMLName(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".html") || strings.HasSuffix(lower, ".htm")
}
