// Package textnorm turns OCR markdown output into plain prose for speech.
package textnorm

import (
	"regexp"
	"strings"
)

type rule struct {
	re   *regexp.Regexp
	repl string
}

// Order matters: fenced code goes before inline code, images before links.
var rules = []rule{
	{regexp.MustCompile("(?s)```.*?```"), ""},
	{regexp.MustCompile("`([^`\n]+)`"), "$1"},
	{regexp.MustCompile(`(?m)^[ \t]{0,3}#{1,6}[ \t]+`), ""},
	{regexp.MustCompile(`(?m)^[ \t]*([-*_])(?:[ \t]*([-*_])){2,}[ \t]*$`), ""},
	{regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`), ""},
	{regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`), "$1"},
	{regexp.MustCompile(`\*\*([^*\s](?:[^*]*[^*\s])?)\*\*`), "$1"},
	{regexp.MustCompile(`__([^_\s](?:[^_]*[^_\s])?)__`), "$1"},
	{regexp.MustCompile(`\*([^*\s](?:[^*\n]*[^*\s])?)\*`), "$1"},
	{regexp.MustCompile(`\b_([^_\s](?:[^_\n]*[^_\s])?)_\b`), "$1"},
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

// Normalize strips markdown markup from text: ATX headings, emphasis, links,
// images, horizontal rules, fenced code blocks and inline code spans. Runs of
// three or more newlines collapse to a blank line and the result is trimmed.
//
// Unwrapping one construct can expose another (for example "**# x**"), so
// passes repeat until the text stops changing. Every rule replaces a match
// with something shorter, so the loop terminates.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	for {
		next := pass(text)
		if next == text {
			break
		}
		text = next
	}
	return text
}

func pass(text string) string {
	for _, r := range rules {
		text = r.re.ReplaceAllString(text, r.repl)
	}
	text = blankRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
