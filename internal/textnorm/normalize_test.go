package textnorm

import (
	"strings"
	"testing"
)

func TestNormalizeStripsMarkup(t *testing.T) {
	in := "# Chapter One\n\n" +
		"Some **bold** and *italic* and __strong__ and _soft_ words.\n\n" +
		"See [the docs](https://example.com/docs) for more.\n\n" +
		"![diagram](img/fig1.png)\n\n" +
		"---\n\n" +
		"```go\nfmt.Println(\"hidden\")\n```\n\n" +
		"Run `make build` now.\n\n\n\n" +
		"###### Tiny heading\n"
	got := Normalize(in)
	want := "Chapter One\n\n" +
		"Some bold and italic and strong and soft words.\n\n" +
		"See the docs for more.\n\n" +
		"Run make build now.\n\n" +
		"Tiny heading"
	if got != want {
		t.Fatalf("unexpected output:\n%q\nwant:\n%q", got, want)
	}
}

func TestNormalizeLeavesIdentifiersAlone(t *testing.T) {
	in := "The snake_case_name stays, and so does 2 * 3 * 4."
	if got := Normalize(in); got != in {
		t.Fatalf("got %q", got)
	}
}

func TestNormalizePlainTextUnchanged(t *testing.T) {
	in := "  A plain paragraph.\n\nAnother one.  "
	if got := Normalize(in); got != strings.TrimSpace(in) {
		t.Fatalf("got %q", got)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"**# Heading inside bold**",
		"***both***",
		"[**bold link**](http://x)",
		"> quote with `code` and [link](u)\n\n\n\n\n* item\n* item two",
		"___\n__a__ _b_ *c* **d**\n***\n",
		"",
		"no markup here",
	}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Errorf("not idempotent for %q: %q then %q", in, once, twice)
		}
		for _, marker := range []string{"**", "](", "```", "# "} {
			if strings.Contains(once, marker) {
				t.Errorf("residual %q in %q", marker, once)
			}
		}
	}
}

func TestNormalizeDeeplyNestedLinks(t *testing.T) {
	in := "x"
	for _, url := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		in = "[" + in + "](" + url + ")"
	}
	once := Normalize(in)
	if once != "x" {
		t.Fatalf("got %q, want %q", once, "x")
	}
	if twice := Normalize(once); twice != once {
		t.Fatalf("not idempotent: %q then %q", once, twice)
	}

	bold := strings.Repeat("**", 12) + "y" + strings.Repeat("**", 12)
	if got := Normalize(bold); got != "y" {
		t.Fatalf("nested bold: got %q", got)
	}
}

func TestNormalizeCRLF(t *testing.T) {
	if got := Normalize("# Title\r\n\r\n\r\n\r\nBody"); got != "Title\n\nBody" {
		t.Fatalf("got %q", got)
	}
}

func TestHTMLConverter(t *testing.T) {
	c := NewHTMLConverter()
	got := Normalize(c.ToMarkdown("<h1>Title</h1><p>Hello <strong>world</strong> &amp; friends.</p>"))
	if !strings.Contains(got, "Title") || !strings.Contains(got, "Hello world") || !strings.Contains(got, "friends.") {
		t.Fatalf("unexpected conversion %q", got)
	}
	if strings.Contains(got, "<") {
		t.Fatalf("tags survived: %q", got)
	}
	if c.ToMarkdown("   ") != "" {
		t.Fatalf("expected empty output for blank input")
	}
	if !IsHTMLName("out/page.HTML") || IsHTMLName("page.md") {
		t.Fatalf("unexpected IsHTMLName result")
	}
}
