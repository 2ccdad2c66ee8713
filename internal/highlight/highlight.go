// Package highlight renders source code as syntax-highlighted HTML.
package highlight

import (
	"bytes"
	"fmt"
	"html"
	"html/template"
	"strings"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// DefaultStyle matches the dark site theme.
const DefaultStyle = "dracula"

// Highlighter formats code with chroma using CSS classes.
type Highlighter struct {
	style     *chroma.Style
	formatter *chromahtml.Formatter
}

// New creates a highlighter for the named chroma style.
// Unknown styles fall back to chroma's default.
func New(style string) *Highlighter {
	return &Highlighter{
		style: styles.Get(style),
		formatter: chromahtml.New(
			chromahtml.WithClasses(true),
			chromahtml.TabWidth(4),
		),
	}
}

// Lexer returns the lexer for language, or chroma's fallback lexer when the
// language has none (placeholders such as "blueprint").
func Lexer(language string) chroma.Lexer {
	lexer := lexers.Get(language)
	if lexer == nil {
		lexer = lexers.Fallback
	}
	return chroma.Coalesce(lexer)
}

// Code renders source as a highlighted block. On a highlighting failure it
// returns the escaped plain block together with the error.
func (h *Highlighter) Code(language, source string) (template.HTML, error) {
	var buf bytes.Buffer
	writeOpen(&buf, language)

	iterator, err := Lexer(language).Tokenise(nil, source)
	if err == nil {
		err = h.formatter.Format(&buf, h.style, iterator)
	}
	if err != nil {
		return Plain(language, source), fmt.Errorf("highlight %s: %w", language, err)
	}

	buf.WriteString("</div>")
	return template.HTML(buf.String()), nil
}

// Plain renders source without highlighting.
func Plain(language, source string) template.HTML {
	var buf bytes.Buffer
	writeOpen(&buf, language)
	buf.WriteString(`<pre class="chroma"><code>`)
	buf.WriteString(html.EscapeString(source))
	buf.WriteString("</code></pre></div>")
	return template.HTML(buf.String())
}

// CSS returns the stylesheet for the highlighter's classes.
func (h *Highlighter) CSS() (string, error) {
	var sb strings.Builder
	if err := h.formatter.WriteCSS(&sb, h.style); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func writeOpen(buf *bytes.Buffer, language string) {
	buf.WriteString(`<div class="kb-code"`)
	if language != "" {
		buf.WriteString(` data-language="`)
		buf.WriteString(html.EscapeString(language))
		buf.WriteString(`"`)
	}
	buf.WriteString(">")
}
