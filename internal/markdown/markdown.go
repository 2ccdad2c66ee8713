// Package markdown renders notes markdown to HTML. Fenced blocks tagged
// exactly "mermaid" become diagram mounts; other fences are highlighted.
package markdown

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/livetemplate/kbase/internal/highlight"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
)

// DiagramLanguage is the fence tag routed to the diagram renderer.
// The comparison is case-sensitive.
const DiagramLanguage = "mermaid"

const (
	attrDiagram = "data-kb-diagram"
	attrCode    = "data-kb-code"
	attrInline  = "data-kb-inline"
)

// Diagram is a diagram fence found in the document.
type Diagram struct {
	Index  int
	Source string
}

// CodeBlock is a code fence found in the document.
type CodeBlock struct {
	Language string
	Source   string
}

// Output is the result of rendering one markdown text.
type Output struct {
	HTML       string
	Diagrams   []Diagram
	CodeBlocks []CodeBlock

	// nonce is fresh per render so raw HTML in the source cannot forge a mount.
	nonce string
}

// Mount returns the placeholder markup for diagram i of this output.
func (o *Output) Mount(i int) string {
	return fmt.Sprintf(`<div class="kb-diagram" data-diagram="%d" data-mount="%s"></div>`, i, o.nonce)
}

// FillDiagrams replaces every diagram mount in the HTML with fill's output.
func (o *Output) FillDiagrams(fill func(Diagram) string) string {
	out := o.HTML
	for _, d := range o.Diagrams {
		out = strings.Replace(out, o.Mount(d.Index), fill(d), 1)
	}
	return out
}

// Pipeline converts markdown to HTML. It is safe for concurrent use.
type Pipeline struct {
	md goldmark.Markdown
}

// New creates a pipeline with GFM, automatic heading ids and raw HTML passthrough.
func New(hl *highlight.Highlighter) *Pipeline {
	md := goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
			parser.WithASTTransformers(util.Prioritized(externalLinks{}, 100)),
		),
		goldmark.WithRendererOptions(
			html.WithUnsafe(),
			renderer.WithNodeRenderers(util.Prioritized(&codeRenderer{hl: hl}, 100)),
		),
	)
	return &Pipeline{md: md}
}

// Render converts text. Malformed markdown degrades the way CommonMark
// specifies; an error only comes from the writer.
func (p *Pipeline) Render(src string) (*Output, error) {
	source := []byte(src)
	doc := p.md.Parser().Parse(text.NewReader(source))

	out := &Output{nonce: uuid.NewString()}
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.FencedCodeBlock:
			lang := ""
			if node.Info != nil {
				lang = string(node.Language(source))
			}
			body := fenceBody(node, source)
			switch {
			case lang == DiagramLanguage:
				node.SetAttributeString(attrDiagram, []byte(out.Mount(len(out.Diagrams))))
				out.Diagrams = append(out.Diagrams, Diagram{Index: len(out.Diagrams), Source: body})
			case lang == "" && !strings.Contains(body, "\n"):
				node.SetAttributeString(attrInline, []byte(body))
			default:
				node.SetAttributeString(attrCode, []byte(lang))
				out.CodeBlocks = append(out.CodeBlocks, CodeBlock{Language: lang, Source: body})
			}
			return ast.WalkSkipChildren, nil
		case *ast.CodeBlock:
			node.SetAttributeString(attrCode, []byte(""))
			out.CodeBlocks = append(out.CodeBlocks, CodeBlock{Source: fenceBody(node, source)})
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := p.md.Renderer().Render(&buf, source, doc); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}
	out.HTML = buf.String()
	return out, nil
}

// fenceBody joins the block lines, keeping leading whitespace and dropping
// exactly one trailing newline.
func fenceBody(n ast.Node, source []byte) string {
	var b strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(source))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// codeRenderer renders code blocks using the attributes set by Render.
type codeRenderer struct {
	hl *highlight.Highlighter
}

func (r *codeRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindFencedCodeBlock, r.renderCode)
	reg.Register(ast.KindCodeBlock, r.renderCode)
}

func (r *codeRenderer) renderCode(w util.BufWriter, source []byte, n ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}

	if v, ok := n.AttributeString(attrDiagram); ok {
		_, _ = w.Write(v.([]byte))
		_ = w.WriteByte('\n')
		return ast.WalkSkipChildren, nil
	}
	if v, ok := n.AttributeString(attrInline); ok {
		_, _ = w.WriteString("<p><code>")
		_, _ = w.Write(util.EscapeHTML(v.([]byte)))
		_, _ = w.WriteString("</code></p>\n")
		return ast.WalkSkipChildren, nil
	}

	lang := ""
	if v, ok := n.AttributeString(attrCode); ok {
		lang = string(v.([]byte))
	}
	body := fenceBody(n, source)
	if r.hl == nil {
		_, _ = w.WriteString(string(highlight.Plain(lang, body)))
	} else {
		// A failed highlight still returns the plain block.
		out, _ := r.hl.Code(lang, body)
		_, _ = w.WriteString(string(out))
	}
	_ = w.WriteByte('\n')
	return ast.WalkSkipChildren, nil
}

// externalLinks marks absolute http(s) links to open in a new browsing context.
type externalLinks struct{}

func (externalLinks) Transform(doc *ast.Document, reader text.Reader, pc parser.Context) {
	source := reader.Source()
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		var dest []byte
		switch link := n.(type) {
		case *ast.Link:
			dest = link.Destination
		case *ast.AutoLink:
			dest = link.URL(source)
		default:
			return ast.WalkContinue, nil
		}
		if IsExternal(string(dest)) {
			n.SetAttributeString("target", []byte("_blank"))
			n.SetAttributeString("rel", []byte("noopener noreferrer"))
		}
		return ast.WalkContinue, nil
	})
}

// IsExternal reports whether href is an absolute http or https URL.
func IsExternal(href string) bool {
	lower := strings.ToLower(strings.TrimSpace(href))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
