package markdown

import (
	"strings"
	"testing"

	"github.com/livetemplate/kbase/internal/highlight"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func render(t *testing.T, src string) *Output {
	t.Helper()
	out, err := New(highlight.New(highlight.DefaultStyle)).Render(src)
	require.NoError(t, err)
	return out
}

func TestMermaidFenceBecomesDiagram(t *testing.T) {
	out := render(t, "```mermaid\nflowchart TD\nA-->B\n```")

	require.Len(t, out.Diagrams, 1)
	assert.Empty(t, out.CodeBlocks)
	assert.Equal(t, "flowchart TD\nA-->B", out.Diagrams[0].Source)
	assert.Contains(t, out.HTML, out.Mount(0))
	assert.NotContains(t, out.HTML, "A--&gt;B")
}

func TestCppFenceBecomesCodeBlock(t *testing.T) {
	out := render(t, "```cpp\nint x;\n```")

	assert.Empty(t, out.Diagrams)
	require.Len(t, out.CodeBlocks, 1)
	assert.Equal(t, CodeBlock{Language: "cpp", Source: "int x;"}, out.CodeBlocks[0])
	assert.Contains(t, out.HTML, `data-language="cpp"`)
}

func TestDiagramTagIsCaseSensitive(t *testing.T) {
	for _, tag := range []string{"Mermaid", "mermaidjs", "MERMAID"} {
		t.Run(tag, func(t *testing.T) {
			out := render(t, "```"+tag+"\ngraph TD\nA-->B\n```")
			assert.Empty(t, out.Diagrams)
			require.Len(t, out.CodeBlocks, 1)
			assert.Equal(t, tag, out.CodeBlocks[0].Language)
		})
	}
}

func TestUntaggedFences(t *testing.T) {
	out := render(t, "```\nline one\nline two\n```")
	assert.Empty(t, out.Diagrams)
	require.Len(t, out.CodeBlocks, 1)
	assert.Equal(t, "", out.CodeBlocks[0].Language)

	out = render(t, "```\nnpm install\n```")
	assert.Empty(t, out.CodeBlocks)
	assert.Contains(t, out.HTML, "<code>npm install</code>")
	assert.NotContains(t, out.HTML, "<pre")
}

func TestDiagramBodyWhitespace(t *testing.T) {
	out := render(t, "```mermaid\n  graph TD\n    A-->B\n\n```")
	require.Len(t, out.Diagrams, 1)
	// Leading whitespace kept, only the final newline dropped.
	assert.Equal(t, "  graph TD\n    A-->B\n", out.Diagrams[0].Source)
}

func TestMultipleDiagramsInOrder(t *testing.T) {
	src := "# Title\n\n```mermaid\npie\n```\n\ntext\n\n```go\nfmt.Println()\n```\n\n```mermaid\ngantt\n```\n"
	out := render(t, src)

	require.Len(t, out.Diagrams, 2)
	assert.Equal(t, Diagram{Index: 0, Source: "pie"}, out.Diagrams[0])
	assert.Equal(t, Diagram{Index: 1, Source: "gantt"}, out.Diagrams[1])
	require.Len(t, out.CodeBlocks, 1)

	filled := out.FillDiagrams(func(d Diagram) string { return "<svg>" + d.Source + "</svg>" })
	assert.Less(t, strings.Index(filled, "<svg>pie</svg>"), strings.Index(filled, "<svg>gantt</svg>"))
	assert.NotContains(t, filled, "kb-diagram")
}

func TestRawHTMLCannotClaimDiagramMount(t *testing.T) {
	forged := `<div class="kb-diagram" data-diagram="0"></div>`
	out := render(t, forged+"\n\nIntro\n\n```mermaid\ngraph TD\nA-->B\n```\n")
	require.Len(t, out.Diagrams, 1)

	filled := out.FillDiagrams(func(d Diagram) string { return "<SVG>" })
	assert.True(t, strings.HasPrefix(filled, forged), "raw HTML should be left alone: %s", filled)
	assert.Less(t, strings.Index(filled, "<p>Intro</p>"), strings.Index(filled, "<SVG>"))
	assert.NotContains(t, filled, out.Mount(0))

	other := render(t, "```mermaid\npie\n```")
	assert.NotEqual(t, out.Mount(0), other.Mount(0))
}

func TestExternalLinksOpenInNewContext(t *testing.T) {
	out := render(t, "[ext](https://example.com) and [int](/pages/intro) and [rel](other) and https://go.dev")

	assert.Contains(t, out.HTML, `<a href="https://example.com" target="_blank" rel="noopener noreferrer">ext</a>`)
	assert.Contains(t, out.HTML, `<a href="/pages/intro">int</a>`)
	assert.Contains(t, out.HTML, `<a href="other">rel</a>`)
	assert.Contains(t, out.HTML, `<a href="https://go.dev" target="_blank" rel="noopener noreferrer">https://go.dev</a>`)
}

func TestStandardConstructs(t *testing.T) {
	src := "## Setup\n\n> quote\n\n- a\n- b\n\n1. one\n\n---\n\n| h1 | h2 |\n|----|----|\n| x  | y  |\n"
	out := render(t, src)

	assert.Contains(t, out.HTML, `<h2 id="setup">Setup</h2>`)
	assert.Contains(t, out.HTML, "<blockquote>")
	assert.Contains(t, out.HTML, "<ul>")
	assert.Contains(t, out.HTML, "<ol>")
	assert.Contains(t, out.HTML, "<hr>")
	assert.Contains(t, out.HTML, "<table>")
}

func TestRawHTMLPassesThrough(t *testing.T) {
	out := render(t, "<details><summary>More</summary>hidden</details>\n")
	assert.Contains(t, out.HTML, "<details><summary>More</summary>hidden</details>")
}

func TestMalformedMarkdownDoesNotFail(t *testing.T) {
	out := render(t, "```mermaid\nflowchart TD\nA-->B")
	require.Len(t, out.Diagrams, 1, "an unclosed fence runs to the end of the document")

	out = render(t, "**bold [link](")
	assert.NotEmpty(t, out.HTML)
}

func TestIsExternal(t *testing.T) {
	assert.True(t, IsExternal("https://a.b"))
	assert.True(t, IsExternal("HTTP://a.b"))
	assert.False(t, IsExternal("/local"))
	assert.False(t, IsExternal("mailto:x@y.z"))
	assert.False(t, IsExternal("#anchor"))
}
