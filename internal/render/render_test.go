package render

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/livetemplate/kbase"
	"github.com/livetemplate/kbase/internal/cache"
	"github.com/livetemplate/kbase/internal/diagram"
	"github.com/livetemplate/kbase/internal/highlight"
	"github.com/livetemplate/kbase/internal/markdown"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type svgEngine struct{}

func (svgEngine) Render(_ context.Context, renderID, source string) (string, error) {
	if strings.Contains(source, "boom") {
		return "", errors.New("Parse error on line 2")
	}
	return `<svg id="` + renderID + `"></svg>`, nil
}

// foreignBlock satisfies kbase.Block without being one of its kinds.
type foreignBlock struct{ kbase.NotesBlock }

func newRenderer(t *testing.T, opts ...Option) *Renderer {
	t.Helper()
	hl := highlight.New(highlight.DefaultStyle)
	return New(hl, markdown.New(hl), diagram.NewRenderer(svgEngine{}), opts...)
}

func TestBlockDispatch(t *testing.T) {
	r := newRenderer(t)
	ctx := context.Background()

	code := r.Block(ctx, &kbase.CodeBlock{ID: "c", Language: "cpp", Content: "int x;"}, Interactive)
	assert.Contains(t, string(code.HTML), `data-language="cpp"`)
	assert.Empty(t, code.Instances)

	notes := r.Block(ctx, &kbase.NotesBlock{ID: "n", Content: "# Hi"}, Interactive)
	assert.Contains(t, string(notes.HTML), `<h1 id="hi">Hi</h1>`)

	tbl := r.Block(ctx, &kbase.TableBlock{ID: "t", Content: "a,b\n1"}, Interactive)
	assert.Contains(t, string(tbl.HTML), "<td>1</td><td></td>")

	dia := r.Block(ctx, &kbase.DiagramBlock{ID: "d", Content: "graph TD\nA-->B", Title: "Flow"}, Interactive)
	require.Len(t, dia.Instances, 1)
	defer dia.Close()
	assert.Equal(t, "Flow", dia.Title)
	assert.Equal(t, diagram.StatusReady, dia.Instances[0].Result().Status)
	assert.Contains(t, string(dia.HTML), "<svg")
}

func TestInteractiveAndStaticDiagramFrames(t *testing.T) {
	r := newRenderer(t)
	ctx := context.Background()
	blk := &kbase.DiagramBlock{ID: "d", Content: "pie\n\"a\": 1"}

	interactive := r.Block(ctx, blk, Interactive)
	defer interactive.Close()
	html := string(interactive.HTML)
	assert.Contains(t, html, `data-action="zoomIn"`)
	assert.Contains(t, html, "kb-diagram-hint")
	assert.Contains(t, html, "scale(0.7)")
	assert.Contains(t, html, "cursor: grab")

	static := r.Block(ctx, blk, Static)
	defer static.Close()
	html = string(static.HTML)
	assert.Contains(t, html, "kb-static")
	assert.NotContains(t, html, "data-action")
	assert.NotContains(t, html, "kb-diagram-hint")
	assert.NotContains(t, html, "scale(")
}

func TestNotesWithDiagramsGetInstances(t *testing.T) {
	r := newRenderer(t)
	src := "Intro\n\n```mermaid\ngraph TD\nA-->B\n```\n\n```mermaid\nboom\n```\n"
	frag := r.Block(context.Background(), &kbase.NotesBlock{ID: "n", Content: src}, Interactive)
	defer frag.Close()

	require.Len(t, frag.Instances, 2)
	assert.NotEqual(t, frag.Instances[0].ID(), frag.Instances[1].ID())
	assert.Equal(t, diagram.StatusReady, frag.Instances[0].Result().Status)
	assert.Equal(t, diagram.StatusError, frag.Instances[1].Result().Status)
	assert.NotContains(t, string(frag.HTML), `class="kb-diagram" data-diagram`)
	assert.Contains(t, string(frag.HTML), "kb-diagram-error")
}

func TestNotesRawMountMarkupIsNotADiagram(t *testing.T) {
	r := newRenderer(t)
	src := "<div class=\"kb-diagram\" data-diagram=\"0\"></div>\n\nIntro\n\n```mermaid\ngraph TD\nA-->B\n```\n"
	frag := r.Block(context.Background(), &kbase.NotesBlock{ID: "n", Content: src}, Interactive)
	defer frag.Close()

	require.Len(t, frag.Instances, 1)
	html := string(frag.HTML)
	frame := strings.Index(html, `data-instance="`+frag.Instances[0].ID()+`"`)
	require.GreaterOrEqual(t, frame, 0, html)
	assert.Less(t, strings.Index(html, "<p>Intro</p>"), frame)
}

func TestPagePreservesOrderAndIsolatesFailures(t *testing.T) {
	r := newRenderer(t, WithConcurrency(2))
	blocks := []kbase.Block{
		&kbase.DiagramBlock{ID: "d1", Content: "graph TD\nboom"},
		&kbase.NotesBlock{ID: "n1", Content: "text"},
		&kbase.DiagramBlock{ID: "d2", Content: "graph TD\nA-->B"},
		&kbase.TableBlock{ID: "t1", Content: ""},
		&foreignBlock{kbase.NotesBlock{ID: "p1"}},
	}

	frags := r.Page(context.Background(), blocks, Interactive)
	require.Len(t, frags, len(blocks))
	for i, f := range frags {
		defer f.Close()
		assert.Equal(t, blocks[i].BlockID(), f.BlockID)
	}

	assert.Contains(t, string(frags[0].HTML), "Parse error on line 2")
	assert.Contains(t, string(frags[2].HTML), "<svg")
	assert.Contains(t, string(frags[3].HTML), "no table content")
	assert.NotEmpty(t, frags[4].Err)
	assert.Contains(t, string(frags[4].HTML), "kb-block-error")
}

func TestCacheSkipsDiagrams(t *testing.T) {
	c := cache.NewMemoryCache(time.Minute, 0)
	defer c.Stop()

	var mu sync.Mutex
	hits := map[kbase.BlockKind]int{}
	r := newRenderer(t, WithCache(c), WithObserver(func(kind kbase.BlockKind, cached bool, _ time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		if cached {
			hits[kind]++
		}
	}))
	ctx := context.Background()

	blocks := []kbase.Block{
		&kbase.CodeBlock{ID: "c", Language: "json", Content: "{}"},
		&kbase.NotesBlock{ID: "n", Content: "plain"},
		&kbase.NotesBlock{ID: "m", Content: "```mermaid\npie\n```"},
		&kbase.DiagramBlock{ID: "d", Content: "pie"},
	}
	for i := 0; i < 2; i++ {
		for _, f := range r.Page(ctx, blocks, Interactive) {
			f.Close()
		}
	}

	assert.Equal(t, 1, hits[kbase.KindCode])
	assert.Equal(t, 1, hits[kbase.KindNotes])
	assert.Equal(t, 0, hits[kbase.KindDiagram])
	assert.Equal(t, 2, c.Len())
}
