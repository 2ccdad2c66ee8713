package composer

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/livetemplate/kbase"
	"github.com/livetemplate/kbase/internal/diagram"
	"github.com/livetemplate/kbase/internal/highlight"
	"github.com/livetemplate/kbase/internal/markdown"
	"github.com/livetemplate/kbase/internal/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEngine records every source it is asked to render.
type countingEngine struct {
	mu      sync.Mutex
	sources []string
}

func (e *countingEngine) Render(_ context.Context, renderID, source string) (string, error) {
	e.mu.Lock()
	e.sources = append(e.sources, source)
	e.mu.Unlock()
	return `<svg id="` + renderID + `"></svg>`, nil
}

func (e *countingEngine) rendered() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.sources...)
}

// previewSink collects published previews.
type previewSink struct {
	mu       sync.Mutex
	previews []Preview
}

func (s *previewSink) publish(p Preview) {
	s.mu.Lock()
	s.previews = append(s.previews, p)
	s.mu.Unlock()
}

func (s *previewSink) last() (Preview, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.previews) == 0 {
		return Preview{}, 0
	}
	return s.previews[len(s.previews)-1], len(s.previews)
}

func newPreviewer(t *testing.T, engine diagram.Engine, delay time.Duration) (*Previewer, *previewSink) {
	t.Helper()
	hl := highlight.New(highlight.DefaultStyle)
	r := render.New(hl, markdown.New(hl), diagram.NewRenderer(engine))
	sink := &previewSink{}
	p := NewPreviewer(context.Background(), r, delay, sink.publish)
	t.Cleanup(p.Close)
	return p, sink
}

func TestPreviewCheapBlocksImmediately(t *testing.T) {
	p, sink := newPreviewer(t, &countingEngine{}, time.Hour)

	p.Update([]kbase.Block{
		&kbase.NotesBlock{ID: "n", Content: "**bold**"},
		&kbase.CodeBlock{ID: "c", Language: "bash", Content: "echo hi"},
	})

	pv, n := sink.last()
	require.Equal(t, 1, n)
	assert.False(t, pv.Partial)
	require.Len(t, pv.Fragments, 2)
	assert.Contains(t, string(pv.Fragments[0].HTML), "<strong>bold</strong>")
	assert.Contains(t, string(pv.Fragments[1].HTML), `data-language="bash"`)
}

func TestPreviewDebouncesExpensiveBlocks(t *testing.T) {
	engine := &countingEngine{}
	p, sink := newPreviewer(t, engine, 150*time.Millisecond)

	for _, src := range []string{"graph TD\nA", "graph TD\nA-->", "graph TD\nA-->B"} {
		p.Update([]kbase.Block{
			&kbase.NotesBlock{ID: "n", Content: "text"},
			&kbase.DiagramBlock{ID: "d", Content: src},
			&kbase.TableBlock{ID: "t", Content: "a,b\n1,2"},
		})
		pv, _ := sink.last()
		assert.True(t, pv.Partial)
		assert.Contains(t, string(pv.Fragments[1].HTML), "kb-pending")
		assert.Contains(t, string(pv.Fragments[2].HTML), "kb-pending")
	}

	require.Eventually(t, func() bool {
		pv, _ := sink.last()
		return !pv.Partial
	}, 2*time.Second, 5*time.Millisecond)

	pv, _ := sink.last()
	assert.Equal(t, uint64(3), pv.Seq)
	assert.Contains(t, string(pv.Fragments[0].HTML), "text")
	assert.Contains(t, string(pv.Fragments[1].HTML), "<svg")
	assert.Contains(t, string(pv.Fragments[2].HTML), "<td>1</td>")

	// Only the latest source reached the engine.
	assert.Equal(t, []string{"graph TD\nA-->B"}, engine.rendered())
}

func TestPreviewReusesSettledDiagram(t *testing.T) {
	engine := &countingEngine{}
	p, sink := newPreviewer(t, engine, 10*time.Millisecond)

	diagramBlock := &kbase.DiagramBlock{ID: "d", Content: "pie\n\"a\": 1"}
	p.Update([]kbase.Block{diagramBlock})
	require.Eventually(t, func() bool {
		pv, _ := sink.last()
		return !pv.Partial && len(pv.Fragments) == 1
	}, 2*time.Second, 5*time.Millisecond)
	settled, _ := sink.last()
	inst := settled.Fragments[0].Instances[0]

	// Editing another block keeps the rendered diagram without a re-render.
	p.Update([]kbase.Block{diagramBlock, &kbase.NotesBlock{ID: "n", Content: "more"}})
	pv, _ := sink.last()
	assert.False(t, pv.Partial)
	assert.Same(t, inst, pv.Fragments[0].Instances[0])
	assert.False(t, inst.Closed())
	assert.Len(t, engine.rendered(), 1)
	assert.Same(t, inst, p.Instance(inst.ID()))

	// Removing the diagram closes its instance.
	p.Update([]kbase.Block{&kbase.NotesBlock{ID: "n", Content: "more"}})
	assert.True(t, inst.Closed())
	assert.Nil(t, p.Instance(inst.ID()))
}

func TestPreviewCloseStopsPublishing(t *testing.T) {
	p, sink := newPreviewer(t, &countingEngine{}, 20*time.Millisecond)
	p.Update([]kbase.Block{&kbase.TableBlock{ID: "t", Content: "a"}})
	p.Close()

	time.Sleep(60 * time.Millisecond)
	_, n := sink.last()
	assert.Equal(t, 1, n)

	p.Update([]kbase.Block{&kbase.NotesBlock{ID: "n", Content: "late"}})
	_, n = sink.last()
	assert.Equal(t, 1, n)
	assert.Empty(t, p.Current())
}

func TestPreviewNotesWithDiagram(t *testing.T) {
	p, sink := newPreviewer(t, &countingEngine{}, time.Hour)
	p.Update([]kbase.Block{&kbase.NotesBlock{ID: "n", Content: "intro\n\n```mermaid\ngraph LR\nA-->B\n```\n"}})

	pv, _ := sink.last()
	require.Len(t, pv.Fragments[0].Instances, 1)
	assert.True(t, strings.Contains(string(pv.Fragments[0].HTML), "<svg"))
}
