// Package render turns content blocks into HTML fragments.
package render

import (
	"context"
	"fmt"
	"html/template"
	"time"

	"github.com/livetemplate/kbase"
	"github.com/livetemplate/kbase/internal/cache"
	"github.com/livetemplate/kbase/internal/diagram"
	"github.com/livetemplate/kbase/internal/highlight"
	"github.com/livetemplate/kbase/internal/markdown"
	"github.com/livetemplate/kbase/internal/table"
	"github.com/livetemplate/kbase/internal/viewport"
	"golang.org/x/sync/errgroup"
)

// Mode selects how diagrams are presented.
type Mode int

const (
	// Interactive shows viewport controls and the usage hint.
	Interactive Mode = iota
	// Static renders diagrams at natural size with no controls, for thumbnails.
	Static
)

func (m Mode) String() string {
	if m == Static {
		return "static"
	}
	return "interactive"
}

// Fragment is the rendered output of one block.
type Fragment struct {
	BlockID string
	Kind    kbase.BlockKind
	Title   string
	HTML    template.HTML
	Err     string

	// Instances are the diagram instances created for this fragment, in
	// document order. The caller owns them and must Close them.
	Instances []*diagram.Instance
}

// Close closes every diagram instance of the fragment.
func (f *Fragment) Close() {
	for _, inst := range f.Instances {
		inst.Close()
	}
}

// Observer is notified after each block render.
type Observer func(kind kbase.BlockKind, cached bool, elapsed time.Duration)

// Renderer dispatches blocks to the renderer for their kind.
type Renderer struct {
	hl       *highlight.Highlighter
	md       *markdown.Pipeline
	diagrams *diagram.Renderer
	cache    cache.Cache
	observe  Observer
	limit    int
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithCache caches fragments that contain no diagram.
func WithCache(c cache.Cache) Option {
	return func(r *Renderer) { r.cache = c }
}

// WithObserver registers a render observer.
func WithObserver(o Observer) Option {
	return func(r *Renderer) { r.observe = o }
}

// WithConcurrency bounds the number of blocks rendered at once by Page.
func WithConcurrency(n int) Option {
	return func(r *Renderer) { r.limit = n }
}

// New creates a Renderer.
func New(hl *highlight.Highlighter, md *markdown.Pipeline, diagrams *diagram.Renderer, opts ...Option) *Renderer {
	r := &Renderer{
		hl:       hl,
		md:       md,
		diagrams: diagrams,
		observe:  func(kbase.BlockKind, bool, time.Duration) {},
		limit:    8,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Diagrams returns the diagram renderer.
func (r *Renderer) Diagrams() *diagram.Renderer {
	return r.diagrams
}

// Block renders one block. Failures are reported inside the fragment.
func (r *Renderer) Block(ctx context.Context, b kbase.Block, mode Mode) (frag Fragment) {
	start := time.Now()
	frag = Fragment{BlockID: b.BlockID(), Kind: b.Kind(), Title: b.Label()}
	cached := false
	defer func() {
		if rec := recover(); rec != nil {
			frag.Close()
			frag.Instances = nil
			frag.Err = fmt.Sprintf("render %s block: %v", b.Kind(), rec)
			frag.HTML = execute("error", frag.Err)
		}
		r.observe(frag.Kind, cached, time.Since(start))
	}()

	switch blk := b.(type) {
	case *kbase.CodeBlock:
		key := cache.Key("code", blk.Language, blk.Content)
		frag.HTML, cached = r.cached(key, func() template.HTML {
			out, _ := r.hl.Code(blk.Language, blk.Content)
			return out
		})
	case *kbase.NotesBlock:
		frag.HTML, cached = r.notes(ctx, blk, mode, &frag)
	case *kbase.DiagramBlock:
		inst := r.diagrams.NewInstance(blk.ID)
		frag.Instances = append(frag.Instances, inst)
		frag.HTML = r.diagram(ctx, inst, blk.Content, mode)
	case *kbase.TableBlock:
		key := cache.Key("table", blk.Content)
		frag.HTML, cached = r.cached(key, func() template.HTML {
			return table.Render(table.Parse(blk.Content))
		})
	default:
		frag.Err = fmt.Sprintf("unsupported block kind %q", b.Kind())
		frag.HTML = execute("error", frag.Err)
	}
	return frag
}

// Page renders blocks concurrently. The result has one fragment
// per block, in block order.
func (r *Renderer) Page(ctx context.Context, blocks []kbase.Block, mode Mode) []Fragment {
	frags := make([]Fragment, len(blocks))
	g, gctx := errgroup.WithContext(ctx)
	if r.limit > 0 {
		g.SetLimit(r.limit)
	}
	for i, b := range blocks {
		i, b := i, b
		g.Go(func() error {
			frags[i] = r.Block(gctx, b, mode)
			return nil
		})
	}
	_ = g.Wait()
	return frags
}

// Diagram renders source through inst and wraps the result for mode.
func (r *Renderer) Diagram(ctx context.Context, inst *diagram.Instance, source string, mode Mode) template.HTML {
	return r.diagram(ctx, inst, source, mode)
}

// Frame wraps an already committed diagram result for mode.
func Frame(res diagram.Result, mode Mode) template.HTML {
	frame := diagramFrame{
		ID:        res.InstanceID,
		Static:    mode == Static,
		Status:    string(res.Status),
		Markup:    template.HTML(res.Markup),
		Error:     res.Message,
		Transform: template.CSS(viewport.Transform{Scale: viewport.InitialScale}.CSS()),
	}
	return execute("diagram", frame)
}

func (r *Renderer) diagram(ctx context.Context, inst *diagram.Instance, source string, mode Mode) template.HTML {
	res, _ := inst.Render(ctx, source)
	res.InstanceID = inst.ID()
	return Frame(res, mode)
}

func (r *Renderer) notes(ctx context.Context, blk *kbase.NotesBlock, mode Mode, frag *Fragment) (template.HTML, bool) {
	key := cache.Key("notes", blk.Content)
	if r.cache != nil {
		if html, ok := r.cache.Get(key); ok {
			return html, true
		}
	}

	out, err := r.md.Render(blk.Content)
	if err != nil {
		frag.Err = err.Error()
		return execute("error", frag.Err), false
	}

	if len(out.Diagrams) == 0 {
		html := template.HTML(`<div class="kb-notes">` + out.HTML + `</div>`)
		if r.cache != nil {
			r.cache.Set(key, html)
		}
		return html, false
	}

	filled := out.FillDiagrams(func(d markdown.Diagram) string {
		inst := r.diagrams.NewInstance(fmt.Sprintf("%s-%d", blk.ID, d.Index))
		frag.Instances = append(frag.Instances, inst)
		return string(r.diagram(ctx, inst, d.Source, mode))
	})
	return template.HTML(`<div class="kb-notes">` + filled + `</div>`), false
}

func (r *Renderer) cached(key string, build func() template.HTML) (template.HTML, bool) {
	if r.cache != nil {
		if html, ok := r.cache.Get(key); ok {
			return html, true
		}
	}
	html := build()
	if r.cache != nil {
		r.cache.Set(key, html)
	}
	return html, false
}
