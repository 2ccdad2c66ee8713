package composer

import (
	"context"
	"html/template"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/livetemplate/kbase"
	"github.com/livetemplate/kbase/internal/diagram"
	"github.com/livetemplate/kbase/internal/render"
)

// DefaultPreviewDelay is the debounce window for diagram and table previews.
const DefaultPreviewDelay = 500 * time.Millisecond

// pendingHTML stands in for an expensive block until its debounced render lands.
const pendingHTML = template.HTML(`<div class="kb-pending">Rendering preview…</div>`)

// Preview is one published preview of the composer's blocks.
type Preview struct {
	Seq       uint64
	Fragments []render.Fragment
	// Partial is set while diagram or table blocks still show a placeholder.
	Partial bool
}

// Previewer renders live previews. Code and notes blocks render on every
// update. Diagram and table blocks render after the input has been quiet
// for the debounce delay, always from the latest update.
//
// publish is called with the previewer's lock held and must not call back
// into the Previewer.
type Previewer struct {
	renderer  *render.Renderer
	mode      render.Mode
	publish   func(Preview)
	debounced func(func())

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	seq     uint64
	blocks  []kbase.Block
	current []render.Fragment
	// settled holds the last rendered fragment of each expensive block by id.
	settled map[string]settledFragment
	closed  bool
}

type settledFragment struct {
	content string
	frag    render.Fragment
}

// NewPreviewer creates a Previewer. A delay <= 0 uses DefaultPreviewDelay.
func NewPreviewer(ctx context.Context, r *render.Renderer, delay time.Duration, publish func(Preview)) *Previewer {
	if delay <= 0 {
		delay = DefaultPreviewDelay
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Previewer{
		renderer:  r,
		mode:      render.Interactive,
		publish:   publish,
		debounced: debounce.New(delay),
		ctx:       ctx,
		cancel:    cancel,
		settled:   make(map[string]settledFragment),
	}
}

// Update previews blocks. Cheap blocks are published immediately; the full
// preview follows after the debounce delay unless a newer Update arrives.
func (p *Previewer) Update(blocks []kbase.Block) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.seq++
	seq := p.seq
	p.blocks = append([]kbase.Block(nil), blocks...)
	p.mu.Unlock()

	frags := make([]render.Fragment, len(blocks))
	partial := false
	for i, b := range blocks {
		if expensive(b) {
			continue
		}
		frags[i] = p.renderer.Block(p.ctx, b, p.mode)
	}

	p.mu.Lock()
	if p.closed || seq != p.seq {
		p.mu.Unlock()
		closeFragments(frags)
		return
	}
	for i, b := range blocks {
		if !expensive(b) {
			continue
		}
		if s, ok := p.settled[b.BlockID()]; ok && s.content == b.Text() {
			frags[i] = s.frag
			frags[i].Title = b.Label()
			continue
		}
		frags[i] = render.Fragment{BlockID: b.BlockID(), Kind: b.Kind(), Title: b.Label(), HTML: pendingHTML}
		partial = true
	}
	p.commitLocked(Preview{Seq: seq, Fragments: frags, Partial: partial})
	p.mu.Unlock()

	if partial {
		p.debounced(func() { p.settle(seq) })
	}
}

// settle renders the expensive blocks of update seq, if it is still the latest.
func (p *Previewer) settle(seq uint64) {
	p.mu.Lock()
	if p.closed || seq != p.seq {
		p.mu.Unlock()
		return
	}
	blocks := p.blocks
	p.mu.Unlock()

	var idx []int
	var todo []kbase.Block
	for i, b := range blocks {
		if expensive(b) {
			idx = append(idx, i)
			todo = append(todo, b)
		}
	}
	rendered := p.renderer.Page(p.ctx, todo, p.mode)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || seq != p.seq {
		closeFragments(rendered)
		return
	}
	frags := append([]render.Fragment(nil), p.current...)
	for j, i := range idx {
		frags[i] = rendered[j]
		b := todo[j]
		p.settled[b.BlockID()] = settledFragment{content: b.Text(), frag: rendered[j]}
	}
	p.commitLocked(Preview{Seq: seq, Fragments: frags})
}

// commitLocked publishes pv and closes diagram instances it no longer shows.
func (p *Previewer) commitLocked(pv Preview) {
	keep := make(map[*diagram.Instance]bool)
	shown := make(map[string]bool, len(pv.Fragments))
	for _, f := range pv.Fragments {
		shown[f.BlockID] = true
		for _, inst := range f.Instances {
			keep[inst] = true
		}
	}
	for _, f := range p.current {
		for _, inst := range f.Instances {
			if !keep[inst] {
				inst.Close()
			}
		}
	}
	for id, s := range p.settled {
		stale := !shown[id]
		for _, inst := range s.frag.Instances {
			if !keep[inst] {
				stale = true
			}
		}
		if stale {
			delete(p.settled, id)
		}
	}
	p.current = pv.Fragments
	if p.publish != nil {
		p.publish(pv)
	}
}

// Current returns the last published fragments.
func (p *Previewer) Current() []render.Fragment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]render.Fragment(nil), p.current...)
}

// Instance finds a diagram instance of the current preview by id.
func (p *Previewer) Instance(id string) *diagram.Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.current {
		for _, inst := range f.Instances {
			if inst.ID() == id {
				return inst
			}
		}
	}
	return nil
}

// Close stops pending renders and closes every diagram instance.
func (p *Previewer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.cancel()
	closeFragments(p.current)
	p.current = nil
	p.settled = nil
}

func expensive(b kbase.Block) bool {
	switch b.Kind() {
	case kbase.KindDiagram, kbase.KindTable:
		return true
	}
	return false
}

func closeFragments(frags []render.Fragment) {
	for i := range frags {
		frags[i].Close()
	}
}
