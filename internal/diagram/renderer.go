package diagram

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/livetemplate/kbase"
)

// Status is the lifecycle state of a render.
type Status string

const (
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusError   Status = "error"
)

// Result is the outcome of the latest committed render of an instance.
type Result struct {
	InstanceID string `json:"instance"`
	RenderID   string `json:"renderId,omitempty"`
	Status     Status `json:"status"`
	Markup     string `json:"svg,omitempty"`
	Message    string `json:"error,omitempty"`
	Seq        uint64 `json:"seq"`

	Err *kbase.RenderError `json:"-"`
}

// Observer is notified when a render finishes. outcome is "ready", "error"
// or "stale" for results discarded because a newer render was requested.
type Observer func(outcome string, elapsed time.Duration)

// Option configures a Renderer.
type Option func(*Renderer)

// WithObserver registers a render observer.
func WithObserver(o Observer) Option {
	return func(r *Renderer) { r.observe = o }
}

// WithClock replaces the time source used for render ids.
func WithClock(now func() time.Time) Option {
	return func(r *Renderer) { r.now = now }
}

// Renderer creates diagram instances backed by one Engine.
// Render ids are unique across every instance created by any Renderer in
// the process.
type Renderer struct {
	engine  Engine
	now     func() time.Time
	observe Observer
}

var renderCounter atomic.Uint64

// NewRenderer creates a Renderer.
func NewRenderer(engine Engine, opts ...Option) *Renderer {
	r := &Renderer{
		engine:  engine,
		now:     time.Now,
		observe: func(string, time.Duration) {},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NextID returns a fresh render id. With a hint the id is name-stable
// ("mermaid-<hint>-<n>"); without one a timestamp is appended
// ("mermaid-<n>-<unixnano>").
func (r *Renderer) NextID(hint string) string {
	n := renderCounter.Add(1)
	if hint != "" {
		return fmt.Sprintf("mermaid-%s-%d", hint, n)
	}
	return fmt.Sprintf("mermaid-%d-%d", n, r.now().UnixNano())
}

// NewInstance creates an instance for one on-screen occurrence of a diagram.
func (r *Renderer) NewInstance(hint string) *Instance {
	return &Instance{
		r:      r,
		id:     r.NextID(hint),
		hint:   hint,
		result: Result{Status: StatusLoading},
	}
}

// Instance is one on-screen diagram. Each Render call is tagged with a
// sequence number; a result is committed only if no newer render was
// requested and the instance is still open.
type Instance struct {
	r  *Renderer
	id string

	mu        sync.Mutex
	hint      string
	source    string
	hasSource bool
	seq       uint64
	renderID  string
	result    Result
	closed    bool
	onChange  func(Result)
}

// ID returns the stable instance id.
func (i *Instance) ID() string { return i.id }

// OnChange registers a callback invoked with every committed result.
func (i *Instance) OnChange(fn func(Result)) {
	i.mu.Lock()
	i.onChange = fn
	i.mu.Unlock()
}

// Result returns the latest committed result.
func (i *Instance) Result() Result {
	i.mu.Lock()
	defer i.mu.Unlock()
	res := i.result
	res.InstanceID = i.id
	return res
}

// Source returns the last source passed to Render.
func (i *Instance) Source() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.source
}

// SetSource renders source unless it equals the last rendered source.
// It reports whether a new result was committed.
func (i *Instance) SetSource(ctx context.Context, source string) (Result, bool) {
	return i.Update(ctx, source, i.Hint())
}

// SetHint changes the id hint and re-renders the current source.
func (i *Instance) SetHint(ctx context.Context, hint string) (Result, bool) {
	return i.Update(ctx, i.Source(), hint)
}

// Hint returns the hint used for render ids.
func (i *Instance) Hint() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.hint
}

// Update applies a new source and hint together, rendering once when
// either changed.
func (i *Instance) Update(ctx context.Context, source, hint string) (Result, bool) {
	i.mu.Lock()
	unchanged := i.hasSource && i.source == source && i.hint == hint
	i.hint = hint
	i.mu.Unlock()
	if unchanged {
		return i.Result(), false
	}
	return i.Render(ctx, source)
}

// Render validates and renders source. The returned bool is false when the
// result was discarded because a newer render started or the instance was
// closed while this one was in flight.
func (i *Instance) Render(ctx context.Context, source string) (Result, bool) {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return i.Result(), false
	}
	i.seq++
	seq := i.seq
	prev := i.renderID
	renderID := i.r.NextID(i.hint)
	i.renderID = renderID
	i.source = source
	i.hasSource = true
	i.result = Result{Status: StatusLoading, RenderID: renderID, Seq: seq}
	i.mu.Unlock()

	if prev != "" {
		i.release(prev)
	}

	start := time.Now()
	res := Result{InstanceID: i.id, RenderID: renderID, Seq: seq}
	if err := Validate(source); err != nil {
		res.fail(i.id, "Invalid diagram: "+err.Error(), err)
	} else if markup, err := i.r.engine.Render(ctx, renderID, source); err != nil {
		res.fail(i.id, err.Error(), err)
	} else {
		res.Status = StatusReady
		res.Markup = markup
	}

	i.mu.Lock()
	if i.closed || seq != i.seq {
		i.mu.Unlock()
		i.r.observe("stale", time.Since(start))
		return res, false
	}
	i.result = res
	cb := i.onChange
	i.mu.Unlock()

	i.r.observe(string(res.Status), time.Since(start))
	if cb != nil {
		cb(res)
	}
	return res, true
}

// Fail records a failure reported for renderID after the server committed
// it, such as a mermaid error in the browser. Reports for an older render,
// for a result that is not ready or for a closed instance are ignored.
func (i *Instance) Fail(renderID, msg string) (Result, bool) {
	i.mu.Lock()
	if i.closed || renderID == "" || renderID != i.result.RenderID || i.result.Status != StatusReady {
		i.mu.Unlock()
		return i.Result(), false
	}
	res := i.result
	res.InstanceID = i.id
	res.fail(i.id, msg, nil)
	i.result = res
	cb := i.onChange
	i.mu.Unlock()

	i.r.observe(string(res.Status), 0)
	if cb != nil {
		cb(res)
	}
	return res, true
}

// Close marks the instance unmounted. Renders still in flight are discarded.
func (i *Instance) Close() {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.closed = true
	i.onChange = nil
	prev := i.renderID
	i.mu.Unlock()

	if prev != "" {
		i.release(prev)
	}
}

// Closed reports whether Close was called.
func (i *Instance) Closed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

func (i *Instance) release(renderID string) {
	if rel, ok := i.r.engine.(Releaser); ok {
		rel.Release(renderID)
	}
}

func (res *Result) fail(instanceID, msg string, cause error) {
	res.Status = StatusError
	res.Markup = ""
	res.Message = msg
	res.Err = &kbase.RenderError{InstanceID: instanceID, Message: msg, Cause: cause}
}
