package viewport

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/livetemplate/kbase/internal/diagram"
)

const (
	MinScale     = 0.1
	MaxScale     = 5.0
	InitialScale = 0.7
	ZoomFactor   = 1.1
)

// State is the controller lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateReady         State = "ready"
	StateError         State = "error"
)

// Cursor values reported to the client.
const (
	CursorDefault  = "default"
	CursorGrab     = "grab"
	CursorGrabbing = "grabbing"
)

// ErrNoFullscreen is returned by ToggleFullscreen when no host is attached.
var ErrNoFullscreen = errors.New("fullscreen is not available")

// Transform is the pan and zoom applied to a rendered diagram.
type Transform struct {
	Scale      float64 `json:"scale"`
	TranslateX float64 `json:"x"`
	TranslateY float64 `json:"y"`
}

// CSS renders the transform as a CSS transform value.
func (t Transform) CSS() string {
	return fmt.Sprintf("translate(%spx, %spx) scale(%s)", num(t.TranslateX), num(t.TranslateY), num(t.Scale))
}

func num(f float64) string {
	return strconv.FormatFloat(math.Round(f*1e4)/1e4, 'f', -1, 64)
}

// Size is a width and height in CSS pixels.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// FullscreenHost performs the platform fullscreen request for a diagram
// container. The resulting change is reported back through FullscreenChanged.
type FullscreenHost interface {
	RequestFullscreen(instanceID string) error
	ExitFullscreen(instanceID string) error
}

// Snapshot is the view state sent to the client.
type Snapshot struct {
	InstanceID string    `json:"instance"`
	State      State     `json:"state"`
	Transform  Transform `json:"transform"`
	CSS        string    `json:"css"`
	Fullscreen bool      `json:"fullscreen"`
	Dragging   bool      `json:"dragging"`
	ScrollZoom bool      `json:"scrollZoom"`
	Cursor     string    `json:"cursor"`
	Static     bool      `json:"static"`
	Error      string    `json:"error,omitempty"`
}

// Option configures a Controller.
type Option func(*Controller)

// WithStatic puts the controller in thumbnail mode: no interaction at all.
func WithStatic() Option {
	return func(c *Controller) { c.static = true }
}

// WithFullscreenHost sets the fullscreen host.
func WithFullscreenHost(h FullscreenHost) Option {
	return func(c *Controller) { c.host = h }
}

// Controller owns the transform of one diagram instance.
// Updates are applied immediately, last write wins.
type Controller struct {
	id     string
	pref   *Preference
	host   FullscreenHost
	static bool

	mu         sync.Mutex
	state      State
	errMsg     string
	transform  Transform
	fullscreen bool
	dragging   bool
	lastX      float64
	lastY      float64
	closed     bool
	onChange   func(Snapshot)

	unsubscribe func()
}

// NewController creates a controller bound to the shared preference.
func NewController(instanceID string, pref *Preference, opts ...Option) *Controller {
	c := &Controller{
		id:        instanceID,
		pref:      pref,
		state:     StateUninitialized,
		transform: Transform{Scale: InitialScale},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.static {
		c.transform = Transform{Scale: 1}
	}
	if pref != nil && !c.static {
		c.unsubscribe = pref.Subscribe(func(bool) { c.changed() })
	}
	return c
}

// OnChange registers a callback invoked after every state change.
func (c *Controller) OnChange(fn func(Snapshot)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Attach moves the controller to ready or error following a render result.
// A loading result puts it back to uninitialized.
func (c *Controller) Attach(res diagram.Result) {
	c.mu.Lock()
	switch res.Status {
	case diagram.StatusReady:
		if c.state != StateReady {
			c.transform = c.initialLocked()
		}
		c.state = StateReady
		c.errMsg = ""
	case diagram.StatusError:
		c.state = StateError
		c.errMsg = res.Message
		c.dragging = false
	default:
		c.state = StateUninitialized
		c.errMsg = ""
		c.dragging = false
	}
	c.mu.Unlock()
	c.changed()
}

// ZoomIn multiplies the scale by ZoomFactor.
func (c *Controller) ZoomIn() bool {
	return c.update(func() { c.setScaleLocked(c.transform.Scale * ZoomFactor) })
}

// ZoomOut divides the scale by ZoomFactor.
func (c *Controller) ZoomOut() bool {
	return c.update(func() { c.setScaleLocked(c.transform.Scale / ZoomFactor) })
}

// SetScale sets the scale, clamped to [MinScale, MaxScale].
func (c *Controller) SetScale(scale float64) bool {
	if math.IsNaN(scale) || math.IsInf(scale, 0) {
		return false
	}
	return c.update(func() { c.setScaleLocked(scale) })
}

// Reset returns to the initial scale with no translation.
func (c *Controller) Reset() bool {
	return c.update(func() { c.transform = c.initialLocked() })
}

// FitToView scales content to fit container minus padding on each side and
// centers it. The computed scale is not clamped.
func (c *Controller) FitToView(padding float64, container, content Size) bool {
	if content.Width <= 0 || content.Height <= 0 {
		return false
	}
	availW := container.Width - 2*padding
	availH := container.Height - 2*padding
	if availW <= 0 || availH <= 0 {
		return false
	}
	scale := math.Min(availW/content.Width, availH/content.Height)
	return c.update(func() {
		c.transform = Transform{
			Scale:      scale,
			TranslateX: (container.Width - content.Width*scale) / 2,
			TranslateY: (container.Height - content.Height*scale) / 2,
		}
	})
}

// BeginDrag starts a pointer drag at x, y.
func (c *Controller) BeginDrag(x, y float64) bool {
	return c.update(func() {
		c.dragging = true
		c.lastX, c.lastY = x, y
	})
}

// DragTo pans by the pointer movement since the last drag position.
func (c *Controller) DragTo(x, y float64) bool {
	c.mu.Lock()
	if !c.dragging {
		c.mu.Unlock()
		return false
	}
	dx, dy := x-c.lastX, y-c.lastY
	c.lastX, c.lastY = x, y
	c.mu.Unlock()
	return c.Pan(dx, dy)
}

// EndDrag finishes a drag gesture.
func (c *Controller) EndDrag() bool {
	c.mu.Lock()
	dragging := c.dragging
	c.mu.Unlock()
	if !dragging {
		return false
	}
	return c.update(func() { c.dragging = false })
}

// Pan translates the diagram. It only applies while a drag is active.
func (c *Controller) Pan(dx, dy float64) bool {
	c.mu.Lock()
	dragging := c.dragging
	c.mu.Unlock()
	if !dragging {
		return false
	}
	return c.update(func() {
		c.transform.TranslateX += dx
		c.transform.TranslateY += dy
	})
}

// Wheel handles a wheel event. It returns false when the event should scroll
// the page instead, which is the case whenever scroll-to-zoom is disabled.
func (c *Controller) Wheel(deltaY float64) bool {
	if c.pref != nil && !c.pref.Enabled() {
		return false
	}
	switch {
	case deltaY < 0:
		return c.ZoomIn()
	case deltaY > 0:
		return c.ZoomOut()
	}
	return c.interactive()
}

// ContextMenu toggles the shared scroll-to-zoom preference. It reports
// whether the native context menu must be suppressed.
func (c *Controller) ContextMenu() bool {
	c.mu.Lock()
	ok := !c.static && !c.closed && c.pref != nil
	c.mu.Unlock()
	if !ok {
		return false
	}
	c.pref.Toggle()
	return true
}

// DoubleClick resets the transform.
func (c *Controller) DoubleClick() bool {
	return c.Reset()
}

// ToggleFullscreen asks the host to enter or leave fullscreen.
// The fullscreen flag only changes when FullscreenChanged reports it.
func (c *Controller) ToggleFullscreen() error {
	c.mu.Lock()
	ok := c.interactiveLocked()
	active := c.fullscreen
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if c.host == nil {
		return ErrNoFullscreen
	}
	if active {
		return c.host.ExitFullscreen(c.id)
	}
	return c.host.RequestFullscreen(c.id)
}

// FullscreenChanged records a fullscreen change, including exits the user
// triggered outside the controller such as pressing Escape.
func (c *Controller) FullscreenChanged(active bool) {
	c.mu.Lock()
	if c.closed || c.static || c.fullscreen == active {
		c.mu.Unlock()
		return
	}
	c.fullscreen = active
	c.mu.Unlock()
	c.changed()
}

// Cursor returns the pointer affordance for the current state.
func (c *Controller) Cursor() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursorLocked()
}

// Transform returns the current transform.
func (c *Controller) Transform() Transform {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transform
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the full view state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		InstanceID: c.id,
		State:      c.state,
		Transform:  c.transform,
		CSS:        c.transform.CSS(),
		Fullscreen: c.fullscreen,
		Dragging:   c.dragging,
		Cursor:     c.cursorLocked(),
		Static:     c.static,
		Error:      c.errMsg,
	}
	c.mu.Unlock()
	snap.ScrollZoom = c.pref == nil || c.pref.Enabled()
	return snap
}

// Close unsubscribes from the shared preference. Later events are ignored.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.onChange = nil
	unsub := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (c *Controller) update(fn func()) bool {
	c.mu.Lock()
	if !c.interactiveLocked() {
		c.mu.Unlock()
		return false
	}
	fn()
	c.mu.Unlock()
	c.changed()
	return true
}

func (c *Controller) interactive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interactiveLocked()
}

func (c *Controller) interactiveLocked() bool {
	return !c.static && !c.closed && c.state == StateReady
}

func (c *Controller) setScaleLocked(scale float64) {
	c.transform.Scale = math.Max(MinScale, math.Min(MaxScale, scale))
}

func (c *Controller) initialLocked() Transform {
	if c.static {
		return Transform{Scale: 1}
	}
	return Transform{Scale: InitialScale}
}

func (c *Controller) cursorLocked() string {
	switch {
	case c.static || c.state != StateReady:
		return CursorDefault
	case c.dragging:
		return CursorGrabbing
	default:
		return CursorGrab
	}
}

func (c *Controller) changed() {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn(c.Snapshot())
	}
}
