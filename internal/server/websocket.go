package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/livetemplate/kbase"
	"github.com/livetemplate/kbase/internal/composer"
	"github.com/livetemplate/kbase/internal/diagram"
	"github.com/livetemplate/kbase/internal/viewport"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// maxMessageSize bounds a single inbound message (an imported page included).
const maxMessageSize = 2 << 20

// MessageEnvelope is one websocket message in either direction.
// Instance is the DOM id of the diagram frame the message is about.
type MessageEnvelope struct {
	Instance string          `json:"instance,omitempty"`
	Action   string          `json:"action"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Outbound actions.
const (
	actionDiagram           = "diagram"
	actionViewport          = "viewport"
	actionPreference        = "preference"
	actionRequestFullscreen = "requestFullscreen"
	actionExitFullscreen    = "exitFullscreen"
	actionPreview           = "preview"
	actionComposer          = "composer"
	actionSaved             = "saved"
	actionError             = "error"
	actionReload            = "reload"
)

// mounted is a diagram frame the client has registered with the session.
type mounted struct {
	ctrl *viewport.Controller
	// inst is owned by the session. It is nil for preview frames, whose
	// instance belongs to the previewer.
	inst *diagram.Instance
}

// Session is the server side of one websocket connection. It holds the
// scroll-to-zoom preference shared by every diagram on the client's page,
// one viewport controller per mounted diagram, and the composer state.
type Session struct {
	srv    *Server
	conn   *websocket.Conn
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	pref      *viewport.Preference
	unsubPref func()

	mu        sync.Mutex
	diagrams  map[string]*mounted
	composer  *composer.Composer
	previewer *composer.Previewer
}

func newSession(srv *Server, conn *websocket.Conn) *Session {
	ctx, cancel := context.WithCancel(srv.ctx)
	s := &Session{
		srv:      srv,
		conn:     conn,
		logger:   srv.logger.Named("ws").With(zap.String("remote", conn.RemoteAddr().String())),
		ctx:      ctx,
		cancel:   cancel,
		pref:     viewport.NewPreference(),
		diagrams: make(map[string]*mounted),
		composer: composer.New(),
	}
	s.unsubPref = s.pref.Subscribe(func(enabled bool) {
		s.send("", actionPreference, map[string]bool{"enabled": enabled})
	})
	s.previewer = composer.NewPreviewer(ctx, srv.renderer, srv.previewDelay, func(pv composer.Preview) {
		s.send("", actionPreview, map[string]any{
			"seq":       pv.Seq,
			"partial":   pv.Partial,
			"fragments": toFragmentJSON(pv.Fragments),
		})
	})
	return s
}

// serveWebSocket upgrades the connection and runs the session read loop.
func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxMessageSize)

	sess := newSession(s, conn)
	s.registerSession(sess)
	defer func() {
		s.unregisterSession(sess)
		sess.close()
	}()

	sess.logger.Debug("client connected")
	sess.send("", actionPreference, map[string]bool{"enabled": sess.pref.Enabled()})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				sess.logger.Info("unexpected close", zap.Error(err))
			}
			break
		}
		sess.handleMessage(message)
	}

	sess.logger.Debug("client disconnected")
}

// close releases every controller, instance and the previewer.
func (s *Session) close() {
	s.cancel()
	s.unsubPref()

	s.mu.Lock()
	for id, m := range s.diagrams {
		m.ctrl.Close()
		if m.inst != nil {
			m.inst.Close()
		}
		delete(s.diagrams, id)
	}
	s.mu.Unlock()

	s.previewer.Close()
	s.conn.Close()
}

// handleMessage routes one inbound envelope.
func (s *Session) handleMessage(message []byte) {
	var env MessageEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		s.logger.Warn("failed to parse message", zap.Error(err))
		s.sendError("", "", kbase.NewValidationError("", kbase.CodeInvalidJSON, "invalid message"))
		return
	}

	var err error
	switch {
	case len(env.Action) > len(composePrefix) && env.Action[:len(composePrefix)] == composePrefix:
		err = s.handleCompose(env.Action[len(composePrefix):], env.Data)
	case env.Action == "mount":
		err = s.mount(env.Instance, env.Data)
	case env.Action == "unmount":
		s.unmount(env.Instance)
	case env.Action == "source":
		err = s.updateSource(env.Instance, env.Data)
	case env.Action == "renderError":
		err = s.renderFailed(env.Instance, env.Data)
	default:
		err = s.handleViewport(env.Instance, env.Action, env.Data)
	}
	if err != nil {
		s.logger.Debug("action failed", zap.String("action", env.Action), zap.String("instance", env.Instance), zap.Error(err))
		s.sendError(env.Instance, env.Action, err)
	}
}

type mountData struct {
	Source string `json:"source"`
	Hint   string `json:"hint"`
	Static bool   `json:"static"`
}

// mount registers a diagram frame. Preview frames attach to the previewer's
// instance; any other frame sends its source, which the session renders.
func (s *Session) mount(id string, raw json.RawMessage) error {
	if id == "" {
		return errors.New("mount requires an instance id")
	}
	var data mountData
	if err := decodeData(raw, &data); err != nil {
		return err
	}

	s.unmount(id)

	opts := []viewport.Option{viewport.WithFullscreenHost(s)}
	if data.Static {
		opts = append(opts, viewport.WithStatic())
	}
	m := &mounted{ctrl: viewport.NewController(id, s.pref, opts...)}
	m.ctrl.OnChange(func(snap viewport.Snapshot) {
		s.send(id, actionViewport, snap)
	})

	var res diagram.Result
	if inst := s.previewer.Instance(id); inst != nil {
		res = inst.Result()
	} else {
		m.inst = s.srv.renderer.Diagrams().NewInstance(data.Hint)
		res, _ = m.inst.Render(s.ctx, data.Source)
	}

	s.mu.Lock()
	s.diagrams[id] = m
	s.mu.Unlock()

	res.InstanceID = id
	s.send(id, actionDiagram, res)
	m.ctrl.Attach(res)
	return nil
}

// unmount drops a frame. Its controller stops receiving preference and
// fullscreen notifications.
func (s *Session) unmount(id string) {
	s.mu.Lock()
	m, ok := s.diagrams[id]
	delete(s.diagrams, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	m.ctrl.Close()
	if m.inst != nil {
		m.inst.Close()
	}
}

// sourceData updates a mounted diagram. A nil hint keeps the current one.
type sourceData struct {
	Source string  `json:"source"`
	Hint   *string `json:"hint"`
}

func (s *Session) updateSource(id string, raw json.RawMessage) error {
	var data sourceData
	if err := decodeData(raw, &data); err != nil {
		return err
	}
	m, err := s.lookup(id)
	if err != nil {
		return err
	}
	if m.inst == nil {
		return fmt.Errorf("diagram %q is owned by the preview", id)
	}
	hint := m.inst.Hint()
	if data.Hint != nil {
		hint = *data.Hint
	}
	res, committed := m.inst.Update(s.ctx, data.Source, hint)
	if !committed {
		return nil
	}
	res.InstanceID = id
	s.send(id, actionDiagram, res)
	m.ctrl.Attach(res)
	return nil
}

type renderErrorData struct {
	RenderID string `json:"renderId"`
	Message  string `json:"message"`
}

// renderFailed records a render the browser could not complete. The frame
// moves to the error state and its toolbar is disabled.
func (s *Session) renderFailed(id string, raw json.RawMessage) error {
	var data renderErrorData
	if err := decodeData(raw, &data); err != nil {
		return err
	}
	m, err := s.lookup(id)
	if err != nil {
		return err
	}
	inst := m.inst
	if inst == nil {
		inst = s.previewer.Instance(id)
	}
	if inst == nil {
		return fmt.Errorf("diagram %q has no renderer", id)
	}
	msg := data.Message
	if msg == "" {
		msg = "diagram failed to render"
	}
	res, committed := inst.Fail(data.RenderID, msg)
	if !committed {
		return nil
	}
	s.logger.Debug("client render failed", zap.String("instance", id), zap.String("error", msg))
	res.InstanceID = id
	s.send(id, actionDiagram, res)
	m.ctrl.Attach(res)
	return nil
}

type viewportData struct {
	X         float64       `json:"x"`
	Y         float64       `json:"y"`
	DeltaY    float64       `json:"deltaY"`
	Scale     float64       `json:"scale"`
	Padding   float64       `json:"padding"`
	Container viewport.Size `json:"container"`
	Content   viewport.Size `json:"content"`
	Active    bool          `json:"active"`
}

// handleViewport applies a pointer or toolbar action to one controller.
// Wheel and contextmenu answer with whether the client must suppress the
// browser default; every state change is pushed by the controller itself.
func (s *Session) handleViewport(id, action string, raw json.RawMessage) error {
	var data viewportData
	if err := decodeData(raw, &data); err != nil {
		return err
	}
	m, err := s.lookup(id)
	if err != nil {
		return err
	}
	c := m.ctrl

	switch action {
	case "zoomIn":
		c.ZoomIn()
	case "zoomOut":
		c.ZoomOut()
	case "setScale":
		c.SetScale(data.Scale)
	case "reset":
		c.Reset()
	case "fit":
		c.FitToView(data.Padding, data.Container, data.Content)
	case "dragStart":
		c.BeginDrag(data.X, data.Y)
	case "dragMove":
		c.DragTo(data.X, data.Y)
	case "dragEnd":
		c.EndDrag()
	case "wheel":
		handled := c.Wheel(data.DeltaY)
		s.send(id, "wheel", map[string]bool{"handled": handled})
	case "contextmenu":
		handled := c.ContextMenu()
		s.send(id, "contextmenu", map[string]bool{"handled": handled})
	case "dblclick":
		c.DoubleClick()
	case "fullscreen":
		return c.ToggleFullscreen()
	case "fullscreenchange":
		c.FullscreenChanged(data.Active)
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	return nil
}

// RequestFullscreen implements viewport.FullscreenHost.
func (s *Session) RequestFullscreen(id string) error {
	return s.sendErr(id, actionRequestFullscreen, nil)
}

// ExitFullscreen implements viewport.FullscreenHost.
func (s *Session) ExitFullscreen(id string) error {
	return s.sendErr(id, actionExitFullscreen, nil)
}

func (s *Session) lookup(id string) (*mounted, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.diagrams[id]
	if !ok {
		return nil, fmt.Errorf("unknown diagram %q", id)
	}
	return m, nil
}

// Mounted returns the number of mounted diagram frames.
func (s *Session) Mounted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.diagrams)
}

// send writes one envelope. Errors are logged; the read loop notices a
// broken connection on its own.
func (s *Session) send(id, action string, data any) {
	if err := s.sendErr(id, action, data); err != nil {
		s.logger.Debug("send failed", zap.String("action", action), zap.Error(err))
	}
}

func (s *Session) sendErr(id, action string, data any) error {
	env := MessageEnvelope{Instance: id, Action: action}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode %s: %w", action, err)
		}
		env.Data = raw
	}
	msg, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, msg)
}

func (s *Session) sendError(id, action string, err error) {
	resp := kbase.NewErrorResponse(err)
	s.send(id, actionError, struct {
		Action string `json:"action,omitempty"`
		kbase.ErrorResponse
	}{action, resp})
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return kbase.NewValidationError("data", kbase.CodeInvalidJSON, "invalid message data: "+err.Error())
	}
	return nil
}
