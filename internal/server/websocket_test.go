package server

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/livetemplate/kbase"
	"github.com/livetemplate/kbase/internal/diagram"
	"github.com/livetemplate/kbase/internal/viewport"
)

// wsTestClient reads envelopes on a goroutine so expect can time out without
// tearing down the connection.
type wsTestClient struct {
	t    *testing.T
	conn *websocket.Conn
	msgs chan MessageEnvelope
}

func dialWS(t *testing.T, env *testEnv) *wsTestClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := &wsTestClient{t: t, conn: conn, msgs: make(chan MessageEnvelope, 64)}
	go func() {
		defer close(c.msgs)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env MessageEnvelope
			if json.Unmarshal(data, &env) == nil {
				c.msgs <- env
			}
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return c
}

func (c *wsTestClient) send(instance, action string, data any) {
	c.t.Helper()
	env := MessageEnvelope{Instance: instance, Action: action}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			c.t.Fatal(err)
		}
		env.Data = raw
	}
	if err := c.conn.WriteJSON(env); err != nil {
		c.t.Fatalf("write %s: %v", action, err)
	}
}

// expect skips messages until one with action arrives and decodes its data
// into out when out is non-nil.
func (c *wsTestClient) expect(action string, out any) MessageEnvelope {
	c.t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case env, ok := <-c.msgs:
			if !ok {
				c.t.Fatalf("connection closed while waiting for %q", action)
			}
			if env.Action != action {
				continue
			}
			if out != nil {
				if err := json.Unmarshal(env.Data, out); err != nil {
					c.t.Fatalf("decode %s data: %v", action, err)
				}
			}
			return env
		case <-timeout:
			c.t.Fatalf("timed out waiting for %q", action)
		}
	}
}

type wsError struct {
	Action string `json:"action"`
	kbase.ErrorResponse
}

const flowchart = "flowchart TD\n  A --> B"

func mountDiagram(t *testing.T, c *wsTestClient, id string) viewport.Snapshot {
	t.Helper()
	c.send(id, "mount", map[string]string{"source": flowchart, "hint": "b1"})

	var res diagram.Result
	c.expect(actionDiagram, &res)
	if res.Status != diagram.StatusReady || res.InstanceID != id {
		t.Fatalf("unexpected diagram result %+v", res)
	}
	if !strings.Contains(res.Markup, `class="mermaid"`) {
		t.Errorf("markup should be hydration markup: %s", res.Markup)
	}

	var snap viewport.Snapshot
	c.expect(actionViewport, &snap)
	return snap
}

func TestWebSocketInitialPreference(t *testing.T) {
	env := newTestEnv(t)
	c := dialWS(t, env)

	var pref struct {
		Enabled bool `json:"enabled"`
	}
	c.expect(actionPreference, &pref)
	if !pref.Enabled {
		t.Error("scroll-to-zoom should start enabled")
	}
}

func TestWebSocketViewportControls(t *testing.T) {
	env := newTestEnv(t)
	c := dialWS(t, env)
	c.expect(actionPreference, nil)

	snap := mountDiagram(t, c, "frame-1")
	if snap.State != viewport.StateReady || snap.Transform.Scale != viewport.InitialScale {
		t.Fatalf("unexpected initial snapshot %+v", snap)
	}

	c.send("frame-1", "zoomIn", nil)
	c.expect(actionViewport, &snap)
	if math.Abs(snap.Transform.Scale-0.77) > 1e-9 {
		t.Errorf("zoomIn scale = %v, want 0.77", snap.Transform.Scale)
	}

	c.send("frame-1", "dragStart", map[string]float64{"x": 10, "y": 10})
	c.expect(actionViewport, &snap)
	c.send("frame-1", "dragMove", map[string]float64{"x": 30, "y": 25})
	c.expect(actionViewport, &snap)
	if snap.Transform.TranslateX != 20 || snap.Transform.TranslateY != 15 || !snap.Dragging {
		t.Errorf("drag snapshot = %+v", snap)
	}
	c.send("frame-1", "dragEnd", nil)
	c.expect(actionViewport, &snap)

	c.send("frame-1", "dblclick", nil)
	c.expect(actionViewport, &snap)
	if snap.Transform.Scale != viewport.InitialScale || snap.Transform.TranslateX != 0 {
		t.Errorf("double click should reset: %+v", snap)
	}
}

func TestWebSocketContextMenuTogglesScrollZoom(t *testing.T) {
	env := newTestEnv(t)
	c := dialWS(t, env)
	c.expect(actionPreference, nil)
	mountDiagram(t, c, "frame-1")

	var ack struct {
		Handled bool `json:"handled"`
	}
	c.send("frame-1", "wheel", map[string]float64{"deltaY": -100})
	c.expect("wheel", &ack)
	if !ack.Handled {
		t.Error("wheel should zoom while scroll-to-zoom is on")
	}

	c.send("frame-1", "contextmenu", nil)
	c.expect("contextmenu", &ack)
	if !ack.Handled {
		t.Error("contextmenu should suppress the native menu")
	}
	var pref struct {
		Enabled bool `json:"enabled"`
	}
	c.expect(actionPreference, &pref)
	if pref.Enabled {
		t.Error("contextmenu should disable scroll-to-zoom")
	}

	c.send("frame-1", "wheel", map[string]float64{"deltaY": -100})
	c.expect("wheel", &ack)
	if ack.Handled {
		t.Error("wheel must scroll the page while scroll-to-zoom is off")
	}
}

func TestWebSocketFullscreen(t *testing.T) {
	env := newTestEnv(t)
	c := dialWS(t, env)
	c.expect(actionPreference, nil)
	mountDiagram(t, c, "frame-1")

	c.send("frame-1", "fullscreen", nil)
	if got := c.expect(actionRequestFullscreen, nil); got.Instance != "frame-1" {
		t.Errorf("requestFullscreen for %q", got.Instance)
	}

	var snap viewport.Snapshot
	c.send("frame-1", "fullscreenchange", map[string]bool{"active": true})
	c.expect(actionViewport, &snap)
	if !snap.Fullscreen {
		t.Error("fullscreen flag should follow fullscreenchange")
	}

	c.send("frame-1", "fullscreen", nil)
	c.expect(actionExitFullscreen, nil)
}

func TestWebSocketErrors(t *testing.T) {
	env := newTestEnv(t)
	c := dialWS(t, env)
	c.expect(actionPreference, nil)

	c.send("broken", "mount", map[string]string{"source": "not a diagram"})
	var res diagram.Result
	c.expect(actionDiagram, &res)
	if res.Status != diagram.StatusError || !strings.Contains(res.Message, "Invalid diagram") {
		t.Errorf("invalid source should produce an error result: %+v", res)
	}
	var snap viewport.Snapshot
	c.expect(actionViewport, &snap)
	if snap.State != viewport.StateError {
		t.Errorf("controller state = %s", snap.State)
	}

	var werr wsError
	c.send("nope", "zoomIn", nil)
	c.expect(actionError, &werr)
	if werr.Action != "zoomIn" || !strings.Contains(werr.Error, "unknown diagram") {
		t.Errorf("unexpected error %+v", werr)
	}

	c.send("", "mount", nil)
	c.expect(actionError, &werr)
	if werr.Action != "mount" {
		t.Errorf("unexpected error %+v", werr)
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	c.expect(actionError, &werr)
	if werr.Code != kbase.CodeInvalidJSON {
		t.Errorf("code = %q", werr.Code)
	}
}

func TestWebSocketSourceUpdate(t *testing.T) {
	env := newTestEnv(t)
	c := dialWS(t, env)
	c.expect(actionPreference, nil)
	mountDiagram(t, c, "frame-1")

	c.send("frame-1", "source", map[string]string{"source": "sequenceDiagram\n  A->>B: hi"})
	var res diagram.Result
	c.expect(actionDiagram, &res)
	if res.Status != diagram.StatusReady || !strings.Contains(res.Markup, "sequenceDiagram") {
		t.Errorf("source update not rendered: %+v", res)
	}
}

func TestWebSocketHintChangeRerenders(t *testing.T) {
	env := newTestEnv(t)
	c := dialWS(t, env)
	c.expect(actionPreference, nil)
	mountDiagram(t, c, "frame-1")

	c.send("frame-1", "source", map[string]string{"source": flowchart, "hint": "b2"})
	var res diagram.Result
	c.expect(actionDiagram, &res)
	if !strings.HasPrefix(res.RenderID, "mermaid-b2-") {
		t.Errorf("hint change should re-render with the new hint, got render id %q", res.RenderID)
	}

	// Omitting the hint keeps the current one.
	c.send("frame-1", "source", map[string]string{"source": "pie\n  \"a\": 1"})
	c.expect(actionDiagram, &res)
	if !strings.HasPrefix(res.RenderID, "mermaid-b2-") {
		t.Errorf("hint should be kept, got render id %q", res.RenderID)
	}
}

func TestWebSocketClientRenderError(t *testing.T) {
	env := newTestEnv(t)
	c := dialWS(t, env)
	c.expect(actionPreference, nil)

	c.send("frame-1", "mount", map[string]string{"source": flowchart, "hint": "b1"})
	var ready diagram.Result
	c.expect(actionDiagram, &ready)
	c.expect(actionViewport, nil)
	if ready.RenderID == "" {
		t.Fatal("ready result should carry a render id")
	}

	// A report for an older render is dropped.
	c.send("frame-1", "renderError", map[string]string{"renderId": "mermaid-b1-0", "message": "stale"})
	c.send("frame-1", "renderError", map[string]string{"renderId": ready.RenderID, "message": "Parse error on line 2"})

	var res diagram.Result
	c.expect(actionDiagram, &res)
	if res.Status != diagram.StatusError || res.Message != "Parse error on line 2" {
		t.Fatalf("expected the reported error, got %+v", res)
	}
	if res.InstanceID != "frame-1" {
		t.Errorf("error should be scoped to frame-1, got %q", res.InstanceID)
	}
	var snap viewport.Snapshot
	c.expect(actionViewport, &snap)
	if snap.State != viewport.StateError || snap.Error != "Parse error on line 2" {
		t.Errorf("controller should be in the error state, got %+v", snap)
	}
}

type composerMsg struct {
	Document   kbase.PageDocument `json:"document"`
	SlugManual bool               `json:"slugManual"`
	Editing    string             `json:"editing"`
}

func TestWebSocketComposeAndSubmit(t *testing.T) {
	env := newTestEnv(t)
	c := dialWS(t, env)
	c.expect(actionPreference, nil)

	var state composerMsg
	c.send("", "compose.title", map[string]string{"value": "Hello World"})
	c.expect(actionComposer, &state)
	if state.Document.Slug != "hello-world" || state.SlugManual {
		t.Errorf("title should derive the slug: %+v", state)
	}

	c.send("", "compose.add", map[string]string{"kind": "notes"})
	c.expect(actionComposer, &state)
	if len(state.Document.Blocks) != 1 || state.Document.Blocks[0].Kind() != kbase.KindNotes {
		t.Fatalf("expected one notes block, got %+v", state.Document.Blocks)
	}

	c.send("", "compose.content", map[string]any{"index": 0, "value": "Some *text*"})
	var preview struct {
		Fragments []fragmentJSON `json:"fragments"`
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		c.expect(actionPreview, &preview)
		if len(preview.Fragments) == 1 && strings.Contains(string(preview.Fragments[0].HTML), "<em>text</em>") {
			break
		}
	}
	if len(preview.Fragments) != 1 || !strings.Contains(string(preview.Fragments[0].HTML), "<em>text</em>") {
		t.Fatalf("preview never showed the edited notes: %+v", preview.Fragments)
	}

	c.send("", "compose.tags", map[string]string{"value": "go, go , docs,"})
	c.expect(actionComposer, &state)
	if strings.Join(state.Document.Tags, ",") != "go,docs" {
		t.Errorf("tags = %v", state.Document.Tags)
	}

	c.send("", "compose.submit", nil)
	var saved struct {
		Slug string `json:"slug"`
		URL  string `json:"url"`
	}
	c.expect(actionSaved, &saved)
	if saved.Slug != "hello-world" || saved.URL != "/pages/hello-world" {
		t.Errorf("saved = %+v", saved)
	}
	c.expect(actionComposer, &state)
	if state.Editing != "hello-world" {
		t.Errorf("composer should switch to editing the saved page, got %q", state.Editing)
	}

	doc, err := env.store.Get(context.Background(), "hello-world")
	if err != nil {
		t.Fatalf("page was not stored: %v", err)
	}
	if doc.Title != "Hello World" || doc.Published {
		t.Errorf("stored page = %+v", doc)
	}
}

func TestWebSocketComposeValidation(t *testing.T) {
	env := newTestEnv(t)
	c := dialWS(t, env)
	c.expect(actionPreference, nil)

	var werr wsError
	c.send("", "compose.submit", nil)
	c.expect(actionError, &werr)
	if werr.Action != "compose.submit" || werr.Code != kbase.CodeMissingTitle {
		t.Errorf("unexpected error %+v", werr)
	}

	c.send("", "compose.title", map[string]string{"value": "Only a title"})
	c.expect(actionComposer, nil)
	c.send("", "compose.validate", nil)
	c.expect(actionError, &werr)
	if werr.Code != kbase.CodeNoBlocks {
		t.Errorf("code = %q, want NoBlocks", werr.Code)
	}

	c.send("", "compose.add", map[string]string{"kind": "video"})
	c.expect(actionError, &werr)
	if werr.Code != kbase.CodeUnknownKind {
		t.Errorf("code = %q, want UnknownKind", werr.Code)
	}
}

func TestWebSocketComposeEditExisting(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, samplePage("existing", true))
	c := dialWS(t, env)
	c.expect(actionPreference, nil)

	var state composerMsg
	c.send("", "compose.edit", map[string]string{"slug": "existing"})
	c.expect(actionComposer, &state)
	if state.Editing != "existing" || len(state.Document.Blocks) != 4 {
		t.Fatalf("edit did not load the page: %+v", state)
	}

	c.send("", "compose.title", map[string]string{"value": "Retitled"})
	c.expect(actionComposer, &state)
	if state.Document.Slug != "existing" {
		t.Errorf("editing must keep the slug, got %q", state.Document.Slug)
	}

	c.send("", "compose.submit", nil)
	c.expect(actionSaved, nil)
	doc, err := env.store.Get(context.Background(), "existing")
	if err != nil || doc.Title != "Retitled" {
		t.Errorf("update not stored: %v %+v", err, doc)
	}

	var werr wsError
	c.send("", "compose.edit", map[string]string{"slug": "missing"})
	c.expect(actionError, &werr)
	if !strings.Contains(werr.Error, "not found") {
		t.Errorf("unexpected error %+v", werr)
	}
}

func TestWebSocketPreviewDiagramMount(t *testing.T) {
	env := newTestEnv(t)
	c := dialWS(t, env)
	c.expect(actionPreference, nil)

	c.send("", "compose.import", map[string]string{
		"json": `{"title":"Imported","blocks":[{"id":"d1","type":"mermaid","content":"graph LR\n  X-->Y"}]}`,
	})
	var state composerMsg
	c.expect(actionComposer, &state)
	if state.Document.Title != "Imported" {
		t.Fatalf("import not applied: %+v", state)
	}

	// The settled preview owns the diagram instance; mounting its frame
	// attaches to that instance instead of rendering again.
	var instance string
	var preview struct {
		Partial   bool           `json:"partial"`
		Fragments []fragmentJSON `json:"fragments"`
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && instance == "" {
		c.expect(actionPreview, &preview)
		if preview.Partial || len(preview.Fragments) != 1 {
			continue
		}
		html := string(preview.Fragments[0].HTML)
		const marker = `data-instance="`
		if i := strings.Index(html, marker); i >= 0 {
			rest := html[i+len(marker):]
			instance = rest[:strings.Index(rest, `"`)]
		}
	}
	if instance == "" {
		t.Fatal("settled preview never carried a diagram frame")
	}

	c.send(instance, "mount", nil)
	var res diagram.Result
	c.expect(actionDiagram, &res)
	if res.Status != diagram.StatusReady || !strings.Contains(res.Markup, "X--&gt;Y") {
		t.Errorf("preview frame should reuse the preview render: %+v", res)
	}

	var werr wsError
	c.send(instance, "source", map[string]string{"source": flowchart})
	c.expect(actionError, &werr)
	if !strings.Contains(werr.Error, "owned by the preview") {
		t.Errorf("unexpected error %+v", werr)
	}
}

func TestWebSocketSessionsAreTracked(t *testing.T) {
	env := newTestEnv(t)
	c := dialWS(t, env)
	c.expect(actionPreference, nil)

	if n := env.srv.Sessions(); n != 1 {
		t.Fatalf("Sessions() = %d, want 1", n)
	}

	c.conn.Close()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if env.srv.Sessions() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session was not unregistered after disconnect")
}

func TestBroadcastReload(t *testing.T) {
	env := newTestEnv(t)
	c := dialWS(t, env)
	c.expect(actionPreference, nil)

	env.srv.BroadcastReload("guides/setup")
	var msg struct {
		Document string `json:"document"`
	}
	c.expect(actionReload, &msg)
	if msg.Document != "guides/setup" {
		t.Errorf("document = %q", msg.Document)
	}
}
