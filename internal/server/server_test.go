package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/livetemplate/kbase"
	"github.com/livetemplate/kbase/internal/config"
	"github.com/livetemplate/kbase/internal/diagram"
	"github.com/livetemplate/kbase/internal/docs"
	"github.com/livetemplate/kbase/internal/highlight"
	"github.com/livetemplate/kbase/internal/markdown"
	"github.com/livetemplate/kbase/internal/metrics"
	"github.com/livetemplate/kbase/internal/render"
	"github.com/livetemplate/kbase/internal/store"
	"github.com/prometheus/client_golang/prometheus"
)

type testEnv struct {
	srv   *Server
	store *store.MemoryStore
	http  *httptest.Server
	docs  string
}

// newTestEnv starts a server over an in-memory store with a short preview
// debounce and an empty docs directory.
func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Storage.Driver = "memory"
	cfg.Preview.Debounce = "30ms"
	for _, m := range mutate {
		m(cfg)
	}

	docsDir := t.TempDir()
	lib := docs.NewLibrary(docsDir, docs.NewSanitizer(), nil)
	if err := lib.Load(); err != nil {
		t.Fatalf("load docs: %v", err)
	}

	hl := highlight.New(highlight.DefaultStyle)
	engine, err := diagram.NewClientEngine(diagram.DefaultConfig())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	renderer := render.New(hl, markdown.New(hl), diagram.NewRenderer(engine))

	reg := prometheus.NewRegistry()
	st := store.NewMemoryStore()
	srv, err := New(cfg, Deps{
		Store:       st,
		Renderer:    renderer,
		Highlighter: hl,
		Docs:        lib,
		Metrics:     metrics.New(reg),
		Gatherer:    reg,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return &testEnv{srv: srv, store: st, http: ts, docs: docsDir}
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(e.http.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func samplePage(slug string, published bool) kbase.PageDocument {
	return kbase.PageDocument{
		Title:     "Page " + slug,
		Slug:      slug,
		Summary:   "About " + slug,
		Category:  kbase.CategoryGuide,
		Tags:      []string{"go", "docs"},
		Published: published,
		Blocks: []kbase.Block{
			&kbase.CodeBlock{ID: "b1", Language: "python", Content: "print('hi')", Title: "Hello"},
			&kbase.NotesBlock{ID: "b2", Content: "Some **notes**"},
			&kbase.DiagramBlock{ID: "b3", Content: "graph TD\n  A-->B"},
			&kbase.TableBlock{ID: "b4", Content: "name | value\nx | 1"},
		},
	}
}

func (e *testEnv) seed(t *testing.T, docs ...kbase.PageDocument) {
	t.Helper()
	for _, d := range docs {
		if _, err := e.store.Create(context.Background(), d); err != nil {
			t.Fatalf("seed %s: %v", d.Slug, err)
		}
	}
}

func TestNewRequiresStoreAndRenderer(t *testing.T) {
	if _, err := New(nil, Deps{}); err == nil {
		t.Fatal("expected an error without store and renderer")
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, `"status":"ok"`) {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestIndexListsOnlyPublishedPages(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, samplePage("visible", true), samplePage("hidden", false))

	resp, body := env.get(t, "/")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, `href="/pages/visible"`) {
		t.Error("published page missing from index")
	}
	if strings.Contains(body, "/pages/hidden") {
		t.Error("draft page must not be listed")
	}
}

func TestIndexFilters(t *testing.T) {
	env := newTestEnv(t)
	tutorial := samplePage("tut", true)
	tutorial.Category = kbase.CategoryTutorial
	tutorial.Tags = []string{"intro"}
	env.seed(t, samplePage("guide", true), tutorial)

	_, body := env.get(t, "/?category=tutorial")
	if !strings.Contains(body, "/pages/tut") || strings.Contains(body, "/pages/guide") {
		t.Errorf("category filter not applied:\n%s", body)
	}

	_, body = env.get(t, "/?tag=go")
	if !strings.Contains(body, "/pages/guide") || strings.Contains(body, "/pages/tut") {
		t.Errorf("tag filter not applied:\n%s", body)
	}
}

func TestPageViewRendersEveryBlockKind(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, samplePage("all-kinds", true))

	resp, body := env.get(t, "/pages/all-kinds")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	for _, want := range []string{
		"<title>Page all-kinds",
		`class="chroma"`,
		"<strong>notes</strong>",
		`class="kb-diagram-frame"`,
		`class="mermaid"`,
		`<div class="kb-table">`,
		`kb-block-title">Hello`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("page body missing %q", want)
		}
	}
}

func TestUnknownPageIs404(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.get(t, "/pages/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, `There is no page called &#34;nope&#34;`) {
		t.Errorf("unexpected body: %s", body)
	}

	resp, _ = env.get(t, "/does/not/exist")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown route: expected 404, got %d", resp.StatusCode)
	}
}

func TestComposePage(t *testing.T) {
	env := newTestEnv(t)
	_, body := env.get(t, "/compose?edit=my-page")
	if !strings.Contains(body, `data-edit="my-page"`) {
		t.Error("compose view should carry the slug being edited")
	}
	for _, kind := range kbase.Kinds {
		if !strings.Contains(body, `data-add="`+string(kind)+`"`) {
			t.Errorf("missing add button for %s", kind)
		}
	}
}

func TestDocsAreSanitized(t *testing.T) {
	env := newTestEnv(t)
	raw := `<html><head><title>Setup Guide</title></head><body><h1>Setup</h1><script>alert(1)</script><p onclick="x()">Run it.</p></body></html>`
	if err := os.WriteFile(filepath.Join(env.docs, "setup.html"), []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}
	if err := env.srv.docs.Load(); err != nil {
		t.Fatal(err)
	}

	resp, body := env.get(t, "/docs/setup")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if strings.Contains(body, "alert(1)") || strings.Contains(body, "onclick") {
		t.Errorf("document was not sanitized:\n%s", body)
	}
	if !strings.Contains(body, "Run it.") {
		t.Error("document text missing")
	}

	_, index := env.get(t, "/")
	if !strings.Contains(index, `href="/docs/setup">Setup Guide`) {
		t.Error("index should list documents by title")
	}

	resp, _ = env.get(t, "/docs/missing")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for missing doc, got %d", resp.StatusCode)
	}
}

func TestAssets(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		path        string
		status      int
		contentType string
	}{
		{"/assets/kbase.js", http.StatusOK, "application/javascript"},
		{"/assets/kbase.css", http.StatusOK, "text/css"},
		{"/assets/highlight.css", http.StatusOK, "text/css"},
		{"/assets/nope.js", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		resp, _ := env.get(t, tt.path)
		if resp.StatusCode != tt.status {
			t.Errorf("%s: expected %d, got %d", tt.path, tt.status, resp.StatusCode)
		}
		if tt.contentType != "" && !strings.HasPrefix(resp.Header.Get("Content-Type"), tt.contentType) {
			t.Errorf("%s: content type %q", tt.path, resp.Header.Get("Content-Type"))
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, samplePage("counted", true))
	env.get(t, "/pages/counted")

	resp, body := env.get(t, "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "kbase_ws_sessions") {
		t.Errorf("metrics output missing session gauge:\n%s", body)
	}
}

func TestEnableWatchReloadsDocuments(t *testing.T) {
	env := newTestEnv(t)
	if err := env.srv.EnableWatch(); err != nil {
		t.Fatalf("EnableWatch: %v", err)
	}

	path := filepath.Join(env.docs, "live.html")
	if err := os.WriteFile(path, []byte("<h1>Live</h1>"), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := env.srv.docs.Get("live"); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("watcher did not load the new document")
}
