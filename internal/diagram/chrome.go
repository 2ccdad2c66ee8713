package diagram

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// MermaidScriptURL is the mermaid build loaded into the headless page.
const MermaidScriptURL = "https://cdn.jsdelivr.net/npm/mermaid@10.9.5/dist/mermaid.min.js"

// ChromeEngine renders diagrams with mermaid.js inside headless Chrome.
// It is meant for tooling that needs library parse errors without a browser
// session. A single tab is reused; renders are serialized.
type ChromeEngine struct {
	cfg     Config
	timeout time.Duration

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancels []context.CancelFunc
	page    string
}

// NewChromeEngine creates an engine. Chrome is started on first use.
func NewChromeEngine(cfg Config, timeout time.Duration) *ChromeEngine {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &ChromeEngine{cfg: cfg, timeout: timeout}
}

type chromeResult struct {
	SVG   string `json:"svg"`
	Error string `json:"error"`
}

// Render implements Engine. A mermaid exception is returned as an error
// carrying the library's message.
func (e *ChromeEngine) Render(ctx context.Context, renderID, source string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.start(); err != nil {
		return "", err
	}

	id, _ := json.Marshal(renderID)
	src, _ := json.Marshal(source)
	script := fmt.Sprintf(`(async () => {
	try {
		const out = await mermaid.render(%s, %s);
		return {svg: out.svg};
	} catch (e) {
		const stale = document.getElementById("d" + %s);
		if (stale) stale.remove();
		return {error: String((e && e.message) || e)};
	}
})()`, id, src, id)

	runCtx, cancel := context.WithTimeout(e.ctx, e.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var res chromeResult
	err := chromedp.Run(runCtx, chromedp.Evaluate(script, &res, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	if err != nil {
		return "", fmt.Errorf("chrome render: %w", err)
	}
	if res.Error != "" {
		return "", fmt.Errorf("%s", res.Error)
	}
	return res.SVG, nil
}

// Release implements Releaser by removing leftovers of a previous render.
func (e *ChromeEngine) Release(renderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}

	id, _ := json.Marshal(renderID)
	script := fmt.Sprintf(`(() => {
	for (const el of [document.getElementById(%s), document.getElementById("d" + %s)]) {
		if (el) el.remove();
	}
	return true;
})()`, id, id)

	ctx, cancel := context.WithTimeout(e.ctx, e.timeout)
	defer cancel()
	var ok bool
	_ = chromedp.Run(ctx, chromedp.Evaluate(script, &ok))
}

// Close shuts the browser down.
func (e *ChromeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.cancels) - 1; i >= 0; i-- {
		e.cancels[i]()
	}
	e.cancels = nil
	e.started = false
	if e.page != "" {
		err := os.RemoveAll(filepath.Dir(e.page))
		e.page = ""
		return err
	}
	return nil
}

func (e *ChromeEngine) start() error {
	if e.started {
		return nil
	}

	cfg, err := json.Marshal(e.cfg)
	if err != nil {
		return fmt.Errorf("encode mermaid config: %w", err)
	}

	dir, err := os.MkdirTemp("", "kbase-mermaid-*")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	page := filepath.Join(dir, "render.html")
	html := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
	<script src="%s"></script>
	<script>mermaid.initialize(%s);</script>
</head>
<body></body>
</html>
`, MermaidScriptURL, cfg)
	if err := os.WriteFile(page, []byte(html), 0644); err != nil {
		os.RemoveAll(dir)
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	ctx, cancelCtx := chromedp.NewContext(allocCtx)

	loadCtx, cancelLoad := context.WithTimeout(ctx, e.timeout)
	defer cancelLoad()
	var ready bool
	err = chromedp.Run(loadCtx,
		chromedp.Navigate("file://"+page),
		chromedp.Poll(`typeof mermaid !== "undefined"`, &ready, chromedp.WithPollingInterval(100*time.Millisecond)),
	)
	if err != nil {
		cancelCtx()
		cancelAlloc()
		os.RemoveAll(dir)
		return fmt.Errorf("start headless chrome: %w", err)
	}

	e.ctx = ctx
	e.cancels = []context.CancelFunc{cancelAlloc, cancelCtx}
	e.page = page
	e.started = true
	return nil
}
