package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/livetemplate/kbase/internal/cache"
	"github.com/livetemplate/kbase/internal/config"
	"github.com/livetemplate/kbase/internal/diagram"
	"github.com/livetemplate/kbase/internal/docs"
	"github.com/livetemplate/kbase/internal/highlight"
	"github.com/livetemplate/kbase/internal/markdown"
	"github.com/livetemplate/kbase/internal/metrics"
	"github.com/livetemplate/kbase/internal/render"
	"github.com/livetemplate/kbase/internal/server"
	"github.com/livetemplate/kbase/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// shutdownTimeout bounds how long in-flight requests may take after Ctrl+C.
const shutdownTimeout = 10 * time.Second

// ServeCommand implements the serve command.
func ServeCommand(args []string) error {
	var flags siteFlags
	var port string
	var host string
	var watch *bool

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if j := flags.parse(args, i); j >= 0 {
			i = j
		} else if arg == "--watch" || arg == "-w" {
			watchVal := true
			watch = &watchVal
		} else if arg == "--no-watch" {
			watchVal := false
			watch = &watchVal
		} else if arg == "--port" || arg == "-p" {
			if i+1 < len(args) {
				port = args[i+1]
				i++
			}
		} else if arg == "--host" {
			if i+1 < len(args) {
				host = args[i+1]
				i++
			}
		} else if !strings.HasPrefix(arg, "-") {
			flags.dir = arg
		} else {
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if flags.dir != "" {
		if _, err := os.Stat(flags.dir); os.IsNotExist(err) {
			return fmt.Errorf("directory does not exist: %s", flags.dir)
		}
	}

	cfg, err := flags.loadConfig()
	if err != nil {
		return err
	}

	// CLI flags override config
	if port != "" {
		portInt, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid port: %s", port)
		}
		cfg.Server.Port = portInt
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if watch != nil {
		cfg.Docs.Watch = *watch
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	fragments := cache.NewMemoryCache(cfg.Cache.GetTTL(), cfg.Cache.GetMaxEntries())
	defer fragments.Stop()
	metrics.RegisterCache(reg, fragments)

	hl := highlight.New(highlight.DefaultStyle)
	renderer, err := buildRenderer(cfg, hl, fragments, m)
	if err != nil {
		return err
	}

	library := docs.NewLibrary(cfg.Docs.Dir, docs.NewSanitizer(), logger.Named("docs"))
	if err := library.Load(); err != nil {
		return err
	}

	srv, err := server.New(cfg, server.Deps{
		Store:       store.Observe(st, m.Store),
		Renderer:    renderer,
		Highlighter: hl,
		Docs:        library,
		Metrics:     m,
		Gatherer:    reg,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	fmt.Printf("📚 %s\n\n", cfg.Title)
	fmt.Printf("Storage: %s\n", cfg.Storage.Driver)
	if n := len(library.List()); n > 0 {
		fmt.Printf("Documents: %d from %s\n", n, cfg.Docs.Dir)
	}

	if cfg.Docs.Watch && dirExists(cfg.Docs.Dir) {
		if err := srv.EnableWatch(); err != nil {
			return fmt.Errorf("failed to enable watch mode: %w", err)
		}
		fmt.Printf("👀 Watching %s for document changes\n", cfg.Docs.Dir)
	}

	addr := cfg.Server.Addr()
	fmt.Printf("\n🌐 Server running at http://%s\n", addr)
	if cfg.IsAPIEnabled() {
		fmt.Printf("🔌 REST API enabled at /api/pages\n")
		if cfg.API.IsAuthEnabled() {
			fmt.Printf("🔒 Writes require an API key\n")
		}
	}
	fmt.Printf("📈 Metrics at /metrics\n")
	fmt.Printf("Press Ctrl+C to stop\n\n")

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown; srv.Close
	// disconnects them.
	_ = srv.Close()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		return err
	}
	return nil
}

// buildRenderer wires the highlighter, markdown pipeline, diagram renderer
// and fragment cache together. Page views always use client hydration
// markup; the chrome engine is reserved for validate --deep.
func buildRenderer(cfg *config.Config, hl *highlight.Highlighter, c cache.Cache, m *metrics.Metrics) (*render.Renderer, error) {
	engine, err := diagram.NewClientEngine(diagramConfig(cfg))
	if err != nil {
		return nil, err
	}

	var diagramOpts []diagram.Option
	var renderOpts []render.Option
	if c != nil {
		renderOpts = append(renderOpts, render.WithCache(c))
	}
	if m != nil {
		diagramOpts = append(diagramOpts, diagram.WithObserver(m.Diagram))
		renderOpts = append(renderOpts, render.WithObserver(m.Block))
	}
	diagrams := diagram.NewRenderer(engine, diagramOpts...)
	return render.New(hl, markdown.New(hl), diagrams, renderOpts...), nil
}

func dirExists(dir string) bool {
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}
