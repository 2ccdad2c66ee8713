// Package server serves the knowledge base over HTTP: page views, the
// composer, the page API and the live websocket session.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/livetemplate/kbase/internal/assets"
	"github.com/livetemplate/kbase/internal/config"
	"github.com/livetemplate/kbase/internal/docs"
	"github.com/livetemplate/kbase/internal/highlight"
	"github.com/livetemplate/kbase/internal/metrics"
	"github.com/livetemplate/kbase/internal/render"
	"github.com/livetemplate/kbase/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Deps are the collaborators a Server is built from. Store and Renderer are
// required; the rest are optional.
type Deps struct {
	Store       store.Store
	Renderer    *render.Renderer
	Highlighter *highlight.Highlighter
	Docs        *docs.Library
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	Logger      *zap.Logger
}

// Server is the knowledge base HTTP server.
type Server struct {
	cfg          *config.Config
	store        store.Store
	renderer     *render.Renderer
	docs         *docs.Library
	metrics      *metrics.Metrics
	gatherer     prometheus.Gatherer
	logger       *zap.Logger
	views        views
	highlightCSS []byte
	previewDelay time.Duration
	router       http.Handler

	ctx           context.Context
	cancel        context.CancelFunc
	rateLimitDone <-chan struct{}

	sessMu   sync.RWMutex
	sessions map[*Session]struct{}

	watcher *docs.Watcher

	closeOnce sync.Once
	closeErr  error
}

// New creates a server. The returned server must be closed.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Renderer == nil {
		return nil, errors.New("server: store and renderer are required")
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hl := deps.Highlighter
	if hl == nil {
		hl = highlight.New(highlight.DefaultStyle)
	}
	css, err := hl.CSS()
	if err != nil {
		return nil, fmt.Errorf("highlight css: %w", err)
	}
	v, err := loadViews()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:          cfg,
		store:        deps.Store,
		renderer:     deps.Renderer,
		docs:         deps.Docs,
		metrics:      deps.Metrics,
		gatherer:     deps.Gatherer,
		logger:       logger.Named("server"),
		views:        v,
		highlightCSS: []byte(css),
		previewDelay: cfg.Preview.GetDebounce(),
		ctx:          ctx,
		cancel:       cancel,
		sessions:     make(map[*Session]struct{}),
	}
	s.router = s.routes()
	return s, nil
}

// routes builds the chi router.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeadersMiddleware())

	r.Get("/ws", s.serveWebSocket)
	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5))

		r.Get("/", s.handleIndex)
		r.Get("/pages/{slug}", s.handlePage)
		r.Get("/compose", s.handleCompose)
		r.Get("/docs/*", s.handleDoc)
		r.Get("/assets/{name}", s.serveAsset)

		if s.cfg.IsAPIEnabled() {
			r.Route("/api", s.apiRoutes)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.notFound(w, "The page you are looking for does not exist.")
	})
	return r
}

// apiRoutes mounts the JSON API. Reads are open; writes require the API key
// when one is configured.
func (s *Server) apiRoutes(r chi.Router) {
	api := s.cfg.API
	var authCfg *config.AuthConfig
	if api != nil {
		authCfg = api.Auth
	}
	headerName := authCfg.GetHeaderName()

	if origins := api.GetCORSOrigins(); len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key", headerName},
			ExposedHeaders: []string{"X-Total-Count"},
			MaxAge:         86400,
		}))
	}

	limit, done := RateLimitMiddleware(s.ctx, api.GetRateLimitRPS(), api.GetRateLimitBurst(), 0, s.logger.Named("ratelimit"))
	s.rateLimitDone = done
	r.Use(limit)

	r.Get("/pages", s.handleListPages)
	r.Get("/pages/{slug}", s.handleGetPage)
	r.Post("/preview", s.handlePreview)
	r.Post("/diagram/validate", s.handleValidateDiagram)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(authCfg.GetAPIKey(), headerName))
		r.Post("/pages", s.handleCreatePage)
		r.Put("/pages/{slug}", s.handleUpdatePage)
		r.Delete("/pages/{slug}", s.handleDeletePage)
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// serveAsset serves embedded client assets and the highlighting stylesheet.
func (s *Server) serveAsset(w http.ResponseWriter, r *http.Request) {
	var (
		data        []byte
		err         error
		contentType string
	)
	switch chi.URLParam(r, "name") {
	case "kbase.js":
		data, err = assets.GetClientJS()
		contentType = "application/javascript"
	case "kbase.css":
		data, err = assets.GetClientCSS()
		contentType = "text/css"
	case "highlight.css":
		data = s.highlightCSS
		contentType = "text/css"
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, "Asset not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}

func (s *Server) registerSession(sess *Session) {
	s.sessMu.Lock()
	s.sessions[sess] = struct{}{}
	n := len(s.sessions)
	s.sessMu.Unlock()
	if s.metrics != nil {
		s.metrics.SessionOpened()
	}
	s.logger.Debug("session registered", zap.Int("active", n))
}

func (s *Server) unregisterSession(sess *Session) {
	s.sessMu.Lock()
	delete(s.sessions, sess)
	n := len(s.sessions)
	s.sessMu.Unlock()
	if s.metrics != nil {
		s.metrics.SessionClosed()
	}
	s.logger.Debug("session unregistered", zap.Int("active", n))
}

// Sessions returns the number of connected live sessions.
func (s *Server) Sessions() int {
	s.sessMu.RLock()
	defer s.sessMu.RUnlock()
	return len(s.sessions)
}

// BroadcastReload tells every connected client that a document changed.
func (s *Server) BroadcastReload(name string) {
	s.sessMu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessMu.RUnlock()

	if len(sessions) == 0 {
		return
	}
	s.logger.Info("broadcasting reload", zap.String("document", name), zap.Int("sessions", len(sessions)))
	for _, sess := range sessions {
		sess.send("", actionReload, map[string]string{"document": name})
	}
}

// EnableWatch reloads changed documents and notifies connected clients.
func (s *Server) EnableWatch() error {
	if s.docs == nil {
		return errors.New("no document library to watch")
	}
	watcher, err := docs.NewWatcher(s.docs.Dir(), docs.Ext, docs.DefaultWatchDelay, func(relPath string) error {
		if err := s.docs.Reload(relPath); err != nil {
			return fmt.Errorf("reload %s: %w", relPath, err)
		}
		s.BroadcastReload(relPath)
		return nil
	}, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	s.watcher = watcher
	s.watcher.Start()
	s.logger.Info("document watcher started", zap.String("dir", s.docs.Dir()))
	return nil
}

// Close stops the watcher, disconnects live sessions and waits for the rate
// limiter cleanup to exit. It does not close the store. Later calls return
// the first call's result.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		if s.watcher != nil {
			s.closeErr = s.watcher.Stop()
		}

		s.sessMu.RLock()
		for sess := range s.sessions {
			closeMsg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			sess.writeMu.Lock()
			_ = sess.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
			sess.writeMu.Unlock()
			_ = sess.conn.Close()
		}
		s.sessMu.RUnlock()

		s.cancel()
		if s.rateLimitDone != nil {
			<-s.rateLimitDone
		}
	})
	return s.closeErr
}
