package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/livetemplate/kbase"
	"github.com/livetemplate/kbase/internal/assets"
	"github.com/livetemplate/kbase/internal/diagram"
	"github.com/livetemplate/kbase/internal/docs"
	"github.com/livetemplate/kbase/internal/render"
	"go.uber.org/zap"
)

// viewNames are the page templates rendered inside layout.html.
var viewNames = []string{"index", "page", "compose", "doc", "notfound"}

// views holds one template set per page, each sharing the layout.
type views map[string]*template.Template

func loadViews() (views, error) {
	base, err := template.ParseFS(assets.TemplatesFS(), "layout.html")
	if err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	v := make(views, len(viewNames))
	for _, name := range viewNames {
		t, err := base.Clone()
		if err != nil {
			return nil, err
		}
		if _, err := t.ParseFS(assets.TemplatesFS(), name+".html"); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		v[name] = t
	}
	return v, nil
}

// layoutData is passed to layout.html; Data goes to the page template.
type layoutData struct {
	SiteTitle  string
	Title      string
	View       string
	MermaidURL string
	Data       any
}

type indexData struct {
	Pages      []kbase.PageDocument
	Categories []kbase.Category
	Category   string
	Tag        string
	Docs       []docs.Document
}

type pageData struct {
	Page      kbase.PageDocument
	Fragments []render.Fragment
}

type editorData struct {
	Edit            string
	Kinds           []kbase.BlockKind
	Categories      []kbase.Category
	DefaultCategory kbase.Category
	LanguagesJSON   string
}

type docData struct {
	Doc docs.Document
}

type notFoundData struct {
	Message string
}

// render executes a view into a buffer first so template errors become a 500
// instead of a truncated page.
func (s *Server) render(w http.ResponseWriter, status int, view, title string, data any) {
	t, ok := s.views[view]
	if !ok {
		writeError(w, http.StatusInternalServerError, "unknown view "+view)
		return
	}
	var buf bytes.Buffer
	err := t.ExecuteTemplate(&buf, "layout", layoutData{
		SiteTitle:  s.cfg.Title,
		Title:      title,
		View:       view,
		MermaidURL: diagram.MermaidScriptURL,
		Data:       data,
	})
	if err != nil {
		s.logger.Error("render view", zap.String("view", view), zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func (s *Server) notFound(w http.ResponseWriter, message string) {
	s.render(w, http.StatusNotFound, "notfound", "Not found", notFoundData{Message: message})
}

// handleIndex lists published pages, optionally filtered by category or tag.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	tag := r.URL.Query().Get("tag")
	if category != "" && !kbase.Category(category).IsValid() {
		category = ""
	}

	pages, err := s.store.List(r.Context(), false)
	if err != nil {
		s.logger.Error("list pages", zap.Error(err))
		http.Error(w, "Failed to load pages", http.StatusBadGateway)
		return
	}

	data := indexData{
		Pages:      applyFilter(pages, category, tag),
		Categories: kbase.Categories,
		Category:   category,
		Tag:        tag,
	}
	if s.docs != nil {
		data.Docs = s.docs.List()
	}
	s.render(w, http.StatusOK, "index", "", data)
}

// handlePage renders a stored page. The diagram instances created while
// rendering are closed before returning; the client mounts its own.
func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	doc, err := s.store.Get(r.Context(), slug)
	if err != nil {
		if kbase.IsNotFound(err) {
			s.notFound(w, fmt.Sprintf("There is no page called %q.", slug))
			return
		}
		s.logger.Error("get page", zap.String("slug", slug), zap.Error(err))
		http.Error(w, "Failed to load page", http.StatusBadGateway)
		return
	}

	frags := s.renderer.Page(r.Context(), doc.Blocks, render.Interactive)
	defer func() {
		for i := range frags {
			frags[i].Close()
		}
	}()
	s.render(w, http.StatusOK, "page", doc.Title, pageData{Page: *doc, Fragments: frags})
}

func (s *Server) handleCompose(w http.ResponseWriter, r *http.Request) {
	langs, err := json.Marshal(kbase.Languages)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	title := "New page"
	edit := r.URL.Query().Get("edit")
	if edit != "" {
		title = "Edit " + edit
	}
	s.render(w, http.StatusOK, "compose", title, editorData{
		Edit:            edit,
		Kinds:           kbase.Kinds,
		Categories:      kbase.Categories,
		DefaultCategory: kbase.DefaultCategory,
		LanguagesJSON:   string(langs),
	})
}

// handleDoc serves a sanitized HTML document from the docs library.
func (s *Server) handleDoc(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	if s.docs == nil {
		s.notFound(w, "No document library is configured.")
		return
	}
	doc, err := s.docs.Get(name)
	if err != nil {
		if errors.Is(err, docs.ErrNotFound) {
			s.notFound(w, fmt.Sprintf("There is no document called %q.", name))
			return
		}
		s.logger.Error("get document", zap.String("name", name), zap.Error(err))
		http.Error(w, "Failed to load document", http.StatusInternalServerError)
		return
	}
	s.render(w, http.StatusOK, "doc", doc.Title, docData{Doc: doc})
}
