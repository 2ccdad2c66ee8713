package docs

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// Ext is the file extension of bundled documents.
const Ext = ".html"

// ErrNotFound is returned for unknown document names.
var ErrNotFound = errors.New("document not found")

// Document is one sanitized bundled document.
type Document struct {
	Name    string        // File name without extension, e.g. "getting-started"
	Title   string        // <title> or first <h1>, falling back to Name
	HTML    template.HTML // Sanitized body
	ModTime time.Time
}

// Library holds the sanitized documents of one directory.
type Library struct {
	dir       string
	sanitizer *Sanitizer
	logger    *zap.Logger

	mu   sync.RWMutex
	docs map[string]Document
}

// NewLibrary creates an empty library over dir. Call Load to read it.
func NewLibrary(dir string, sanitizer *Sanitizer, logger *zap.Logger) *Library {
	if sanitizer == nil {
		sanitizer = NewSanitizer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Library{
		dir:       dir,
		sanitizer: sanitizer,
		logger:    logger,
		docs:      make(map[string]Document),
	}
}

// Dir returns the library's directory.
func (l *Library) Dir() string {
	return l.dir
}

// Load reads every document in the directory, replacing what was loaded.
// A missing directory yields an empty library.
func (l *Library) Load() error {
	docs := make(map[string]Document)
	err := filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == l.dir {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() {
			if path != l.dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != Ext {
			return nil
		}
		doc, err := l.read(path)
		if err != nil {
			return err
		}
		docs[doc.Name] = doc
		return nil
	})
	if err != nil {
		return fmt.Errorf("load docs from %s: %w", l.dir, err)
	}

	l.mu.Lock()
	l.docs = docs
	l.mu.Unlock()
	l.logger.Info("documents loaded", zap.String("dir", l.dir), zap.Int("count", len(docs)))
	return nil
}

// Reload re-reads the document at relPath (relative to the directory).
// A removed file is dropped from the library.
func (l *Library) Reload(relPath string) error {
	if filepath.Ext(relPath) != Ext {
		return nil
	}
	path := filepath.Join(l.dir, relPath)
	doc, err := l.read(path)
	if errors.Is(err, fs.ErrNotExist) {
		l.mu.Lock()
		delete(l.docs, nameOf(l.dir, path))
		l.mu.Unlock()
		l.logger.Info("document removed", zap.String("path", relPath))
		return nil
	}
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.docs[doc.Name] = doc
	l.mu.Unlock()
	l.logger.Info("document reloaded", zap.String("name", doc.Name))
	return nil
}

// Get returns the named document.
func (l *Library) Get(name string) (Document, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	doc, ok := l.docs[name]
	if !ok {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

// List returns every document sorted by name.
func (l *Library) List() []Document {
	l.mu.RLock()
	out := make([]Document, 0, len(l.docs))
	for _, doc := range l.docs {
		out = append(out, doc)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (l *Library) read(path string) (Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Document{}, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	name := nameOf(l.dir, path)
	title := extractTitle(raw)
	if title == "" {
		title = name
	}
	return Document{
		Name:    name,
		Title:   title,
		HTML:    template.HTML(l.sanitizer.SanitizeBytes(raw)),
		ModTime: info.ModTime(),
	}, nil
}

// nameOf turns dir/guides/setup.html into "guides/setup".
func nameOf(dir, path string) string {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	return filepath.ToSlash(strings.TrimSuffix(rel, Ext))
}

// extractTitle returns the text of <title>, or of the first <h1>.
func extractTitle(raw []byte) string {
	z := html.NewTokenizer(bytes.NewReader(raw))
	var h1 string
	for {
		switch z.Next() {
		case html.ErrorToken:
			return h1
		case html.StartTagToken:
			tag, _ := z.TagName()
			switch string(tag) {
			case "title":
				if t := textUntilEnd(z, "title"); t != "" {
					return t
				}
			case "h1":
				if h1 == "" {
					h1 = textUntilEnd(z, "h1")
				}
			}
		}
	}
}

func textUntilEnd(z *html.Tokenizer, tag string) string {
	var b strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(b.String())
		case html.TextToken:
			b.Write(z.Text())
		case html.EndTagToken:
			name, _ := z.TagName()
			if string(name) == tag {
				return strings.Join(strings.Fields(b.String()), " ")
			}
		}
	}
}
