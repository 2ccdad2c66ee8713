// Package store persists page documents keyed by slug.
package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/livetemplate/kbase"
	"github.com/livetemplate/kbase/internal/config"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Store is the page persistence boundary.
//
// List omits blocks. Create and Update enforce slug uniqueness and return
// *kbase.ConflictError on collision; Get, Update and Delete return
// kbase.ErrNotFound for unknown slugs. IDs and timestamps are assigned here.
type Store interface {
	List(ctx context.Context, includeUnpublished bool) ([]kbase.PageDocument, error)
	Get(ctx context.Context, slug string) (*kbase.PageDocument, error)
	Create(ctx context.Context, doc kbase.PageDocument) (*kbase.PageDocument, error)
	Update(ctx context.Context, slug string, patch kbase.PagePatch) (*kbase.PageDocument, error)
	Delete(ctx context.Context, slug string) error
	Close() error
}

// Open creates the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("store")

	switch cfg.Driver {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.GetDSN(), logger)
	case "postgres":
		return OpenPostgres(ctx, cfg.GetDSN(), logger)
	case "mongo":
		return OpenMongo(ctx, cfg.GetDSN(), cfg.Database, cfg.GetCollection(), logger)
	case "remote":
		return NewClient(cfg.GetDSN(), WithAPIKey(cfg.GetAPIKey()), WithTimeout(cfg.GetTimeout())), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// clock returns the current time at the precision every backend can keep.
func clock() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// NewID returns a fresh document id.
func NewID() string {
	return ulid.Make().String()
}

// prepareCreate validates doc and fills the store-owned fields.
func prepareCreate(doc kbase.PageDocument, now time.Time) (kbase.PageDocument, error) {
	doc = doc.Clone()
	if err := kbase.ValidateForCreate(&doc); err != nil {
		return doc, err
	}
	if doc.Category == "" {
		doc.Category = kbase.DefaultCategory
	}
	doc.Tags = kbase.NormalizeTags(doc.Tags)
	doc.ID = NewID()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	return doc, nil
}

// applyPatch validates patch and applies it to a copy of existing.
func applyPatch(existing kbase.PageDocument, patch kbase.PagePatch, now time.Time) (kbase.PageDocument, error) {
	if err := patch.Validate(); err != nil {
		return existing, err
	}
	doc := existing.Clone()
	patch.Apply(&doc)
	doc.UpdatedAt = now
	return doc, nil
}

// sortListing orders pages newest first and strips blocks.
func sortListing(pages []kbase.PageDocument) []kbase.PageDocument {
	sort.SliceStable(pages, func(i, j int) bool {
		if pages[i].UpdatedAt.Equal(pages[j].UpdatedAt) {
			return pages[i].Slug < pages[j].Slug
		}
		return pages[i].UpdatedAt.After(pages[j].UpdatedAt)
	})
	for i := range pages {
		pages[i] = pages[i].Listing()
	}
	return pages
}

// Observer is notified after every store operation.
type Observer func(op string, err error, elapsed time.Duration)

// Observe wraps s so every operation is reported to obs.
func Observe(s Store, obs Observer) Store {
	return &observed{Store: s, obs: obs}
}

type observed struct {
	Store
	obs Observer
}

func (o *observed) List(ctx context.Context, includeUnpublished bool) ([]kbase.PageDocument, error) {
	start := time.Now()
	pages, err := o.Store.List(ctx, includeUnpublished)
	o.obs("list", err, time.Since(start))
	return pages, err
}

func (o *observed) Get(ctx context.Context, slug string) (*kbase.PageDocument, error) {
	start := time.Now()
	doc, err := o.Store.Get(ctx, slug)
	o.obs("get", err, time.Since(start))
	return doc, err
}

func (o *observed) Create(ctx context.Context, doc kbase.PageDocument) (*kbase.PageDocument, error) {
	start := time.Now()
	created, err := o.Store.Create(ctx, doc)
	o.obs("create", err, time.Since(start))
	return created, err
}

func (o *observed) Update(ctx context.Context, slug string, patch kbase.PagePatch) (*kbase.PageDocument, error) {
	start := time.Now()
	updated, err := o.Store.Update(ctx, slug, patch)
	o.obs("update", err, time.Since(start))
	return updated, err
}

func (o *observed) Delete(ctx context.Context, slug string) error {
	start := time.Now()
	err := o.Store.Delete(ctx, slug)
	o.obs("delete", err, time.Since(start))
	return err
}
