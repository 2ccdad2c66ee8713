package store

import (
	"context"
	"sync"
	"time"

	"github.com/livetemplate/kbase"
)

// MemoryStore keeps pages in a map. It is used by tests and the "memory" driver.
type MemoryStore struct {
	mu    sync.RWMutex
	pages map[string]kbase.PageDocument // by slug
	now   func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pages: make(map[string]kbase.PageDocument), now: clock}
}

func (s *MemoryStore) List(ctx context.Context, includeUnpublished bool) ([]kbase.PageDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pages := make([]kbase.PageDocument, 0, len(s.pages))
	for _, p := range s.pages {
		if p.Published || includeUnpublished {
			pages = append(pages, p.Clone())
		}
	}
	return sortListing(pages), nil
}

func (s *MemoryStore) Get(ctx context.Context, slug string) (*kbase.PageDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pages[slug]
	if !ok {
		return nil, kbase.ErrNotFound
	}
	c := p.Clone()
	return &c, nil
}

func (s *MemoryStore) Create(ctx context.Context, doc kbase.PageDocument) (*kbase.PageDocument, error) {
	created, err := prepareCreate(doc, s.now())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pages[created.Slug]; exists {
		return nil, &kbase.ConflictError{Slug: created.Slug}
	}
	s.pages[created.Slug] = created
	c := created.Clone()
	return &c, nil
}

func (s *MemoryStore) Update(ctx context.Context, slug string, patch kbase.PagePatch) (*kbase.PageDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.pages[slug]
	if !ok {
		return nil, kbase.ErrNotFound
	}
	updated, err := applyPatch(existing, patch, s.now())
	if err != nil {
		return nil, err
	}
	if updated.Slug != slug {
		if _, taken := s.pages[updated.Slug]; taken {
			return nil, &kbase.ConflictError{Slug: updated.Slug}
		}
		delete(s.pages, slug)
	}
	s.pages[updated.Slug] = updated
	c := updated.Clone()
	return &c, nil
}

func (s *MemoryStore) Delete(ctx context.Context, slug string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pages[slug]; !ok {
		return kbase.ErrNotFound
	}
	delete(s.pages, slug)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
