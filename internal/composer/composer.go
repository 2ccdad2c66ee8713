// Package composer holds the editing state of a page being authored.
//
// Manual edits and JSON imports go through the same setters, so both
// produce the same PageDocument for the same content.
package composer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/livetemplate/kbase"
)

// Saver persists a composed page. store.Store satisfies it.
type Saver interface {
	Create(ctx context.Context, doc kbase.PageDocument) (*kbase.PageDocument, error)
	Update(ctx context.Context, slug string, patch kbase.PagePatch) (*kbase.PageDocument, error)
}

// Composer is safe for concurrent use.
type Composer struct {
	mu         sync.Mutex
	title      string
	slug       string
	slugManual bool
	summary    string
	category   kbase.Category
	tags       []string
	published  bool
	blocks     []kbase.Block

	// editing is the stored slug of the page being edited, empty for a new page.
	editing string
	rev     uint64
}

// New returns an empty composer for a new page.
func New() *Composer {
	return &Composer{category: kbase.DefaultCategory, tags: []string{}}
}

// Edit returns a composer preloaded with an existing page. Submit updates
// that page instead of creating a new one.
func Edit(doc kbase.PageDocument) *Composer {
	c := New()
	c.load(doc)
	c.slugManual = true
	c.editing = doc.Slug
	return c
}

// Revision increases on every change.
func (c *Composer) Revision() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rev
}

// Editing returns the stored slug of the edited page, or "".
func (c *Composer) Editing() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.editing
}

// SetTitle sets the title and, until the slug is edited by hand, derives
// the slug from it.
func (c *Composer) SetTitle(title string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setTitle(title)
}

// SetSlug sets the slug. Auto-derivation stops for good.
func (c *Composer) SetSlug(slug string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setSlug(slug)
}

// SlugManual reports whether the slug was edited by hand.
func (c *Composer) SlugManual() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slugManual
}

func (c *Composer) SetSummary(summary string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summary = summary
	c.rev++
}

// SetCategory rejects unknown categories.
func (c *Composer) SetCategory(cat kbase.Category) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setCategory(cat)
}

// SetTags replaces the tags with their normalized form.
func (c *Composer) SetTags(tags []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tags = kbase.NormalizeTags(tags)
	c.rev++
}

// SetTagsText parses a comma-separated tag field.
func (c *Composer) SetTagsText(text string) {
	c.SetTags(kbase.SplitTags(text))
}

func (c *Composer) SetPublished(published bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = published
	c.rev++
}

// AddBlock appends an empty block of kind and returns it.
func (c *Composer) AddBlock(kind kbase.BlockKind) (kbase.Block, error) {
	b, err := kbase.NewBlock(kind)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks = append(c.blocks, b)
	c.rev++
	return b, nil
}

// RemoveBlock deletes the block at i.
func (c *Composer) RemoveBlock(i int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkIndex(i); err != nil {
		return err
	}
	c.blocks = append(c.blocks[:i], c.blocks[i+1:]...)
	c.rev++
	return nil
}

// MoveUp moves the block at i one position up. It is a no-op at the top.
func (c *Composer) MoveUp(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kbase.MoveUp(c.blocks, i)
	c.rev++
}

// MoveDown moves the block at i one position down. It is a no-op at the bottom.
func (c *Composer) MoveDown(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kbase.MoveDown(c.blocks, i)
	c.rev++
}

// SetContent replaces the content of the block at i.
func (c *Composer) SetContent(i int, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkIndex(i); err != nil {
		return err
	}
	c.blocks[i] = c.blocks[i].WithContent(content)
	c.rev++
	return nil
}

// SetBlockTitle replaces the title of the block at i.
func (c *Composer) SetBlockTitle(i int, title string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkIndex(i); err != nil {
		return err
	}
	c.blocks[i] = c.blocks[i].WithTitle(title)
	c.rev++
	return nil
}

// SetLanguage changes the language of the code block at i.
func (c *Composer) SetLanguage(i int, lang string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkIndex(i); err != nil {
		return err
	}
	code, ok := c.blocks[i].(*kbase.CodeBlock)
	if !ok {
		return kbase.NewValidationError("language", kbase.CodeInvalidLanguage,
			fmt.Sprintf("%s block has no language", c.blocks[i].Kind())).WithIndex(i)
	}
	if !kbase.IsLanguage(lang) {
		return kbase.NewValidationError("language", kbase.CodeInvalidLanguage,
			fmt.Sprintf("unknown language %q", lang)).
			WithIndex(i).
			WithHint("Supported languages: " + strings.Join(kbase.Languages, ", "))
	}
	cp := *code
	cp.Language = lang
	c.blocks[i] = &cp
	c.rev++
	return nil
}

// Blocks returns a copy of the block list.
func (c *Composer) Blocks() []kbase.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]kbase.Block(nil), c.blocks...)
}

// ImportJSON replaces the editing state with a page description. It accepts
// either a page object or a bare array of blocks, which keeps the current
// metadata. Nothing changes unless every block is valid.
func (c *Composer) ImportJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var records []kbase.BlockRecord
		if err := json.Unmarshal([]byte(trimmed), &records); err != nil {
			return kbase.NewValidationError("", kbase.CodeInvalidJSON, fmt.Sprintf("invalid block list JSON: %v", err))
		}
		blocks, err := kbase.DecodeBlocks(records)
		if err != nil {
			return err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.setBlocks(blocks)
		return nil
	}

	doc, err := kbase.ParsePageJSON([]byte(trimmed))
	if err != nil {
		return err
	}
	if doc.Category != "" && !doc.Category.IsValid() {
		return kbase.NewValidationError("category", kbase.CodeInvalidCategory, fmt.Sprintf("unknown category %q", doc.Category))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.load(*doc)
	return nil
}

// load applies doc through the same setters manual editing uses.
func (c *Composer) load(doc kbase.PageDocument) {
	c.setTitle(doc.Title)
	if doc.Slug != "" {
		c.setSlug(doc.Slug)
	}
	c.summary = doc.Summary
	if doc.Category != "" {
		_ = c.setCategory(doc.Category)
	}
	c.tags = kbase.NormalizeTags(doc.Tags)
	c.published = doc.Published
	c.setBlocks(doc.Blocks)
}

// Document returns the page described by the current state.
func (c *Composer) Document() kbase.PageDocument {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.document()
}

func (c *Composer) document() kbase.PageDocument {
	return kbase.PageDocument{
		Title:     c.title,
		Slug:      c.slug,
		Summary:   c.summary,
		Category:  c.category,
		Tags:      append([]string{}, c.tags...),
		Blocks:    append([]kbase.Block(nil), c.blocks...),
		Published: c.published,
	}
}

// Validate checks title, then slug, then blocks, stopping at the first failure.
func (c *Composer) Validate() error {
	doc := c.Document()
	return kbase.ValidateForCreate(&doc)
}

// Submit validates and saves the page. Validation failures never reach s.
// On any error the editing state is left untouched for resubmission.
func (c *Composer) Submit(ctx context.Context, s Saver) (*kbase.PageDocument, error) {
	c.mu.Lock()
	doc := c.document()
	editing := c.editing
	c.mu.Unlock()

	if err := kbase.ValidateForCreate(&doc); err != nil {
		return nil, err
	}

	var saved *kbase.PageDocument
	var err error
	if editing == "" {
		saved, err = s.Create(ctx, doc)
	} else {
		saved, err = s.Update(ctx, editing, fullPatch(doc))
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.editing = saved.Slug
	c.slugManual = true
	c.mu.Unlock()
	return saved, nil
}

// Reset clears the state for a new page.
func (c *Composer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.title, c.slug, c.summary = "", "", ""
	c.slugManual = false
	c.category = kbase.DefaultCategory
	c.tags = []string{}
	c.published = false
	c.blocks = nil
	c.editing = ""
	c.rev++
}

func fullPatch(doc kbase.PageDocument) kbase.PagePatch {
	return kbase.PagePatch{
		Title:     &doc.Title,
		Slug:      &doc.Slug,
		Summary:   &doc.Summary,
		Category:  &doc.Category,
		Tags:      &doc.Tags,
		Blocks:    &doc.Blocks,
		Published: &doc.Published,
	}
}

func (c *Composer) setTitle(title string) {
	c.title = title
	if !c.slugManual {
		c.slug = kbase.Slugify(title)
	}
	c.rev++
}

func (c *Composer) setSlug(slug string) {
	c.slug = slug
	c.slugManual = true
	c.rev++
}

func (c *Composer) setCategory(cat kbase.Category) error {
	if !cat.IsValid() {
		return kbase.NewValidationError("category", kbase.CodeInvalidCategory, fmt.Sprintf("unknown category %q", cat))
	}
	c.category = cat
	c.rev++
	return nil
}

func (c *Composer) setBlocks(blocks []kbase.Block) {
	c.blocks = append([]kbase.Block(nil), blocks...)
	c.rev++
}

func (c *Composer) checkIndex(i int) error {
	if i < 0 || i >= len(c.blocks) {
		return kbase.NewValidationError("index", kbase.CodeInvalidIndex,
			fmt.Sprintf("block index %d out of range (%d blocks)", i, len(c.blocks)))
	}
	return nil
}
