package kbase

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Category groups pages in the index.
type Category string

const (
	CategoryTutorial  Category = "tutorial"
	CategoryGuide     Category = "guide"
	CategoryReference Category = "reference"
	CategorySnippet   Category = "snippet"
)

// DefaultCategory is used when a page does not name one.
const DefaultCategory = CategoryGuide

// Categories lists every category.
var Categories = []Category{CategoryTutorial, CategoryGuide, CategoryReference, CategorySnippet}

// IsValid reports whether c is a known category.
func (c Category) IsValid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// PageDocument is the persisted page aggregate.
// ID, CreatedAt and UpdatedAt are owned by the store.
type PageDocument struct {
	ID        string
	Title     string
	Slug      string
	Summary   string
	Category  Category
	Tags      []string
	Blocks    []Block
	Published bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// pageJSON is the wire shape of a PageDocument.
type pageJSON struct {
	ID        string        `json:"id,omitempty"`
	Title     string        `json:"title"`
	Slug      string        `json:"slug"`
	Summary   string        `json:"summary"`
	Category  Category      `json:"category"`
	Tags      []string      `json:"tags"`
	Blocks    []BlockRecord `json:"blocks,omitempty"`
	Published bool          `json:"published"`
	CreatedAt *time.Time    `json:"createdAt,omitempty"`
	UpdatedAt *time.Time    `json:"updatedAt,omitempty"`
}

// MarshalJSON encodes blocks with their persisted record shape.
// Documents without blocks (list views) omit the field.
func (d PageDocument) MarshalJSON() ([]byte, error) {
	pj := pageJSON{
		ID:        d.ID,
		Title:     d.Title,
		Slug:      d.Slug,
		Summary:   d.Summary,
		Category:  d.Category,
		Tags:      d.Tags,
		Published: d.Published,
	}
	if pj.Tags == nil {
		pj.Tags = []string{}
	}
	if d.Blocks != nil {
		pj.Blocks = ToRecords(d.Blocks)
	}
	if !d.CreatedAt.IsZero() {
		t := d.CreatedAt
		pj.CreatedAt = &t
	}
	if !d.UpdatedAt.IsZero() {
		t := d.UpdatedAt
		pj.UpdatedAt = &t
	}
	return json.Marshal(pj)
}

// UnmarshalJSON decodes a page, validating every block.
// An invalid block rejects the whole document with an *ImportError.
func (d *PageDocument) UnmarshalJSON(data []byte) error {
	var pj pageJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return NewValidationError("", CodeInvalidJSON, fmt.Sprintf("invalid page JSON: %v", err))
	}
	var blocks []Block
	if pj.Blocks != nil {
		var err error
		blocks, err = DecodeBlocks(pj.Blocks)
		if err != nil {
			return err
		}
	}
	*d = PageDocument{
		ID:        pj.ID,
		Title:     pj.Title,
		Slug:      pj.Slug,
		Summary:   pj.Summary,
		Category:  pj.Category,
		Tags:      NormalizeTags(pj.Tags),
		Blocks:    blocks,
		Published: pj.Published,
	}
	if pj.CreatedAt != nil {
		d.CreatedAt = *pj.CreatedAt
	}
	if pj.UpdatedAt != nil {
		d.UpdatedAt = *pj.UpdatedAt
	}
	return nil
}

// ParsePageJSON decodes a bulk page description.
func ParsePageJSON(data []byte) (*PageDocument, error) {
	var doc PageDocument
	if err := doc.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Listing returns a copy of the document without blocks, as list views show it.
func (d PageDocument) Listing() PageDocument {
	d.Blocks = nil
	return d
}

// Clone returns a copy whose block and tag slices can be modified independently.
func (d PageDocument) Clone() PageDocument {
	if d.Tags != nil {
		d.Tags = append([]string(nil), d.Tags...)
	}
	if d.Blocks != nil {
		d.Blocks = append([]Block(nil), d.Blocks...)
	}
	return d
}

// ValidateForCreate checks the fields a store requires, in order:
// title, slug, at least one block. Shape checks on the slug and category
// run only once the required fields are present.
func ValidateForCreate(d *PageDocument) error {
	if strings.TrimSpace(d.Title) == "" {
		return NewValidationError("title", CodeMissingTitle, "title is required")
	}
	if strings.TrimSpace(d.Slug) == "" {
		return NewValidationError("slug", CodeMissingSlug, "slug is required")
	}
	if len(d.Blocks) == 0 {
		return NewValidationError("blocks", CodeNoBlocks, "at least one block is required")
	}
	if !ValidSlug(d.Slug) {
		return NewValidationError("slug", CodeInvalidSlug, fmt.Sprintf("slug %q is not URL-safe", d.Slug)).
			WithHint("Use lowercase letters, digits and single hyphens, e.g. my-cool-page")
	}
	if d.Category != "" && !d.Category.IsValid() {
		return NewValidationError("category", CodeInvalidCategory, fmt.Sprintf("unknown category %q", d.Category))
	}
	return nil
}

// PagePatch carries the fields of a partial update. Nil fields are unchanged.
type PagePatch struct {
	Title     *string
	Slug      *string
	Summary   *string
	Category  *Category
	Tags      *[]string
	Blocks    *[]Block
	Published *bool
}

// Apply writes the non-nil fields of p into d.
func (p PagePatch) Apply(d *PageDocument) {
	if p.Title != nil {
		d.Title = *p.Title
	}
	if p.Slug != nil {
		d.Slug = *p.Slug
	}
	if p.Summary != nil {
		d.Summary = *p.Summary
	}
	if p.Category != nil {
		d.Category = *p.Category
	}
	if p.Tags != nil {
		d.Tags = NormalizeTags(*p.Tags)
	}
	if p.Blocks != nil {
		d.Blocks = append([]Block(nil), (*p.Blocks)...)
	}
	if p.Published != nil {
		d.Published = *p.Published
	}
}

// Validate checks the fields a patch would change.
func (p PagePatch) Validate() error {
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return NewValidationError("title", CodeMissingTitle, "title cannot be empty")
	}
	if p.Slug != nil && !ValidSlug(*p.Slug) {
		return NewValidationError("slug", CodeInvalidSlug, fmt.Sprintf("slug %q is not URL-safe", *p.Slug))
	}
	if p.Blocks != nil && len(*p.Blocks) == 0 {
		return NewValidationError("blocks", CodeNoBlocks, "at least one block is required")
	}
	if p.Category != nil && !p.Category.IsValid() {
		return NewValidationError("category", CodeInvalidCategory, fmt.Sprintf("unknown category %q", *p.Category))
	}
	return nil
}

// NormalizeTags trims tags, drops empty ones and removes duplicates,
// keeping first-seen order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// SplitTags parses a comma-separated tag field.
func SplitTags(s string) []string {
	return NormalizeTags(strings.Split(s, ","))
}

// patchJSON is the wire shape of a PagePatch.
type patchJSON struct {
	Title     *string        `json:"title,omitempty"`
	Slug      *string        `json:"slug,omitempty"`
	Summary   *string        `json:"summary,omitempty"`
	Category  *Category      `json:"category,omitempty"`
	Tags      *[]string      `json:"tags,omitempty"`
	Blocks    *[]BlockRecord `json:"blocks,omitempty"`
	Published *bool          `json:"published,omitempty"`
}

// MarshalJSON encodes only the fields the patch sets.
func (p PagePatch) MarshalJSON() ([]byte, error) {
	pj := patchJSON{
		Title:     p.Title,
		Slug:      p.Slug,
		Summary:   p.Summary,
		Category:  p.Category,
		Tags:      p.Tags,
		Published: p.Published,
	}
	if p.Blocks != nil {
		records := ToRecords(*p.Blocks)
		pj.Blocks = &records
	}
	return json.Marshal(pj)
}

// UnmarshalJSON decodes a patch, validating blocks when present.
func (p *PagePatch) UnmarshalJSON(data []byte) error {
	var pj patchJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return NewValidationError("", CodeInvalidJSON, fmt.Sprintf("invalid patch JSON: %v", err))
	}
	*p = PagePatch{
		Title:     pj.Title,
		Slug:      pj.Slug,
		Summary:   pj.Summary,
		Category:  pj.Category,
		Tags:      pj.Tags,
		Published: pj.Published,
	}
	if pj.Blocks != nil {
		blocks, err := DecodeBlocks(*pj.Blocks)
		if err != nil {
			return err
		}
		p.Blocks = &blocks
	}
	return nil
}
