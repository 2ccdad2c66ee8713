package kbase

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// BlockKind identifies which renderer handles a block's content.
type BlockKind string

const (
	KindCode    BlockKind = "code"
	KindNotes   BlockKind = "notes"
	KindDiagram BlockKind = "diagram"
	KindTable   BlockKind = "table"
)

// Kinds lists every block kind in display order.
var Kinds = []BlockKind{KindCode, KindNotes, KindDiagram, KindTable}

// DefaultLanguage is assigned to new code blocks.
const DefaultLanguage = "cpp"

// Languages is the fixed set of code block languages.
// "blueprint" is a placeholder for visual-scripting snippets that have no lexer.
var Languages = []string{
	"cpp", "csharp", "html", "css", "javascript", "typescript",
	"json", "python", "sql", "bash", "shell", "blueprint",
}

// IsLanguage reports whether lang is one of Languages.
func IsLanguage(lang string) bool {
	for _, l := range Languages {
		if l == lang {
			return true
		}
	}
	return false
}

// Block is one renderable unit of page content.
// The set of implementations is closed: *CodeBlock, *NotesBlock,
// *DiagramBlock and *TableBlock.
type Block interface {
	BlockID() string
	Kind() BlockKind
	Text() string
	Label() string

	// WithContent returns a copy of the block with new content.
	WithContent(content string) Block
	// WithTitle returns a copy of the block with a new title.
	WithTitle(title string) Block

	sealed()
}

// CodeBlock is source code shown with syntax highlighting.
type CodeBlock struct {
	ID       string
	Language string
	Content  string
	Title    string
}

// NotesBlock is markdown prose.
type NotesBlock struct {
	ID      string
	Content string
	Title   string
}

// DiagramBlock is diagram-description text rendered by the diagram engine.
type DiagramBlock struct {
	ID      string
	Content string
	Title   string
}

// TableBlock is delimited text rendered as a table.
type TableBlock struct {
	ID      string
	Content string
	Title   string
}

func (b *CodeBlock) BlockID() string    { return b.ID }
func (b *NotesBlock) BlockID() string   { return b.ID }
func (b *DiagramBlock) BlockID() string { return b.ID }
func (b *TableBlock) BlockID() string   { return b.ID }

func (b *CodeBlock) Kind() BlockKind    { return KindCode }
func (b *NotesBlock) Kind() BlockKind   { return KindNotes }
func (b *DiagramBlock) Kind() BlockKind { return KindDiagram }
func (b *TableBlock) Kind() BlockKind   { return KindTable }

func (b *CodeBlock) Text() string    { return b.Content }
func (b *NotesBlock) Text() string   { return b.Content }
func (b *DiagramBlock) Text() string { return b.Content }
func (b *TableBlock) Text() string   { return b.Content }

func (b *CodeBlock) Label() string    { return b.Title }
func (b *NotesBlock) Label() string   { return b.Title }
func (b *DiagramBlock) Label() string { return b.Title }
func (b *TableBlock) Label() string   { return b.Title }

func (b *CodeBlock) WithContent(content string) Block {
	c := *b
	c.Content = content
	return &c
}

func (b *NotesBlock) WithContent(content string) Block {
	c := *b
	c.Content = content
	return &c
}

func (b *DiagramBlock) WithContent(content string) Block {
	c := *b
	c.Content = content
	return &c
}

func (b *TableBlock) WithContent(content string) Block {
	c := *b
	c.Content = content
	return &c
}

func (b *CodeBlock) WithTitle(title string) Block {
	c := *b
	c.Title = title
	return &c
}

func (b *NotesBlock) WithTitle(title string) Block {
	c := *b
	c.Title = title
	return &c
}

func (b *DiagramBlock) WithTitle(title string) Block {
	c := *b
	c.Title = title
	return &c
}

func (b *TableBlock) WithTitle(title string) Block {
	c := *b
	c.Title = title
	return &c
}

func (*CodeBlock) sealed()    {}
func (*NotesBlock) sealed()   {}
func (*DiagramBlock) sealed() {}
func (*TableBlock) sealed()   {}

// NewBlockID returns a fresh opaque block identifier.
func NewBlockID() string {
	return uuid.NewString()
}

// NewBlock creates an empty block of the given kind with a fresh ID.
func NewBlock(kind BlockKind) (Block, error) {
	id := NewBlockID()
	switch kind {
	case KindCode:
		return &CodeBlock{ID: id, Language: DefaultLanguage}, nil
	case KindNotes:
		return &NotesBlock{ID: id}, nil
	case KindDiagram:
		return &DiagramBlock{ID: id}, nil
	case KindTable:
		return &TableBlock{ID: id}, nil
	default:
		return nil, NewValidationError("kind", CodeUnknownKind, fmt.Sprintf("unknown block kind %q", kind)).
			WithHint(validKindsHint())
	}
}

// MoveUp swaps the block at i with its predecessor.
// Index 0 and out-of-range indexes are left untouched.
func MoveUp(blocks []Block, i int) {
	if i <= 0 || i >= len(blocks) {
		return
	}
	blocks[i-1], blocks[i] = blocks[i], blocks[i-1]
}

// MoveDown swaps the block at i with its successor.
// The last index and out-of-range indexes are left untouched.
func MoveDown(blocks []Block, i int) {
	if i < 0 || i >= len(blocks)-1 {
		return
	}
	blocks[i], blocks[i+1] = blocks[i+1], blocks[i]
}

// Wire names used by the persisted block JSON.
const (
	wireCode    = "code"
	wireNotes   = "notes"
	wireDiagram = "mermaid"
	wireTable   = "table"
)

// BlockRecord is the persisted JSON shape of a block.
// Content is a pointer so a missing field can be told apart from an empty one.
type BlockRecord struct {
	ID       string  `json:"id" bson:"id"`
	Type     string  `json:"type" bson:"type"`
	Content  *string `json:"content" bson:"content"`
	Language string  `json:"language,omitempty" bson:"language,omitempty"`
	Title    string  `json:"title,omitempty" bson:"title,omitempty"`
}

// ValidateRecord checks a single record. It returns nil or a *ValidationError.
func ValidateRecord(rec BlockRecord) *ValidationError {
	if strings.TrimSpace(rec.ID) == "" {
		return NewValidationError("id", CodeMissingID, "block is missing an id")
	}
	if rec.Type == "" {
		return NewValidationError("type", CodeMissingKind, "block is missing a type").
			WithHint(validKindsHint())
	}
	if _, ok := kindFromWire(rec.Type); !ok {
		return NewValidationError("type", CodeUnknownKind, fmt.Sprintf("unknown block type %q", rec.Type)).
			WithHint(validKindsHint())
	}
	if rec.Content == nil {
		return NewValidationError("content", CodeMissingContent, "block is missing a content field")
	}
	return nil
}

// DecodeBlocks validates every record and converts them to blocks.
// A single invalid record rejects the whole list; the returned *ImportError
// lists every offending index.
func DecodeBlocks(records []BlockRecord) ([]Block, error) {
	var issues []*ValidationError
	blocks := make([]Block, 0, len(records))
	for i, rec := range records {
		if verr := ValidateRecord(rec); verr != nil {
			verr.Index = i
			issues = append(issues, verr)
			continue
		}
		blocks = append(blocks, FromRecord(rec))
	}
	if len(issues) > 0 {
		return nil, &ImportError{Issues: issues}
	}
	return blocks, nil
}

// FromRecord converts an already validated record to a block.
func FromRecord(rec BlockRecord) Block {
	content := ""
	if rec.Content != nil {
		content = *rec.Content
	}
	kind, _ := kindFromWire(rec.Type)
	switch kind {
	case KindCode:
		lang := rec.Language
		if lang == "" {
			lang = DefaultLanguage
		}
		return &CodeBlock{ID: rec.ID, Language: lang, Content: content, Title: rec.Title}
	case KindDiagram:
		return &DiagramBlock{ID: rec.ID, Content: content, Title: rec.Title}
	case KindTable:
		return &TableBlock{ID: rec.ID, Content: content, Title: rec.Title}
	default:
		return &NotesBlock{ID: rec.ID, Content: content, Title: rec.Title}
	}
}

// ToRecord converts a block to its persisted shape.
func ToRecord(b Block) BlockRecord {
	content := b.Text()
	rec := BlockRecord{
		ID:      b.BlockID(),
		Type:    kindToWire(b.Kind()),
		Content: &content,
		Title:   b.Label(),
	}
	if code, ok := b.(*CodeBlock); ok {
		rec.Language = code.Language
	}
	return rec
}

// ToRecords converts blocks to their persisted shape, preserving order.
func ToRecords(blocks []Block) []BlockRecord {
	records := make([]BlockRecord, len(blocks))
	for i, b := range blocks {
		records[i] = ToRecord(b)
	}
	return records
}

func kindFromWire(t string) (BlockKind, bool) {
	switch t {
	case wireCode:
		return KindCode, true
	case wireNotes:
		return KindNotes, true
	case wireDiagram:
		return KindDiagram, true
	case wireTable:
		return KindTable, true
	}
	return "", false
}

func kindToWire(k BlockKind) string {
	switch k {
	case KindCode:
		return wireCode
	case KindDiagram:
		return wireDiagram
	case KindTable:
		return wireTable
	default:
		return wireNotes
	}
}

func validKindsHint() string {
	return "Valid block types are: code, notes, mermaid, table"
}

// ParseKind accepts either the in-memory kind name or the wire type name.
func ParseKind(s string) (BlockKind, bool) {
	if k, ok := kindFromWire(s); ok {
		return k, true
	}
	for _, k := range Kinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}
