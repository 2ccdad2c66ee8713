package kbase

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePage() PageDocument {
	return PageDocument{
		Title:    "Intro",
		Slug:     "intro",
		Summary:  "First page",
		Category: CategoryTutorial,
		Tags:     []string{"basics"},
		Blocks: []Block{
			&NotesBlock{ID: "n1", Content: "# Hello"},
			&CodeBlock{ID: "c1", Language: "python", Content: "print(1)"},
		},
	}
}

func TestPageJSONRoundTrip(t *testing.T) {
	doc := samplePage()
	doc.ID = "01HZX"
	doc.CreatedAt = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	doc.UpdatedAt = doc.CreatedAt

	data, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"code"`)
	assert.Contains(t, string(data), `"createdAt":"2024-01-02T03:04:05Z"`)

	var back PageDocument
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, doc, back)
}

func TestPageJSONListingOmitsBlocks(t *testing.T) {
	data, err := json.Marshal(samplePage().Listing())
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"blocks"`)
	assert.NotContains(t, string(data), `"createdAt"`)
}

func TestParsePageJSONRejectsInvalidBlock(t *testing.T) {
	_, err := ParsePageJSON([]byte(`{"title":"T","slug":"t","blocks":[{"id":"1","type":"notes"}]}`))
	var imp *ImportError
	require.True(t, errors.As(err, &imp))
	assert.Equal(t, CodeMissingContent, imp.Issues[0].Code)

	_, err = ParsePageJSON([]byte(`{not json`))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, CodeInvalidJSON, verr.Code)
}

func TestValidateForCreateOrder(t *testing.T) {
	doc := PageDocument{}
	assertCode(t, ValidateForCreate(&doc), CodeMissingTitle)

	doc.Title = "Intro"
	assertCode(t, ValidateForCreate(&doc), CodeMissingSlug)

	// A hand-typed slug with no blocks reports the missing blocks first.
	doc.Slug = "Custom Slug"
	assertCode(t, ValidateForCreate(&doc), CodeNoBlocks)

	doc.Blocks = []Block{&NotesBlock{ID: "n"}}
	assertCode(t, ValidateForCreate(&doc), CodeInvalidSlug)

	doc.Slug = "intro"
	doc.Category = "novel"
	assertCode(t, ValidateForCreate(&doc), CodeInvalidCategory)

	doc.Category = CategoryGuide
	assert.NoError(t, ValidateForCreate(&doc))
}

func TestPagePatchApply(t *testing.T) {
	doc := samplePage()
	title := "Renamed"
	published := true
	tags := []string{" go ", "go", "", "web"}

	PagePatch{Title: &title, Published: &published, Tags: &tags}.Apply(&doc)

	assert.Equal(t, "Renamed", doc.Title)
	assert.Equal(t, "intro", doc.Slug)
	assert.True(t, doc.Published)
	assert.Equal(t, []string{"go", "web"}, doc.Tags)
	assert.Len(t, doc.Blocks, 2)
}

func TestPagePatchValidate(t *testing.T) {
	empty := ""
	assertCode(t, PagePatch{Title: &empty}.Validate(), CodeMissingTitle)

	bad := "Bad Slug"
	assertCode(t, PagePatch{Slug: &bad}.Validate(), CodeInvalidSlug)

	none := []Block{}
	assertCode(t, PagePatch{Blocks: &none}.Validate(), CodeNoBlocks)

	assert.NoError(t, PagePatch{}.Validate())
}

func TestCloneIsIndependent(t *testing.T) {
	doc := samplePage()
	c := doc.Clone()
	c.Tags[0] = "changed"
	c.Blocks[0] = &NotesBlock{ID: "other"}

	assert.Equal(t, "basics", doc.Tags[0])
	assert.Equal(t, "n1", doc.Blocks[0].BlockID())
}

func TestSplitTags(t *testing.T) {
	assert.Equal(t, []string{"go", "web", "db"}, SplitTags("go, web,,db, go"))
	assert.Equal(t, []string{}, SplitTags(""))
}

func assertCode(t *testing.T, err error, code ValidationCode) {
	t.Helper()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
	assert.Equal(t, code, verr.Code)
}

func TestPagePatchJSON(t *testing.T) {
	slug := "renamed"
	blocks := []Block{&DiagramBlock{ID: "d", Content: "pie"}}
	data, err := json.Marshal(PagePatch{Slug: &slug, Blocks: &blocks})
	require.NoError(t, err)
	assert.JSONEq(t, `{"slug":"renamed","blocks":[{"id":"d","type":"mermaid","content":"pie"}]}`, string(data))

	var back PagePatch
	require.NoError(t, json.Unmarshal(data, &back))
	require.NotNil(t, back.Slug)
	assert.Equal(t, "renamed", *back.Slug)
	assert.Nil(t, back.Title)
	require.NotNil(t, back.Blocks)
	assert.Equal(t, blocks, *back.Blocks)

	err = json.Unmarshal([]byte(`{"blocks":[{"id":"x","type":"video","content":""}]}`), &back)
	var imp *ImportError
	assert.True(t, errors.As(err, &imp))
}
