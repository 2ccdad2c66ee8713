package server

import (
	"encoding/json"
	"fmt"

	"github.com/livetemplate/kbase"
	"github.com/livetemplate/kbase/internal/composer"
	"go.uber.org/zap"
)

const composePrefix = "compose."

// composeData carries the argument of a compose.* action. Which fields are
// read depends on the action.
type composeData struct {
	Value   string `json:"value"`
	Checked bool   `json:"checked"`
	Index   int    `json:"index"`
	Kind    string `json:"kind"`
	JSON    string `json:"json"`
	Slug    string `json:"slug"`
}

// composerState is the editor state echoed to the client after every edit.
type composerState struct {
	Document   kbase.PageDocument `json:"document"`
	SlugManual bool               `json:"slugManual"`
	Editing    string             `json:"editing,omitempty"`
	Revision   uint64             `json:"revision"`
}

// handleCompose applies one editor action to the session's composer.
// Actions that change blocks refresh the preview.
func (s *Session) handleCompose(action string, raw json.RawMessage) error {
	var data composeData
	if err := decodeData(raw, &data); err != nil {
		return err
	}

	s.mu.Lock()
	c := s.composer
	s.mu.Unlock()

	blocksChanged := false
	var err error
	switch action {
	case "title":
		c.SetTitle(data.Value)
	case "slug":
		c.SetSlug(data.Value)
	case "summary":
		c.SetSummary(data.Value)
	case "category":
		err = c.SetCategory(kbase.Category(data.Value))
	case "tags":
		c.SetTagsText(data.Value)
	case "published":
		c.SetPublished(data.Checked)
	case "add":
		kind, ok := kbase.ParseKind(data.Kind)
		if !ok {
			kind = kbase.BlockKind(data.Kind)
		}
		_, err = c.AddBlock(kind)
		blocksChanged = true
	case "remove":
		err = c.RemoveBlock(data.Index)
		blocksChanged = true
	case "up":
		c.MoveUp(data.Index)
		blocksChanged = true
	case "down":
		c.MoveDown(data.Index)
		blocksChanged = true
	case "content":
		err = c.SetContent(data.Index, data.Value)
		blocksChanged = true
	case "language":
		err = c.SetLanguage(data.Index, data.Value)
		blocksChanged = true
	case "blockTitle":
		err = c.SetBlockTitle(data.Index, data.Value)
		blocksChanged = true
	case "import":
		err = c.ImportJSON([]byte(data.JSON))
		blocksChanged = true
	case "edit":
		err = s.editPage(data.Slug)
		c = s.currentComposer()
		blocksChanged = true
	case "reset":
		c.Reset()
		blocksChanged = true
	case "validate":
		err = c.Validate()
	case "submit":
		return s.submit(c)
	default:
		return fmt.Errorf("unknown compose action %q", action)
	}
	if err != nil {
		return err
	}

	if blocksChanged {
		s.previewer.Update(c.Blocks())
	}
	s.sendComposer(c)
	return nil
}

// editPage loads an existing page into a fresh composer.
func (s *Session) editPage(slug string) error {
	doc, err := s.srv.store.Get(s.ctx, slug)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.composer = composer.Edit(*doc)
	s.mu.Unlock()
	return nil
}

func (s *Session) currentComposer() *composer.Composer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.composer
}

// submit saves the page. Failures leave the composer untouched so the
// author can fix the problem and resubmit.
func (s *Session) submit(c *composer.Composer) error {
	saved, err := c.Submit(s.ctx, s.srv.store)
	if err != nil {
		return err
	}
	s.logger.Info("page saved", zap.String("slug", saved.Slug))
	s.send("", actionSaved, map[string]string{
		"slug": saved.Slug,
		"url":  "/pages/" + saved.Slug,
	})
	s.sendComposer(c)
	return nil
}

func (s *Session) sendComposer(c *composer.Composer) {
	s.send("", actionComposer, composerState{
		Document:   c.Document(),
		SlugManual: c.SlugManual(),
		Editing:    c.Editing(),
		Revision:   c.Revision(),
	})
}
