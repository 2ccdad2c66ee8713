package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/livetemplate/kbase"
	"go.uber.org/zap"
)

// ImportCommand implements the import command. Each file holds one page
// object in the persisted JSON shape.
func ImportCommand(args []string) error {
	var flags siteFlags
	var files []string
	update := false

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if j := flags.parse(args, i); j >= 0 {
			i = j
		} else if arg == "--update" || arg == "-u" {
			update = true
		} else if !strings.HasPrefix(arg, "-") {
			files = append(files, arg)
		} else {
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}
	if len(files) == 0 {
		return errors.New("usage: kbase import <page.json>... [--update] [--remote URL] [--api-key KEY]")
	}

	cfg, err := flags.loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	failed := 0
	for _, file := range files {
		doc, err := readPage(file)
		if err == nil {
			err = importPage(ctx, st, *doc, update)
		}
		if err != nil {
			failed++
			fmt.Fprintf(stdout, "✗ %s\n  %s\n", file, strings.ReplaceAll(describeError(err), "\n", "\n  "))
			logger.Debug("import failed", zap.String("file", file), zap.Error(err))
			continue
		}
		fmt.Fprintf(stdout, "✓ %s → /pages/%s\n", file, doc.Slug)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d pages failed to import", failed, len(files))
	}
	return nil
}

func readPage(path string) (*kbase.PageDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return kbase.ParsePageJSON(data)
}

// pageSaver is the part of the store import needs.
type pageSaver interface {
	Create(ctx context.Context, doc kbase.PageDocument) (*kbase.PageDocument, error)
	Update(ctx context.Context, slug string, patch kbase.PagePatch) (*kbase.PageDocument, error)
}

// importPage creates doc. With update set, an existing page with the same
// slug is overwritten instead of reported as a conflict.
func importPage(ctx context.Context, st pageSaver, doc kbase.PageDocument, update bool) error {
	_, err := st.Create(ctx, doc)
	if err == nil || !update || !kbase.IsConflict(err) {
		return err
	}
	_, err = st.Update(ctx, doc.Slug, replacePatch(doc))
	return err
}

// replacePatch sets every author-editable field of doc.
func replacePatch(doc kbase.PageDocument) kbase.PagePatch {
	category := doc.Category
	if category == "" {
		category = kbase.DefaultCategory
	}
	tags := append([]string{}, doc.Tags...)
	blocks := append([]kbase.Block(nil), doc.Blocks...)
	return kbase.PagePatch{
		Title:     &doc.Title,
		Slug:      &doc.Slug,
		Summary:   &doc.Summary,
		Category:  &category,
		Tags:      &tags,
		Blocks:    &blocks,
		Published: &doc.Published,
	}
}
