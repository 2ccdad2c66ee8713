package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/livetemplate/kbase"
)

// ExportCommand implements the export command. Pages are written in the
// same JSON shape import reads, so an export can be imported elsewhere.
func ExportCommand(args []string) error {
	var flags siteFlags
	var slugs []string
	var outDir string
	all := false

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if j := flags.parse(args, i); j >= 0 {
			i = j
		} else if arg == "--all" || arg == "-a" {
			all = true
		} else if arg == "--out" || arg == "-o" {
			if i+1 < len(args) {
				outDir = args[i+1]
				i++
			}
		} else if !strings.HasPrefix(arg, "-") {
			slugs = append(slugs, arg)
		} else {
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}
	if len(slugs) == 0 && !all {
		return errors.New("usage: kbase export <slug>... | --all [--out DIR] [--remote URL]")
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

	if all {
		listing, err := st.List(ctx, true)
		if err != nil {
			return fmt.Errorf("failed to list pages: %w", err)
		}
		for _, p := range listing {
			slugs = append(slugs, p.Slug)
		}
	}

	if outDir != "" {
		if err := os.MkdirAll(outDir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", outDir, err)
		}
	}

	for _, slug := range slugs {
		doc, err := st.Get(ctx, slug)
		if err != nil {
			if kbase.IsNotFound(err) {
				return fmt.Errorf("page %q not found", slug)
			}
			return fmt.Errorf("failed to load %q: %w", slug, err)
		}
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode %q: %w", slug, err)
		}
		data = append(data, '\n')

		if outDir == "" {
			if _, err := stdout.Write(data); err != nil {
				return err
			}
			continue
		}
		path := filepath.Join(outDir, slug+".json")
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		fmt.Fprintf(stdout, "✓ %s\n", path)
	}
	return nil
}
