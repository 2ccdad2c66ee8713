package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/livetemplate/kbase"
	"github.com/livetemplate/kbase/internal/diagram"
)

// ValidateCommand implements the validate command. It checks page files
// without touching the store. With --deep every diagram is also rendered in
// headless Chrome so mermaid's own parse errors are reported. A site whose
// diagram engine is "chrome" always validates deeply.
func ValidateCommand(args []string) error {
	var flags siteFlags
	var files []string
	deep := false
	timeout := 15 * time.Second

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if j := flags.parse(args, i); j >= 0 {
			i = j
		} else if arg == "--deep" {
			deep = true
		} else if arg == "--timeout" {
			if i+1 < len(args) {
				d, err := time.ParseDuration(args[i+1])
				if err != nil {
					return fmt.Errorf("invalid timeout: %s", args[i+1])
				}
				timeout = d
				i++
			}
		} else if !strings.HasPrefix(arg, "-") {
			files = append(files, arg)
		} else {
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}
	if len(files) == 0 {
		return errors.New("usage: kbase validate <page.json>... [--deep] [--timeout 15s]")
	}

	cfg, err := flags.loadConfig()
	if err != nil {
		return err
	}

	var diagrams *diagram.Renderer
	if deep || cfg.Diagram.Engine == "chrome" {
		engine := diagram.NewChromeEngine(diagramConfig(cfg), timeout)
		defer engine.Close()
		diagrams = diagram.NewRenderer(engine)
	}

	ctx := context.Background()
	invalid := 0
	for _, file := range files {
		problems := validateFile(ctx, file, diagrams)
		if len(problems) == 0 {
			fmt.Fprintf(stdout, "✓ %s\n", file)
			continue
		}
		invalid++
		fmt.Fprintf(stdout, "✗ %s\n", file)
		for _, p := range problems {
			fmt.Fprintf(stdout, "  %s\n", strings.ReplaceAll(p, "\n", "\n  "))
		}
	}

	if invalid > 0 {
		return fmt.Errorf("%d of %d files have problems", invalid, len(files))
	}
	return nil
}

// validateFile returns one message per problem found in file.
func validateFile(ctx context.Context, file string, diagrams *diagram.Renderer) []string {
	doc, err := readPage(file)
	if err != nil {
		return []string{describeError(err)}
	}

	var problems []string
	if err := kbase.ValidateForCreate(doc); err != nil {
		problems = append(problems, describeError(err))
	}
	for i, b := range doc.Blocks {
		switch blk := b.(type) {
		case *kbase.CodeBlock:
			if !kbase.IsLanguage(blk.Language) {
				verr := kbase.NewValidationError("language", kbase.CodeInvalidLanguage,
					fmt.Sprintf("unsupported language %q", blk.Language)).
					WithHint("Use one of: " + strings.Join(kbase.Languages, ", "))
				problems = append(problems, blockProblem(i, describeError(verr)))
			}
		case *kbase.DiagramBlock:
			if err := diagram.Validate(blk.Content); err != nil {
				problems = append(problems, blockProblem(i, describeError(err)))
				continue
			}
			if diagrams == nil {
				continue
			}
			inst := diagrams.NewInstance(blk.ID)
			res, _ := inst.Render(ctx, blk.Content)
			inst.Close()
			if res.Status == diagram.StatusError {
				problems = append(problems, blockProblem(i, "❌ "+res.Message))
			}
		}
	}
	return problems
}

func blockProblem(i int, msg string) string {
	return fmt.Sprintf("block %d: %s", i, msg)
}
