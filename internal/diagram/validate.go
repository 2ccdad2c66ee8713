// Package diagram validates and renders mermaid diagram sources.
package diagram

import (
	"fmt"
	"strings"

	"github.com/livetemplate/kbase"
)

// Keywords is the allow-list of diagram kinds a source may start with.
var Keywords = []string{
	"flowchart",
	"graph",
	"sequenceDiagram",
	"classDiagram",
	"stateDiagram",
	"erDiagram",
	"journey",
	"gantt",
	"pie",
	"gitGraph",
	"mindmap",
	"timeline",
	"quadrantChart",
	"xychart",
	"sankey",
	"block",
}

// Validate rejects a source that is empty or does not begin with one of
// Keywords. The prefix test ignores case and leading/trailing whitespace.
// Errors are *kbase.ValidationError.
func Validate(source string) error {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return kbase.NewValidationError("content", kbase.CodeEmptyDiagram, "diagram is empty").
			WithHint("Start the diagram with a kind such as: flowchart TD")
	}

	lower := strings.ToLower(trimmed)
	for _, kw := range Keywords {
		if strings.HasPrefix(lower, strings.ToLower(kw)) {
			return nil
		}
	}

	first := strings.Fields(trimmed)[0]
	return kbase.NewValidationError("content", kbase.CodeUnrecognizedDiagram,
		fmt.Sprintf("unrecognized diagram type %q", first)).
		WithHint("Diagrams must start with one of: " + strings.Join(Keywords, ", "))
}
