package diagram

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
)

// Engine turns a validated diagram source into markup.
// renderID is unique per call and may be used by the engine as a DOM id.
type Engine interface {
	Render(ctx context.Context, renderID, source string) (string, error)
}

// Releaser is implemented by engines that keep per-render artifacts around.
// Release is called with the previous render id before an instance re-renders
// and when it is closed.
type Releaser interface {
	Release(renderID string)
}

// Config is the mermaid configuration passed to every render.
type Config struct {
	StartOnLoad    bool              `json:"startOnLoad"`
	Theme          string            `json:"theme"`
	SecurityLevel  string            `json:"securityLevel"`
	ThemeVariables map[string]string `json:"themeVariables"`
	Flowchart      FlowchartConfig   `json:"flowchart"`
	Sequence       SequenceConfig    `json:"sequence"`
}

// FlowchartConfig holds layout parameters for flow diagrams.
type FlowchartConfig struct {
	UseMaxWidth bool   `json:"useMaxWidth"`
	HTMLLabels  bool   `json:"htmlLabels"`
	Curve       string `json:"curve"`
	NodeSpacing int    `json:"nodeSpacing"`
	RankSpacing int    `json:"rankSpacing"`
	Padding     int    `json:"padding"`
}

// SequenceConfig holds layout parameters for sequence diagrams.
type SequenceConfig struct {
	UseMaxWidth bool `json:"useMaxWidth"`
}

// DefaultConfig returns the dark theme used across the site.
func DefaultConfig() Config {
	return Config{
		StartOnLoad:   false,
		Theme:         "dark",
		SecurityLevel: "loose",
		ThemeVariables: map[string]string{
			"primaryColor":       "#1f2937",
			"primaryTextColor":   "#e5e7eb",
			"primaryBorderColor": "#60a5fa",
			"lineColor":          "#93c5fd",
			"secondaryColor":     "#111827",
			"tertiaryColor":      "#374151",
			"background":         "#0b1120",
			"fontFamily":         "ui-sans-serif, system-ui, sans-serif",
		},
		Flowchart: FlowchartConfig{
			UseMaxWidth: false,
			HTMLLabels:  true,
			Curve:       "basis",
			NodeSpacing: 50,
			RankSpacing: 60,
			Padding:     15,
		},
		Sequence: SequenceConfig{UseMaxWidth: false},
	}
}

// ClientEngine emits hydration markup that mermaid.js renders in the browser.
// The source is HTML-escaped; the configuration travels in data-config.
type ClientEngine struct {
	configJSON string
}

// NewClientEngine creates a ClientEngine with the given mermaid configuration.
func NewClientEngine(cfg Config) (*ClientEngine, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode mermaid config: %w", err)
	}
	return &ClientEngine{configJSON: string(data)}, nil
}

// Render implements Engine.
func (e *ClientEngine) Render(ctx context.Context, renderID, source string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf(`<pre class="mermaid" id="%s" data-render-id="%s" data-config="%s">%s</pre>`,
		html.EscapeString(renderID),
		html.EscapeString(renderID),
		html.EscapeString(e.configJSON),
		html.EscapeString(source),
	), nil
}

// ConfigJSON returns the encoded configuration, for the client bootstrap script.
func (e *ClientEngine) ConfigJSON() string {
	return e.configJSON
}
