package render

import (
	"bytes"
	"html/template"
)

var frames = template.Must(template.New("frames").Parse(`
{{define "diagram"}}
{{- if .Static -}}
<figure class="kb-diagram-frame kb-static" data-instance="{{.ID}}">
  {{- if eq .Status "ready"}}<div class="kb-diagram-canvas">{{.Markup}}</div>
  {{- else if eq .Status "error"}}<div class="kb-diagram-error">{{.Error}}</div>
  {{- else}}<div class="kb-diagram-loading">Rendering diagram…</div>{{end -}}
</figure>
{{- else -}}
<figure class="kb-diagram-frame" data-instance="{{.ID}}" data-status="{{.Status}}">
  {{- if eq .Status "ready"}}
  <div class="kb-diagram-toolbar" role="toolbar">
    <button type="button" data-action="zoomIn" title="Zoom in">+</button>
    <button type="button" data-action="zoomOut" title="Zoom out">−</button>
    <button type="button" data-action="reset" title="Reset view">⟲</button>
    <button type="button" data-action="fit" title="Fit to view">⤢</button>
    <button type="button" data-action="fullscreen" title="Fullscreen">⛶</button>
  </div>
  <div class="kb-diagram-viewport" style="cursor: grab">
    <div class="kb-diagram-canvas" style="transform: {{.Transform}}; transform-origin: 0 0">{{.Markup}}</div>
  </div>
  <p class="kb-diagram-hint">Drag to pan. Scroll to zoom (right-click toggles). Double-click resets.</p>
  {{- else if eq .Status "error"}}
  <div class="kb-diagram-error" role="alert">{{.Error}}</div>
  {{- else}}
  <div class="kb-diagram-loading">Rendering diagram…</div>
  {{- end}}
</figure>
{{- end -}}
{{end}}

{{define "error"}}<div class="kb-block-error" role="alert">{{.}}</div>{{end}}
`))

type diagramFrame struct {
	ID        string
	Static    bool
	Status    string
	Markup    template.HTML
	Error     string
	Transform template.CSS
}

func execute(name string, data any) template.HTML {
	var buf bytes.Buffer
	if err := frames.ExecuteTemplate(&buf, name, data); err != nil {
		return template.HTML(template.HTMLEscapeString(err.Error()))
	}
	return template.HTML(buf.String())
}
