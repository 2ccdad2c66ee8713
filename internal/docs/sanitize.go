// Package docs serves bundled HTML documents. Every document passes through
// the Sanitizer before it can be rendered.
package docs

import (
	"html/template"

	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer cleans HTML that did not come from the authoring flow.
type Sanitizer struct {
	policy *bluemonday.Policy
}

// NewSanitizer returns the policy for bundled documents: the UGC safe set,
// plus <style> elements and a global target attribute.
func NewSanitizer() *Sanitizer {
	p := bluemonday.UGCPolicy()
	// <style> content is dropped unless unsafe elements are enabled.
	p.AllowUnsafe(true)
	p.AllowElements("style")
	p.AllowAttrs("target").Matching(bluemonday.SpaceSeparatedTokens).Globally()
	return &Sanitizer{policy: p}
}

// Sanitize returns the cleaned markup.
func (s *Sanitizer) Sanitize(raw string) string {
	return s.policy.Sanitize(raw)
}

// SanitizeBytes is Sanitize for byte slices.
func (s *Sanitizer) SanitizeBytes(raw []byte) []byte {
	return s.policy.SanitizeBytes(raw)
}

// HTML sanitizes raw and marks the result safe for html/template.
func (s *Sanitizer) HTML(raw string) template.HTML {
	return template.HTML(s.policy.Sanitize(raw))
}
