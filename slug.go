package kbase

import (
	"regexp"
	"strings"
)

var (
	// Whitespace includes Unicode space separators such as NBSP, not only ASCII.
	slugInvalidChars = regexp.MustCompile(`[^a-z0-9\s\p{Zs}\x{2028}\x{2029}\x{FEFF}-]`)
	slugWhitespace   = regexp.MustCompile(`[\s\p{Zs}\x{2028}\x{2029}\x{FEFF}]+`)
	slugHyphens      = regexp.MustCompile(`-+`)
	slugShape        = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
)

// Slugify derives a URL-safe slug from a title:
// "My Cool Page!!" becomes "my-cool-page".
func Slugify(title string) string {
	s := strings.ToLower(title)
	s = slugInvalidChars.ReplaceAllString(s, "")
	s = slugWhitespace.ReplaceAllString(s, "-")
	s = slugHyphens.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// ValidSlug reports whether s is lowercase and hyphenated with no empty segments.
func ValidSlug(s string) bool {
	return slugShape.MatchString(s)
}
