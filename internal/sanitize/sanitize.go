// Package sanitize holds the two render-boundary sanitizers. Every piece of
// ledger- or rule-derived text and color must pass through here before it is
// interpolated into markup handed to the browser.
package sanitize

import (
	"regexp"
	"strings"
)

// DefaultColor is substituted whenever a stored rule color fails validation.
const DefaultColor = "#657786"

var hexColorPattern = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#39;",
)

// EscapeForDisplay escapes text for safe interpolation into an HTML fragment.
func EscapeForDisplay(text string) string {
	return htmlEscaper.Replace(text)
}

// ValidateColor returns the color lowercased when it is a well-formed hex
// color, and DefaultColor otherwise. It never fails.
func ValidateColor(value string) string {
	value = strings.TrimSpace(value)
	if !hexColorPattern.MatchString(value) {
		return DefaultColor
	}
	return strings.ToLower(value)
}
