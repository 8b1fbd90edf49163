package content

import (
	"bytes"
	"errors"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

const previewLimit = 30

var (
	policy      = bluemonday.UGCPolicy()
	stripPolicy = bluemonday.StrictPolicy()
	spaceRegex  = regexp.MustCompile(`\s+`)

	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

	md = goldmark.New()
)

// Sanitize removes unsafe HTML from the input string.
// It is used for message content and display names received from peers.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// PlainText renders markdown message content and strips all markup,
// leaving a single line of whitespace-collapsed text.
func PlainText(input string) string {
	var buf bytes.Buffer
	if err := md.Convert([]byte(input), &buf); err != nil {
		// Not valid markdown, treat as literal text.
		return strings.TrimSpace(spaceRegex.ReplaceAllString(input, " "))
	}
	stripped := html.UnescapeString(stripPolicy.Sanitize(buf.String()))
	return strings.TrimSpace(spaceRegex.ReplaceAllString(stripped, " "))
}

// Preview builds the conversation-list preview for a message: plain
// text truncated to 30 characters with an ellipsis.
func Preview(input string) string {
	text := PlainText(input)
	runes := []rune(text)
	if len(runes) <= previewLimit {
		return text
	}
	return string(runes[:previewLimit]) + "..."
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}
