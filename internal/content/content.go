package content

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxMessageLength is the longest chat message accepted, in runes.
const MaxMessageLength = 2000

var (
	ErrEmptyMessage = errors.New("message cannot be empty")
	ErrTooLong      = fmt.Errorf("message exceeds %d characters", MaxMessageLength)
)

var (
	policy  = bluemonday.StrictPolicy()
	idRegex = regexp.MustCompile(`^[a-zA-Z0-9._:-]+$`)
)

// Sanitize strips all markup from chat content received from the server.
// The result is plain text: the entities the policy escapes are decoded
// again, so "a < b & c" comes back unchanged.
func Sanitize(input string) string {
	return html.UnescapeString(policy.Sanitize(input))
}

// ValidateMessage checks outbound chat content before it is queued.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return ErrTooLong
	}
	return nil
}

// ValidateID checks that an identifier is safe to use as a URL path segment.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}
	if !idRegex.MatchString(id) {
		return fmt.Errorf("id %q contains invalid characters (allowed: alphanumeric, dot, colon, dash, underscore)", id)
	}
	return nil
}
