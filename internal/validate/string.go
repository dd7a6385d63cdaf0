// Package validate provides input validation for ingestion payloads. It is
// a shallow defense layer; parameterized queries remain the real protection
// on the storage side.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	ErrStringTooShort    = errors.New("string is too short")
	ErrStringTooLong     = errors.New("string is too long")
	ErrInvalidCharacters = errors.New("string contains invalid characters")
	ErrEmpty             = errors.New("string is empty")
)

// StringConstraints defines validation constraints for a string field.
type StringConstraints struct {
	MinLength      int
	MaxLength      int
	AllowedPattern *regexp.Regexp
	AllowEmpty     bool
	TrimSpace      bool
}

// String validates a string against the given constraints. Returns the
// validated (and optionally trimmed) string and an error if validation
// fails. Lengths count runes, not bytes.
func String(s string, constraints StringConstraints) (string, error) {
	if constraints.TrimSpace {
		s = strings.TrimSpace(s)
	}

	if s == "" {
		if !constraints.AllowEmpty {
			return "", ErrEmpty
		}
		return s, nil
	}

	length := utf8.RuneCountInString(s)
	if constraints.MinLength > 0 && length < constraints.MinLength {
		return "", fmt.Errorf("%w: got %d chars, need at least %d", ErrStringTooShort, length, constraints.MinLength)
	}
	if constraints.MaxLength > 0 && length > constraints.MaxLength {
		return "", fmt.Errorf("%w: got %d chars, maximum is %d", ErrStringTooLong, length, constraints.MaxLength)
	}

	if constraints.AllowedPattern != nil && !constraints.AllowedPattern.MatchString(s) {
		return "", fmt.Errorf("%w: does not match required pattern", ErrInvalidCharacters)
	}

	return s, nil
}

// identifierPattern covers dotted action names like "user.login" and plain
// category names. Leading character must be alphanumeric.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-:]*$`)

// Action validates an event action name:
//   - 1-255 characters
//   - alphanumeric plus underscore, dash, dot and colon
func Action(action string) (string, error) {
	return String(action, StringConstraints{
		MinLength:      1,
		MaxLength:      255,
		AllowedPattern: identifierPattern,
		TrimSpace:      true,
	})
}

// Category validates an event category name with the same rules as Action.
func Category(category string) (string, error) {
	return String(category, StringConstraints{
		MinLength:      1,
		MaxLength:      255,
		AllowedPattern: identifierPattern,
		TrimSpace:      true,
	})
}
