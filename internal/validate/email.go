package validate

import (
	"errors"
	"regexp"
	"strings"
)

var ErrInvalidEmail = errors.New("invalid email format")

// emailPattern matches most common email formats. Stricter validation is
// not worth the false rejections for audit actor identities.
var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// Email validates an email address and returns it normalized (lowercased,
// trimmed). Length limits follow RFC 5321.
func Email(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	if email == "" {
		return "", ErrEmpty
	}
	if len(email) > 254 {
		return "", ErrStringTooLong
	}
	if !emailPattern.MatchString(email) {
		return "", ErrInvalidEmail
	}

	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "", ErrInvalidEmail
	}
	if len(parts[0]) > 64 {
		return "", ErrStringTooLong
	}
	if len(parts[1]) > 255 {
		return "", ErrStringTooLong
	}

	return email, nil
}
