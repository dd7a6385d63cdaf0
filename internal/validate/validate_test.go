package validate

import (
	"errors"
	"strings"
	"testing"
)

func TestAction(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{"dotted action", "user.login", "user.login", nil},
		{"namespaced action", "billing:invoice.paid", "billing:invoice.paid", nil},
		{"trims whitespace", "  doc.create  ", "doc.create", nil},
		{"empty", "", "", ErrEmpty},
		{"whitespace only", "   ", "", ErrEmpty},
		{"leading dot", ".hidden", "", ErrInvalidCharacters},
		{"spaces inside", "user login", "", ErrInvalidCharacters},
		{"too long", strings.Repeat("a", 256), "", ErrStringTooLong},
		{"max length ok", strings.Repeat("a", 255), strings.Repeat("a", 255), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Action(tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCategory(t *testing.T) {
	if _, err := Category("auth"); err != nil {
		t.Errorf("plain category should pass: %v", err)
	}
	if _, err := Category("auth; DROP TABLE"); !errors.Is(err, ErrInvalidCharacters) {
		t.Errorf("expected ErrInvalidCharacters, got %v", err)
	}
}

func TestEmail(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{"simple", "user@example.com", "user@example.com", nil},
		{"normalizes case", "User@Example.COM", "user@example.com", nil},
		{"trims", "  a@b.co  ", "a@b.co", nil},
		{"plus tag", "a+audit@example.com", "a+audit@example.com", nil},
		{"empty", "", "", ErrEmpty},
		{"no domain", "user@", "", ErrInvalidEmail},
		{"no at", "example.com", "", ErrInvalidEmail},
		{"no tld", "user@localhost", "", ErrInvalidEmail},
		{"local part too long", strings.Repeat("a", 65) + "@example.com", "", ErrStringTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Email(tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestString_Constraints(t *testing.T) {
	if _, err := String("ab", StringConstraints{MinLength: 3}); !errors.Is(err, ErrStringTooShort) {
		t.Errorf("expected ErrStringTooShort, got %v", err)
	}
	if got, err := String("", StringConstraints{AllowEmpty: true}); err != nil || got != "" {
		t.Errorf("empty allowed should pass, got %q, %v", got, err)
	}
	// Rune counting: multibyte characters count once.
	if _, err := String("日本語", StringConstraints{MaxLength: 3}); err != nil {
		t.Errorf("3 runes within max 3 should pass: %v", err)
	}
}
