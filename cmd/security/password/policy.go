package password

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

// commonPasswords is a tiny deny-list; it is not a strength estimator.
var commonPasswords = []string{
	"password", "password1", "password123", "passw0rd",
	"123456", "12345678", "123456789", "1234567890",
	"qwerty", "qwerty123", "letmein", "iloveyou", "welcome1",
}

// Validate checks password against the policy, counting runes rather than bytes.
func (c Config) Validate(password string) error {
	switch n := utf8.RuneCountInString(password); {
	case n < c.Policy.MinLength:
		return ErrPasswordTooShort
	case n > c.Policy.MaxLength:
		return ErrPasswordTooLong
	}
	if c.Policy.RejectVeryWeak && veryWeak(password) {
		return ErrWeakPassword
	}
	return nil
}

// veryWeak flags a single repeated character, short all-digit PINs, and
// deny-listed passwords.
func veryWeak(pw string) bool {
	s := strings.TrimSpace(pw)
	if s == "" {
		return true
	}

	first, _ := utf8.DecodeRuneInString(s)
	if strings.Trim(s, string(first)) == "" {
		return true
	}

	if utf8.RuneCountInString(s) < 12 && strings.IndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) }) < 0 {
		return true
	}

	return slices.Contains(commonPasswords, strings.ToLower(s))
}
