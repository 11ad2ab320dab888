// Package validate provides centralized input validation and sanitization
// utilities for the credit ledger API. It normalizes caller-supplied text
// before it is stored or used to resolve accounts.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// String validation errors
var (
	ErrStringTooShort    = errors.New("string is too short")
	ErrStringTooLong     = errors.New("string is too long")
	ErrInvalidCharacters = errors.New("string contains invalid characters")
	ErrSQLKeyword        = errors.New("string contains SQL keywords")
	ErrEmpty             = errors.New("string is empty")
)

// sqlKeywordPattern matches SQL keywords as standalone words so legitimate
// text like "The Executive" does not trip on the EXEC substring.
// This is a basic defense layer; parameterized queries are the primary defense.
var sqlKeywordPattern = regexp.MustCompile(
	`(?i)\b(SELECT|INSERT|UPDATE|DELETE|DROP|CREATE|ALTER|TRUNCATE|EXEC|EXECUTE|UNION)\b`)

// sqlSymbolPatterns are matched as substrings; they have no word boundaries.
var sqlSymbolPatterns = []string{"--", "/*", "*/", ";--", "xp_", "sp_"}

// StringConstraints defines validation constraints for a string.
type StringConstraints struct {
	MinLength        int            // Minimum length (0 = no minimum)
	MaxLength        int            // Maximum length (0 = no maximum)
	AllowedPattern   *regexp.Regexp // Optional regex pattern for allowed characters
	DisallowedWords  []string       // Optional list of disallowed words (case-insensitive)
	CheckSQLKeywords bool           // Whether to check for SQL keywords
	AllowEmpty       bool           // Whether empty strings are allowed
	TrimSpace        bool           // Whether to trim whitespace before validation
}

// String validates a string against the given constraints.
// Returns the validated (and optionally trimmed) string and an error if validation fails.
func String(s string, constraints StringConstraints) (string, error) {
	// Optionally trim whitespace
	if constraints.TrimSpace {
		s = strings.TrimSpace(s)
	}

	// Check if empty
	if s == "" {
		if !constraints.AllowEmpty {
			return "", ErrEmpty
		}
		return s, nil
	}

	// Get actual character count (not byte count)
	length := utf8.RuneCountInString(s)

	// Check minimum length
	if constraints.MinLength > 0 && length < constraints.MinLength {
		return "", fmt.Errorf("%w: got %d chars, need at least %d", ErrStringTooShort, length, constraints.MinLength)
	}

	// Check maximum length
	if constraints.MaxLength > 0 && length > constraints.MaxLength {
		return "", fmt.Errorf("%w: got %d chars, maximum is %d", ErrStringTooLong, length, constraints.MaxLength)
	}

	// Check allowed pattern
	if constraints.AllowedPattern != nil && !constraints.AllowedPattern.MatchString(s) {
		return "", fmt.Errorf("%w: does not match required pattern", ErrInvalidCharacters)
	}

	// Check SQL keywords if enabled
	if constraints.CheckSQLKeywords {
		if err := checkSQLKeywords(s); err != nil {
			return "", err
		}
	}

	// Check disallowed words
	if len(constraints.DisallowedWords) > 0 {
		upper := strings.ToUpper(s)
		for _, word := range constraints.DisallowedWords {
			if strings.Contains(upper, strings.ToUpper(word)) {
				return "", fmt.Errorf("string contains disallowed word: %q", word)
			}
		}
	}

	return s, nil
}

// checkSQLKeywords checks if the string contains common SQL keywords.
// This is a basic heuristic check; parameterized queries are the real defense.
func checkSQLKeywords(s string) error {
	if match := sqlKeywordPattern.FindString(s); match != "" {
		return fmt.Errorf("%w: contains %q", ErrSQLKeyword, match)
	}
	for _, pattern := range sqlSymbolPatterns {
		if strings.Contains(strings.ToLower(s), pattern) {
			return fmt.Errorf("%w: contains %q", ErrSQLKeyword, pattern)
		}
	}
	return nil
}

// DebitReference validates the caller-supplied reference on a debit:
// - Optional (can be empty)
// - Max 200 characters
func DebitReference(ref string) (string, error) {
	return String(ref, StringConstraints{
		MaxLength:  200,
		AllowEmpty: true,
		TrimSpace:  true,
	})
}

// AdjustComment validates the audit comment on an admin adjustment:
// - Required (not empty)
// - Max 1000 characters
func AdjustComment(comment string) (string, error) {
	return String(comment, StringConstraints{
		MinLength:  1,
		MaxLength:  1000,
		AllowEmpty: false,
		TrimSpace:  true,
	})
}

// AccountRef validates a caller-managed account reference identifier:
// - Required (not empty)
// - 1-100 characters, letters, numbers, dash, underscore, period only
func AccountRef(ref string) (string, error) {
	pattern := regexp.MustCompile(`^[A-Za-z0-9_\-\.]+$`)
	return String(ref, StringConstraints{
		MinLength:      1,
		MaxLength:      100,
		AllowedPattern: pattern,
		AllowEmpty:     false,
		TrimSpace:      true,
	})
}
