package httpserver

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult represents the result of validation
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

var validSessionID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateSessionID validates a session ID.
func ValidateSessionID(sessionID string) ValidationResult {
	if sessionID == "" {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Field: "session_id", Code: "REQUIRED", Message: "Session ID is required"},
			},
		}
	}
	if len(sessionID) > 100 {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Field: "session_id", Code: "TOO_LONG", Message: "Session ID is too long (max 100 characters)"},
			},
		}
	}
	if !validSessionID.MatchString(sessionID) {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Field: "session_id", Code: "INVALID_FORMAT", Message: "Session ID contains invalid characters"},
			},
		}
	}
	return ValidationResult{Valid: true}
}

// SanitizeString sanitizes a string input.
func SanitizeString(input string) string {
	// Remove null bytes and control characters
	input = strings.ReplaceAll(input, "\x00", "")
	input = strings.TrimSpace(input)
	// Limit length to prevent DoS
	if len(input) > 8000 {
		input = input[:8000]
	}
	if !utf8.ValidString(input) {
		input = strings.ToValidUTF8(input, "")
	}
	return input
}
