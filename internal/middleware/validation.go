package middleware

import (
	"errors"
	"unicode/utf8"
)

// ValidateTenantID validates a tenant ID path or body parameter.
func ValidateTenantID(id string) error {
	if len(id) == 0 {
		return errors.New("tenant ID cannot be empty")
	}
	if len(id) > 64 {
		return errors.New("tenant ID exceeds maximum length")
	}
	return nil
}

// ValidatePlatformUserID validates a platform-scoped user ID. Messenger
// PSIDs are numeric today, but the format is not documented as stable,
// so only length is enforced.
func ValidatePlatformUserID(id string) error {
	if len(id) == 0 {
		return errors.New("user ID cannot be empty")
	}
	if len(id) > 64 {
		return errors.New("user ID exceeds maximum length")
	}
	return nil
}

// ValidateMode validates a conversation mode value.
func ValidateMode(mode string) error {
	if mode != "automated" && mode != "human" {
		return errors.New("mode must be automated or human")
	}
	return nil
}

// ValidateSystemPrompt validates a tenant system prompt.
func ValidateSystemPrompt(prompt string) error {
	if len(prompt) > 100000 {
		return errors.New("system prompt exceeds maximum length")
	}
	if !utf8.ValidString(prompt) {
		return errors.New("system prompt must be valid UTF-8")
	}
	return nil
}
