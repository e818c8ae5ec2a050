package middleware

import (
	"errors"
	"regexp"

	"github.com/google/uuid"
)

var (
	conversationIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
	fingerprintPattern    = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// ValidateConversationID validates a client-chosen conversation ID.
func ValidateConversationID(id string) error {
	if !conversationIDPattern.MatchString(id) {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateIdempotencyKey validates a client-supplied turn idempotency key.
func ValidateIdempotencyKey(key string) error {
	if !conversationIDPattern.MatchString(key) {
		return errors.New("invalid idempotency key format")
	}
	return nil
}

// ValidateDocumentID validates a document ID.
func ValidateDocumentID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid document ID format")
	}
	return nil
}

// ValidateFingerprint validates a context-cache fingerprint.
func ValidateFingerprint(fp string) error {
	if !fingerprintPattern.MatchString(fp) {
		return errors.New("invalid fingerprint format")
	}
	return nil
}

// ValidateTenantID validates a tenant ID.
func ValidateTenantID(id string) error {
	if len(id) == 0 {
		return errors.New("tenant ID cannot be empty")
	}
	if len(id) > 64 {
		return errors.New("tenant ID exceeds maximum length")
	}
	return nil
}

// ValidateDocumentText bounds the size of registered document text.
func ValidateDocumentText(text string, maxBytes int) error {
	if len(text) > maxBytes {
		return errors.New("document text exceeds maximum length")
	}
	return nil
}
