package util

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MinPhoneDigits is the shortest phone number accepted after canonicalization.
const MinPhoneDigits = 6

// ErrInvalidPhone is returned when a phone number cannot be canonicalized.
var ErrInvalidPhone = errors.New("invalid phone number")

// phoneNumberRegex matches everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`\D`)

// CanonicalizePhone strips provider prefixes ("whatsapp:"), formatting and the
// leading "+" so that every module compares storyteller phones as bare digits.
func CanonicalizePhone(phone string) (string, error) {
	trimmed := strings.TrimSpace(phone)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPhone)
	}
	if at := strings.IndexByte(trimmed, '@'); at >= 0 {
		// WhatsApp JIDs ("15551234567:3@s.whatsapp.net") carry the number before the device and server parts.
		trimmed = trimmed[:at]
		if colon := strings.IndexByte(trimmed, ':'); colon >= 0 {
			trimmed = trimmed[:colon]
		}
	}
	canonical := phoneNumberRegex.ReplaceAllString(trimmed, "")
	if canonical == "" {
		return "", fmt.Errorf("%w: no digits found in %q", ErrInvalidPhone, phone)
	}
	if len(canonical) < MinPhoneDigits {
		return "", fmt.Errorf("%w: %q is too short (minimum %d digits required)", ErrInvalidPhone, canonical, MinPhoneDigits)
	}
	return canonical, nil
}
