package api

import "unicode/utf8"

// maxSignalTypeLen is the maximum length for the signal type tag. Types
// are short verbs ("offer", "answer", "ice-candidate"); anything longer
// is a client bug.
const maxSignalTypeLen = 64

// maxPeerIDLen is the maximum length for peer ids in signaling requests.
// Member ids are UUIDs; the recorder id is a short constant.
const maxPeerIDLen = 64

// maxDeviceTokenLen is the maximum length for push registration tokens.
// FCM tokens run a few hundred bytes; 4 KB leaves headroom.
const maxDeviceTokenLen = 4096

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not
// exceed maxLen runes.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}
