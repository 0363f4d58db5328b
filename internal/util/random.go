// Package util provides utility functions for the evoflow application.
package util

import (
	"math/rand/v2"
	"strings"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Uses math/rand/v2; IDs are correlation keys, not secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateContactID generates a unique contact ID with "ct_" prefix.
func GenerateContactID() string {
	return GenerateRandomID("ct_", 32)
}

// GenerateConversationID generates a unique conversation ID with "cv_" prefix.
func GenerateConversationID() string {
	return GenerateRandomID("cv_", 32)
}

// GenerateMessageID generates a unique message ID with "m_" prefix.
func GenerateMessageID() string {
	return GenerateRandomID("m_", 32)
}

// GenerateChunkID generates a unique chunk ID with "ch_" prefix.
func GenerateChunkID() string {
	return GenerateRandomID("ch_", 32)
}
