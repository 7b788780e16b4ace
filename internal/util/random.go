// Package util provides utility functions for the StoryPipe application.
package util

import (
	"math/rand/v2"
	"strings"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
// IDs are not secrets; math/rand/v2 is sufficient.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
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

// GenerateTrialID generates a unique trial ID with "ft_" prefix.
func GenerateTrialID() string {
	return GenerateRandomID("ft_", 32)
}

// GenerateVoiceNoteID generates a unique voice note ID with "vn_" prefix.
func GenerateVoiceNoteID() string {
	return GenerateRandomID("vn_", 32)
}

// joinCodeChars omits characters that are easy to misread in a chat message (0/O, 1/I/L).
const joinCodeChars = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// JoinCodePrefix marks a join code inside free text.
const JoinCodePrefix = "STORY-"

// GenerateJoinCode generates a join code such as "STORY-7KQ2MX".
func GenerateJoinCode() string {
	var builder strings.Builder
	builder.Grow(len(JoinCodePrefix) + 6)
	builder.WriteString(JoinCodePrefix)
	for i := 0; i < 6; i++ {
		builder.WriteByte(joinCodeChars[rand.IntN(len(joinCodeChars))])
	}
	return builder.String()
}
