// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across relay-tui.
package util

import "strconv"

// UNICODE: Rune-aware truncation preserves multi-byte characters.

// TruncateRunes truncates a string to a maximum number of runes (characters).
// Safe for UTF-8 strings as it counts characters, not bytes.
// If the string is truncated, "..." is appended.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	if maxRunes <= 3 {
		return string(runes[:maxRunes])
	}
	return string(runes[:maxRunes-3]) + "..."
}

// RuneLen returns the number of runes (characters) in a string.
func RuneLen(s string) int {
	return len([]rune(s))
}

// IntToString converts an int to string.
func IntToString(i int) string {
	return strconv.Itoa(i)
}
