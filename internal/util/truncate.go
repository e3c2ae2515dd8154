package util

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// DefaultParamsMaxLen bounds the serialized tool params kept in a usage record.
const DefaultParamsMaxLen = 2048

// Truncate shortens s to at most maxLen bytes without splitting a rune and
// notes the original size.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateJSON returns v unchanged when its JSON form fits in maxLen bytes,
// otherwise the truncated JSON text as a string.
func TruncateJSON(v any, maxLen int) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("[unserializable %T]", v)
	}
	if len(data) <= maxLen {
		return v
	}
	return Truncate(string(data), maxLen)
}
