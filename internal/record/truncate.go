package record

import "unicode/utf8"

// TruncateText cuts text to at most maxBytes without splitting a UTF-8
// sequence. maxBytes <= 0 disables the limit.
func TruncateText(text string, maxBytes int) string {
	if maxBytes <= 0 || len(text) <= maxBytes {
		return text
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
