package codec

import (
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
)

// MaxDisplayLen caps FormatForDisplay output, in characters.
const MaxDisplayLen = 1000

// TruncationMarker is appended to display text cut at MaxDisplayLen.
const TruncationMarker = "\n... (truncated)"

// FormatForDisplay pretty-prints JSON text and caps the result at
// MaxDisplayLen characters. It is meant for raw body display only; chat
// extraction works on the untruncated decoded text.
func FormatForDisplay(text string) string {
	if looksLikeJSON(text) && gjson.Valid(text) {
		text = strings.TrimRight(string(pretty.Pretty([]byte(text))), "\n")
	}

	if utf8.RuneCountInString(text) <= MaxDisplayLen {
		return text
	}

	runes := []rune(text)
	return string(runes[:MaxDisplayLen]) + TruncationMarker
}

func looksLikeJSON(text string) bool {
	t := strings.TrimSpace(text)
	if len(t) < 2 {
		return false
	}

	first, last := t[0], t[len(t)-1]
	return (first == '{' && last == '}') || (first == '[' && last == ']')
}
