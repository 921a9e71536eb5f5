// Package conversation extracts conversation turns from LLM API payloads.
//
// Request payloads carry a messages array mixing user text, embedded
// directives, inlined files and tool results; response payloads carry a
// content array. Each recognized shape maps to one Kind; anything else is
// ignored and yields no turns.
package conversation

import "unicode/utf8"

// Role is who a turn speaks for.
type Role string

// Roles.
const (
	RoleUser            Role = "user"
	RoleAssistant       Role = "assistant"
	RoleSystemDirective Role = "system-directive"
	RoleToolResult      Role = "tool-result"
)

// Kind is the payload shape a turn was extracted from.
type Kind string

// Kinds.
const (
	KindPlain          Kind = "plain"
	KindDirective      Kind = "directive"
	KindFile           Kind = "file"
	KindToolResult     Kind = "tool-result"
	KindToolResultFile Kind = "tool-result-file"
	KindHistory        Kind = "history"
	KindReply          Kind = "reply"
)

// DefaultMaxLen caps directive, tool result and history text unless verbose.
const DefaultMaxLen = 200

// PreviewLines is how many lines of a line-numbered file are kept.
const PreviewLines = 5

// Turn is one extracted message.
type Turn struct {
	Role Role
	Kind Kind
	Text string

	// Truncated is set when Text was cut short.
	Truncated bool

	// Historical marks earlier assistant messages replayed in a request.
	Historical bool

	// File names the inlined file, for KindFile.
	File string

	// Lines counts the lines of a line-numbered tool result.
	Lines int
}

// Options control extraction.
type Options struct {
	// Verbose keeps full text instead of capped summaries.
	Verbose bool
}

func (o Options) cap(text string) (string, bool) {
	if o.Verbose {
		return text, false
	}

	return truncate(text, DefaultMaxLen)
}

func truncate(s string, n int) (string, bool) {
	if utf8.RuneCountInString(s) <= n {
		return s, false
	}

	return string([]rune(s)[:n]), true
}
