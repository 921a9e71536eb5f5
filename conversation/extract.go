package conversation

import (
	"fmt"
	"regexp"
	"strings"

	coreregexp "github.com/go-zoox/core-utils/regexp"
	"github.com/tidwall/gjson"
)

var (
	directiveRe = regexp.MustCompile(`(?s)<system-reminder>(.*?)</system-reminder>`)
	fileNameRe  = regexp.MustCompile(`Contents of ([^\s:]+)`)
)

// lineNumberedPattern matches tool output such as "     1→package main".
const lineNumberedPattern = `^\s*\d+(→|\t)`

// ExtractRequestTurns returns the turns of a request payload's messages
// array. Malformed or unexpected payloads yield no turns.
func ExtractRequestTurns(payload string, opts Options) []Turn {
	if !gjson.Valid(payload) {
		return nil
	}

	messages := gjson.Get(payload, "messages")
	if !messages.IsArray() {
		return nil
	}

	entries := messages.Array()
	var turns []Turn
	for i, msg := range entries {
		switch msg.Get("role").String() {
		case "user":
			turns = append(turns, userTurns(msg.Get("content"), opts)...)
		case "assistant":
			if i == len(entries)-1 {
				continue
			}
			if t, ok := historyTurn(msg.Get("content"), opts); ok {
				turns = append(turns, t)
			}
		}
	}

	return turns
}

// ExtractResponseTurns returns the assistant reply of a non-streamed
// response payload.
func ExtractResponseTurns(payload string) []Turn {
	if !gjson.Valid(payload) {
		return nil
	}

	content := gjson.Get(payload, "content")
	if !content.IsArray() {
		return nil
	}

	var b strings.Builder
	for _, item := range content.Array() {
		if item.Get("type").String() == "text" {
			b.WriteString(item.Get("text").String())
		}
	}

	text := strings.TrimSpace(b.String())
	if text == "" {
		return nil
	}

	return []Turn{{Role: RoleAssistant, Kind: KindReply, Text: text}}
}

func userTurns(content gjson.Result, opts Options) []Turn {
	switch {
	case content.Type == gjson.String:
		return textTurns(content.String(), opts)
	case content.IsArray():
		var turns []Turn
		for _, item := range content.Array() {
			switch item.Get("type").String() {
			case "text":
				turns = append(turns, textTurns(item.Get("text").String(), opts)...)
			case "tool_result":
				turns = append(turns, toolResultTurn(item.Get("content"), opts))
			}
		}
		return turns
	default:
		return nil
	}
}

// textTurns classifies one block of user text.
func textTurns(text string, opts Options) []Turn {
	if matches := directiveRe.FindAllStringSubmatch(text, -1); len(matches) > 0 {
		turns := make([]Turn, 0, len(matches)+1)
		for _, m := range matches {
			body, truncated := opts.cap(strings.TrimSpace(m[1]))
			turns = append(turns, Turn{Role: RoleSystemDirective, Kind: KindDirective, Text: body, Truncated: truncated})
		}

		if rest := strings.TrimSpace(directiveRe.ReplaceAllString(text, "")); rest != "" {
			turns = append(turns, Turn{Role: RoleUser, Kind: KindPlain, Text: rest})
		}
		return turns
	}

	if isInlinedFile(text) {
		return []Turn{fileTurn(text, opts)}
	}

	if strings.TrimSpace(text) == "" {
		return nil
	}

	return []Turn{{Role: RoleUser, Kind: KindPlain, Text: text}}
}

func isInlinedFile(text string) bool {
	return strings.Contains(text, "Contents of") && strings.Contains(text, "```")
}

func fileTurn(text string, opts Options) Turn {
	name := "unknown"
	if m := fileNameRe.FindStringSubmatch(text); m != nil {
		name = m[1]
	}

	t := Turn{Role: RoleSystemDirective, Kind: KindFile, File: name}
	if opts.Verbose {
		t.Text = text
	} else {
		t.Text = fmt.Sprintf("%s (%d characters)", name, len([]rune(text)))
		t.Truncated = true
	}

	return t
}

func toolResultTurn(content gjson.Result, opts Options) Turn {
	text := flattenText(content)

	if isLineNumbered(text) {
		lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
		t := Turn{Role: RoleToolResult, Kind: KindToolResultFile, Lines: len(lines)}

		shown := lines
		if !opts.Verbose && len(lines) > PreviewLines {
			shown = lines[:PreviewLines]
			t.Truncated = true
		}
		t.Text = fmt.Sprintf("%d lines\n%s", len(lines), strings.Join(shown, "\n"))
		return t
	}

	body, truncated := opts.cap(text)
	return Turn{Role: RoleToolResult, Kind: KindToolResult, Text: body, Truncated: truncated}
}

func isLineNumbered(text string) bool {
	first, _, _ := strings.Cut(strings.TrimLeft(text, "\n"), "\n")
	return first != "" && coreregexp.Match(lineNumberedPattern, first)
}

func historyTurn(content gjson.Result, opts Options) (Turn, bool) {
	var text string
	switch {
	case content.Type == gjson.String:
		text = content.String()
	case content.IsArray():
		var parts []string
		for _, item := range content.Array() {
			switch item.Get("type").String() {
			case "text":
				parts = append(parts, item.Get("text").String())
			case "tool_use":
				parts = append(parts, fmt.Sprintf("[tool_use: %s]", item.Get("name").String()))
			}
		}
		text = strings.Join(parts, "\n")
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return Turn{}, false
	}

	body, truncated := opts.cap(text)
	return Turn{Role: RoleAssistant, Kind: KindHistory, Text: body, Truncated: truncated, Historical: true}, true
}

// flattenText joins a tool result's content, which is either a string or an
// array of text blocks.
func flattenText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}

	var parts []string
	for _, item := range content.Array() {
		if item.Get("type").String() == "text" {
			parts = append(parts, item.Get("text").String())
		}
	}

	return strings.Join(parts, "\n")
}
