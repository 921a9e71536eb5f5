package conversation

import (
	"fmt"
	"strings"
	"testing"
)

func TestExtractResponseTurns(t *testing.T) {
	turns := ExtractResponseTurns(`{"content":[{"type":"text","text":"Hello"}]}`)
	if len(turns) != 1 {
		t.Fatalf("got %d turns, want 1", len(turns))
	}
	if turns[0].Role != RoleAssistant || turns[0].Text != "Hello" {
		t.Errorf("unexpected turn %+v", turns[0])
	}

	turns = ExtractResponseTurns(`{"content":[{"type":"text","text":"a"},{"type":"tool_use","name":"x"},{"type":"text","text":"b"}]}`)
	if len(turns) != 1 || turns[0].Text != "ab" {
		t.Errorf("unexpected turns %+v", turns)
	}
}

func TestExtractResponseTurnsEmpty(t *testing.T) {
	payloads := []string{
		``,
		`not json`,
		`{"content":"string"}`,
		`{"content":[{"type":"text","text":"   "}]}`,
		`[1,2,3]`,
	}

	for _, p := range payloads {
		if turns := ExtractResponseTurns(p); len(turns) != 0 {
			t.Errorf("ExtractResponseTurns(%q) = %+v, want none", p, turns)
		}
	}
}

func TestExtractRequestDirectiveThenUser(t *testing.T) {
	turns := ExtractRequestTurns(`{"messages":[{"role":"user","content":"<system-reminder>R</system-reminder>Q"}]}`, Options{})
	if len(turns) != 2 {
		t.Fatalf("got %d turns: %+v", len(turns), turns)
	}
	if turns[0].Role != RoleSystemDirective || turns[0].Text != "R" {
		t.Errorf("first turn = %+v", turns[0])
	}
	if turns[1].Role != RoleUser || turns[1].Text != "Q" {
		t.Errorf("second turn = %+v", turns[1])
	}
}

func TestExtractRequestArrayContent(t *testing.T) {
	longReminder := strings.Repeat("r", 300)
	payload := fmt.Sprintf(`{"messages":[{"role":"user","content":[
		{"type":"text","text":"<system-reminder>%s</system-reminder><system-reminder>second</system-reminder>"},
		{"type":"text","text":"Contents of /src/main.go:\n`+"```"+`\npackage main\n`+"```"+`"},
		{"type":"text","text":"fix the bug"}
	]}]}`, longReminder)

	turns := ExtractRequestTurns(payload, Options{})
	if len(turns) != 4 {
		t.Fatalf("got %d turns: %+v", len(turns), turns)
	}

	if turns[0].Role != RoleSystemDirective || !turns[0].Truncated || len(turns[0].Text) != DefaultMaxLen {
		t.Errorf("long directive not capped: %+v", turns[0])
	}
	if turns[1].Text != "second" {
		t.Errorf("second directive = %+v", turns[1])
	}
	if turns[2].Kind != KindFile || turns[2].File != "/src/main.go" {
		t.Errorf("file turn = %+v", turns[2])
	}
	if strings.Contains(turns[2].Text, "package main") {
		t.Errorf("non-verbose file turn should be a summary, got %q", turns[2].Text)
	}
	if turns[3].Role != RoleUser || turns[3].Text != "fix the bug" {
		t.Errorf("user turn = %+v", turns[3])
	}

	verbose := ExtractRequestTurns(payload, Options{Verbose: true})
	if verbose[0].Truncated || len(verbose[0].Text) != 300 {
		t.Errorf("verbose directive should be whole: %+v", verbose[0])
	}
	if !strings.Contains(verbose[2].Text, "package main") {
		t.Errorf("verbose file turn should carry the text: %+v", verbose[2])
	}
}

func TestExtractRequestToolResults(t *testing.T) {
	var lines []string
	for i := 1; i <= 8; i++ {
		lines = append(lines, fmt.Sprintf("%6d→line %d", i, i))
	}
	file := strings.Join(lines, "\\n")

	payload := `{"messages":[{"role":"user","content":[
		{"type":"tool_result","tool_use_id":"t1","content":"` + file + `"},
		{"type":"tool_result","tool_use_id":"t2","content":[{"type":"text","text":"` + strings.Repeat("x", 250) + `"}]}
	]}]}`

	turns := ExtractRequestTurns(payload, Options{})
	if len(turns) != 2 {
		t.Fatalf("got %d turns: %+v", len(turns), turns)
	}

	fileTurn := turns[0]
	if fileTurn.Kind != KindToolResultFile || fileTurn.Lines != 8 || !fileTurn.Truncated {
		t.Errorf("file tool result = %+v", fileTurn)
	}
	if !strings.HasPrefix(fileTurn.Text, "8 lines\n") || strings.Contains(fileTurn.Text, "line 6") || !strings.Contains(fileTurn.Text, "line 5") {
		t.Errorf("file tool result text = %q", fileTurn.Text)
	}

	generic := turns[1]
	if generic.Role != RoleToolResult || generic.Kind != KindToolResult || len(generic.Text) != DefaultMaxLen || !generic.Truncated {
		t.Errorf("generic tool result = %+v", generic)
	}

	verbose := ExtractRequestTurns(payload, Options{Verbose: true})
	if !strings.Contains(verbose[0].Text, "line 8") || verbose[0].Truncated {
		t.Errorf("verbose file tool result = %+v", verbose[0])
	}
}

func TestExtractRequestHistory(t *testing.T) {
	payload := `{"messages":[
		{"role":"user","content":"first"},
		{"role":"assistant","content":[{"type":"text","text":"earlier reply"},{"type":"tool_use","name":"Read"}]},
		{"role":"user","content":"second"},
		{"role":"assistant","content":"prefill"}
	]}`

	turns := ExtractRequestTurns(payload, Options{})
	if len(turns) != 3 {
		t.Fatalf("got %d turns: %+v", len(turns), turns)
	}
	if turns[1].Role != RoleAssistant || !turns[1].Historical {
		t.Errorf("history turn = %+v", turns[1])
	}
	if turns[1].Text != "earlier reply\n[tool_use: Read]" {
		t.Errorf("history text = %q", turns[1].Text)
	}
	for _, turn := range turns {
		if turn.Text == "prefill" {
			t.Errorf("last assistant message should not be emitted")
		}
	}
}

func TestExtractRequestMalformed(t *testing.T) {
	payloads := []string{
		`{`,
		`{"messages":{}}`,
		`{"model":"x"}`,
		`{"messages":[{"role":"user","content":42}]}`,
	}

	for _, p := range payloads {
		if turns := ExtractRequestTurns(p, Options{}); len(turns) != 0 {
			t.Errorf("ExtractRequestTurns(%q) = %+v, want none", p, turns)
		}
	}
}
