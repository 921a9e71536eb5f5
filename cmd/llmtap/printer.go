package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-zoox/llmtap"
	"github.com/go-zoox/llmtap/conversation"
)

// printer renders events as plain text. Events from concurrent exchanges
// are serialized by line.
type printer struct {
	mu        sync.Mutex
	w         io.Writer
	streaming map[string]bool
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, streaming: make(map[string]bool)}
}

func (p *printer) print(evt *llmtap.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := shortID(evt.ExchangeID)
	switch evt.Kind {
	case llmtap.EventTurns:
		fmt.Fprintf(p.w, "[%s] %s %s %s\n", id, arrow(evt.Direction), evt.Method, evt.Path)
		for _, turn := range evt.Turns {
			fmt.Fprintf(p.w, "  %s: %s\n", turnLabel(turn), indent(turn.Text))
		}
	case llmtap.EventDelta:
		if !p.streaming[evt.ExchangeID] {
			p.streaming[evt.ExchangeID] = true
			fmt.Fprintf(p.w, "[%s] %s assistant: ", id, arrow(evt.Direction))
		}
		io.WriteString(p.w, evt.Delta)
		if evt.Complete {
			io.WriteString(p.w, "\n")
			delete(p.streaming, evt.ExchangeID)
		} else if evt.Delta == "" {
			io.WriteString(p.w, " (incomplete)\n")
			delete(p.streaming, evt.ExchangeID)
		}
	default:
		fmt.Fprintf(p.w, "[%s] %s %s %s\n%s\n", id, arrow(evt.Direction), evt.Method, evt.Path, evt.Text)
	}

	if evt.Truncated {
		fmt.Fprintf(p.w, "[%s] (body capture truncated)\n", id)
	}
}

func turnLabel(turn conversation.Turn) string {
	label := string(turn.Role)
	switch turn.Kind {
	case conversation.KindFile:
		label += " (file " + turn.File + ")"
	case conversation.KindToolResultFile:
		label += fmt.Sprintf(" (%d lines)", turn.Lines)
	case conversation.KindHistory:
		label += " (history)"
	}
	if turn.Truncated {
		label += " (truncated)"
	}

	return label
}

func arrow(d llmtap.Direction) string {
	if d == llmtap.DirectionRequest {
		return "->"
	}

	return "<-"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}

	return id
}

func indent(text string) string {
	return strings.ReplaceAll(text, "\n", "\n    ")
}
