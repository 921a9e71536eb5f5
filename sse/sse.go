// Package sse parses server-sent event payloads into discrete frames.
package sse

import (
	"bytes"
	"strings"
)

// Event is one server-sent event frame.
type Event struct {
	Type string
	Data string
	ID   string
}

// Parse splits text into events. A blank line closes the pending frame and
// emits it when at least one field was set; a trailing unterminated frame is
// emitted too. Parse keeps no state between calls.
func Parse(text string) []Event {
	var (
		events  []Event
		pending Event
		hasData bool
		set     bool
	)

	flush := func() {
		if set {
			events = append(events, pending)
		}
		pending = Event{}
		hasData = false
		set = false
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSuffix(line, "\r")

		if line == "" {
			flush()
			continue
		}

		// comment
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := parseLine(line)
		switch field {
		case "event":
			pending.Type = value
			set = true
		case "data":
			if hasData {
				pending.Data += "\n" + value
			} else {
				pending.Data = value
				hasData = true
			}
			set = true
		case "id":
			pending.ID = value
			set = true
		}
	}

	flush()
	return events
}

// SplitComplete splits b after its last frame boundary (a blank line).
// complete holds whole frames; rest is an unterminated tail to be prepended
// to the next delivery.
func SplitComplete(b []byte) (complete, rest []byte) {
	idx, size := lastBoundary(b)
	if idx < 0 {
		return nil, b
	}

	return b[:idx+size], b[idx+size:]
}

func lastBoundary(b []byte) (int, int) {
	lf := bytes.LastIndex(b, []byte("\n\n"))
	crlf := bytes.LastIndex(b, []byte("\r\n\r\n"))
	// "\n\r\n" ends a CRLF frame whose last line used a bare LF.
	mixed := bytes.LastIndex(b, []byte("\n\r\n"))

	idx, size := lf, 2
	if crlf >= 0 && crlf+4 > idx+size {
		idx, size = crlf, 4
	}
	if mixed >= 0 && mixed+3 > idx+size {
		idx, size = mixed, 3
	}

	return idx, size
}

// parseLine splits "field: value", dropping one space after the colon.
func parseLine(line string) (field, value string) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return line, ""
	}

	field = line[:idx]
	value = strings.TrimPrefix(line[idx+1:], " ")
	return field, value
}
