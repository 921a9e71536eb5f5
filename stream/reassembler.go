// Package stream reassembles server-sent event streams into messages.
//
// A Reassembler keeps one state per exchange between the first event of a
// stream and its terminal event. Deliveries may split frames anywhere; the
// unterminated tail of one delivery is carried into the next.
package stream

import (
	"bytes"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/go-zoox/llmtap/sse"
)

// Event types that drive reassembly.
const (
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
)

// Reassembler is a table of in-flight streams keyed by exchange ID.
// It is safe for concurrent use; feeds for one ID must arrive in order.
type Reassembler struct {
	mu     sync.Mutex
	states map[string]*state

	// OnMalformed, if set, is called for a delta whose payload is not JSON.
	OnMalformed func(id string, ev sse.Event)

	// MaxPending caps the unterminated tail carried between feeds. A tail
	// that grows past it is discarded. Zero means no cap.
	MaxPending int

	// OnOverflow, if set, is called with the size of a discarded tail.
	OnOverflow func(id string, size int)
}

type state struct {
	mu      sync.Mutex
	events  []sse.Event
	text    strings.Builder
	pending []byte
}

// New returns an empty Reassembler.
func New() *Reassembler {
	return &Reassembler{states: make(map[string]*state)}
}

// Feed adds raw bytes received for id and returns the merged text so far and
// whether the message is complete. A complete message's state is removed.
//
// A terminal event whose closing blank line has not arrived yet completes the
// message once its data line is whole.
func (r *Reassembler) Feed(id string, raw []byte) (string, bool) {
	st := r.acquire(id)

	st.mu.Lock()
	complete, rest := sse.SplitComplete(append(st.pending, raw...))
	st.pending = append(st.pending[:0:0], rest...)

	done := r.apply(id, st, sse.Parse(string(complete)))
	if !done {
		done = r.applyTerminalTail(id, st)
	}
	if !done && r.MaxPending > 0 && len(st.pending) > r.MaxPending {
		if r.OnOverflow != nil {
			r.OnOverflow(id, len(st.pending))
		}
		st.pending = nil
	}
	merged := st.text.String()
	st.mu.Unlock()

	if done {
		r.remove(id, st)
	}

	return merged, done
}

// Evict flushes any unterminated tail for id and removes its state. It
// returns the merged text, whether the flushed tail ended the message and
// whether a state existed.
func (r *Reassembler) Evict(id string) (merged string, complete bool, ok bool) {
	r.mu.Lock()
	st, ok := r.states[id]
	if ok {
		delete(r.states, id)
	}
	r.mu.Unlock()

	if !ok {
		return "", false, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if len(st.pending) > 0 {
		complete = r.apply(id, st, sse.Parse(string(st.pending)))
		st.pending = nil
	}

	return st.text.String(), complete, true
}

// applyTerminalTail applies the pending tail when its whole lines already
// form a terminal event with data. Deltas are left pending until framed.
func (r *Reassembler) applyTerminalTail(id string, st *state) bool {
	end := bytes.LastIndexByte(st.pending, '\n')
	if end < 0 {
		return false
	}

	tail := sse.Parse(string(st.pending[:end+1]))
	if len(tail) != 1 || tail[0].Data == "" || !IsTerminal(tail) {
		return false
	}

	st.pending = nil
	return r.apply(id, st, tail)
}

// Len returns the number of in-flight streams.
func (r *Reassembler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.states)
}

// Merge reassembles a whole buffered stream at once.
func Merge(text string) (string, bool) {
	events := sse.Parse(text)

	var b strings.Builder
	for _, ev := range events {
		if delta, ok := DeltaText(ev); ok {
			b.WriteString(delta)
		}
	}

	return b.String(), IsTerminal(events)
}

// DeltaText reads the delta text of a content_block_delta event. ok is false
// for other event types and for payloads that are not valid JSON.
func DeltaText(ev sse.Event) (string, bool) {
	if ev.Type != EventContentBlockDelta {
		return "", false
	}
	if !gjson.Valid(ev.Data) {
		return "", false
	}

	return gjson.Get(ev.Data, "delta.text").String(), true
}

// IsTerminal reports whether a batch of events ends the message: any
// message_stop, content_block_stop, or message_delta carrying a stop_reason.
func IsTerminal(events []sse.Event) bool {
	for _, ev := range events {
		switch ev.Type {
		case EventMessageStop, EventContentBlockStop:
			return true
		case EventMessageDelta:
			if strings.Contains(ev.Data, "stop_reason") {
				return true
			}
		}
	}

	return false
}

func (r *Reassembler) apply(id string, st *state, batch []sse.Event) bool {
	st.events = append(st.events, batch...)

	for _, ev := range batch {
		delta, ok := DeltaText(ev)
		if !ok {
			if ev.Type == EventContentBlockDelta && r.OnMalformed != nil {
				r.OnMalformed(id, ev)
			}
			continue
		}
		st.text.WriteString(delta)
	}

	return IsTerminal(batch)
}

func (r *Reassembler) acquire(id string) *state {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[id]
	if !ok {
		st = &state{}
		r.states[id] = st
	}

	return st
}

// remove deletes id only if it still maps to st.
func (r *Reassembler) remove(id string, st *state) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.states[id] == st {
		delete(r.states, id)
	}
}
