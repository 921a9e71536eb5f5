package llmtap

import (
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/go-zoox/headers"
	"github.com/go-zoox/logger"

	"github.com/go-zoox/llmtap/codec"
	"github.com/go-zoox/llmtap/conversation"
	"github.com/go-zoox/llmtap/stream"
)

// inspector runs the observation side of one exchange on its own goroutine.
// Jobs run in the order they were queued; forwarding only ever queues.
// A nil *inspector ignores every call.
type inspector struct {
	p  *Proxy
	ex *Exchange

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	queued int64
	closed bool
	done   chan struct{}

	// streaming is set before the first stream chunk is queued.
	streaming bool
	// dropped is set once a chunk misses the backlog cap.
	dropped bool

	// Owned by the worker goroutine.
	merged     string
	streamDone bool
	abandoned  bool
}

func (p *Proxy) newInspector(ex *Exchange) *inspector {
	if !p.cfg.inspecting() {
		return nil
	}

	in := &inspector{p: p, ex: ex, done: make(chan struct{})}
	in.cond = sync.NewCond(&in.mu)
	go in.run()
	return in
}

func (in *inspector) run() {
	defer close(in.done)

	for {
		in.mu.Lock()
		for len(in.queue) == 0 && !in.closed {
			in.cond.Wait()
		}
		if len(in.queue) == 0 {
			in.mu.Unlock()
			return
		}
		job := in.queue[0]
		in.queue[0] = nil
		in.queue = in.queue[1:]
		in.mu.Unlock()

		job()
	}
}

func (in *inspector) enqueue(job func()) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		return
	}
	in.queue = append(in.queue, job)
	in.cond.Signal()
}

// reserve accounts n queued bytes against the body cap. The first failed
// reservation reports first; every later one fails too, so the stream never
// resumes past a gap.
func (in *inspector) reserve(n int) (ok, first bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.dropped {
		return false, false
	}

	limit := in.p.cfg.MaxBodyBytes
	if limit > 0 && in.queued+int64(n) > limit {
		in.dropped = true
		return false, true
	}
	in.queued += int64(n)
	return true, false
}

func (in *inspector) release(n int) {
	in.mu.Lock()
	in.queued -= int64(n)
	in.mu.Unlock()
}

// finish evicts any unfinished stream, then lets the worker drain and exit.
func (in *inspector) finish() {
	if in == nil {
		return
	}

	in.enqueue(in.evict)

	in.mu.Lock()
	in.closed = true
	in.cond.Broadcast()
	in.mu.Unlock()
}

// wait blocks until the worker has drained. Used by tests.
func (in *inspector) wait() {
	if in == nil {
		return
	}

	<-in.done
}

func (in *inspector) body(direction Direction, buf *bodyBuffer, header http.Header) {
	if in == nil {
		return
	}

	body, truncated := buf.seal()
	in.enqueue(func() {
		in.processBody(direction, header, body, truncated)
	})
}

// startStream marks the response as fed to the reassembler chunk by chunk.
func (in *inspector) startStream() {
	if in == nil {
		return
	}

	in.mu.Lock()
	in.streaming = true
	in.mu.Unlock()
}

func (in *inspector) streamChunk(chunk []byte) {
	if in == nil {
		return
	}

	if ok, first := in.reserve(len(chunk)); !ok {
		if first {
			in.p.tracef(in.ex.ID, "stream backlog over %d bytes, merging abandoned", in.p.cfg.MaxBodyBytes)
			in.enqueue(in.abandon)
		}
		return
	}

	b := append([]byte(nil), chunk...)
	in.enqueue(func() {
		defer in.release(len(b))
		in.feed(b)
	})
}

func (in *inspector) feed(chunk []byte) {
	if in.streamDone {
		return
	}

	r := in.p.reassembler
	merged, complete := r.Feed(in.ex.ID, chunk)
	in.p.metrics.StreamsInFlight(r.Len())

	delta := strings.TrimPrefix(merged, in.merged)
	in.merged = merged
	if complete {
		in.streamDone = true
	}

	if delta == "" && !complete {
		return
	}

	in.p.tracef(in.ex.ID, "stream delta %d bytes, complete=%t", len(delta), complete)
	in.emitStream(delta, complete, complete)
}

// abandon drops the stream's state after a chunk was lost. The buffered body
// is shown whole instead.
func (in *inspector) abandon() {
	if in.streamDone {
		return
	}

	r := in.p.reassembler
	r.Evict(in.ex.ID)
	in.p.metrics.StreamsInFlight(r.Len())
	in.p.metrics.StreamEvicted()

	in.streamDone = true
	in.abandoned = true
}

// evict ends a stream that stopped before a terminal event was seen, or
// whose terminal event was still waiting for its closing blank line.
func (in *inspector) evict() {
	if in.streamDone {
		return
	}
	in.streamDone = true

	r := in.p.reassembler
	merged, complete, existed := r.Evict(in.ex.ID)
	in.p.metrics.StreamsInFlight(r.Len())
	if !existed {
		return
	}

	if !complete {
		in.p.metrics.StreamEvicted()
		in.p.tracef(in.ex.ID, "stream ended without a terminal event")
	}

	delta := strings.TrimPrefix(merged, in.merged)
	in.merged = merged
	if merged != "" || complete {
		in.emitStream(delta, complete, true)
	}
}

// emitStream reports stream progress. Raw display mode only reports once,
// when the stream has ended.
func (in *inspector) emitStream(delta string, complete, ended bool) {
	if in.p.cfg.Chat {
		in.emit(&Event{
			Direction: DirectionResponse,
			Kind:      EventDelta,
			Text:      in.merged,
			Delta:     delta,
			Complete:  complete,
		})
		return
	}

	if ended && in.merged != "" {
		in.emit(&Event{
			Direction: DirectionResponse,
			Kind:      EventDisplay,
			Text:      in.display(in.merged),
			Complete:  complete,
		})
	}
}

func (in *inspector) processBody(direction Direction, header http.Header, body []byte, truncated bool) {
	if len(body) == 0 {
		return
	}

	cfg := in.p.cfg
	text, marker := codec.Decode(body, header.Get(headers.ContentEncoding))
	if marker != nil {
		in.p.metrics.DecodeFailure()
		in.p.tracef(in.ex.ID, "%s body not shown as text: %s", direction, marker)
		in.emit(&Event{Direction: direction, Kind: EventBinary, Text: marker.String(), Truncated: truncated})
		return
	}

	if direction == DirectionResponse && isEventStream(header) {
		if in.streaming && !in.abandoned {
			if !in.streamDone {
				// The body ended before the stream did.
				in.evict()
			}
			if in.merged != "" {
				return
			}
		}

		if cfg.Chat {
			merged, complete := stream.Merge(text)
			if merged != "" {
				in.emit(&Event{
					Direction: direction,
					Kind:      EventTurns,
					Turns:     []conversation.Turn{{Role: conversation.RoleAssistant, Kind: conversation.KindReply, Text: merged}},
					Complete:  complete,
					Truncated: truncated,
				})
				return
			}
		}

		in.emit(&Event{Direction: direction, Kind: EventDisplay, Text: in.display(text), Truncated: truncated})
		return
	}

	if cfg.Chat {
		var turns []conversation.Turn
		if direction == DirectionRequest {
			turns = conversation.ExtractRequestTurns(text, conversation.Options{Verbose: cfg.Full})
		} else {
			turns = conversation.ExtractResponseTurns(text)
		}

		if len(turns) > 0 {
			in.emit(&Event{Direction: direction, Kind: EventTurns, Turns: turns, Truncated: truncated})
			return
		}

		in.p.tracef(in.ex.ID, "%s body has no conversation turns, showing raw", direction)
	}

	in.emit(&Event{Direction: direction, Kind: EventDisplay, Text: in.display(text), Truncated: truncated})
}

func (in *inspector) display(text string) string {
	if in.p.cfg.Full {
		return text
	}

	return codec.FormatForDisplay(text)
}

func (in *inspector) emit(evt *Event) {
	evt.ExchangeID = in.ex.ID
	evt.Method = in.ex.Method
	evt.Path = in.ex.Path
	if evt.Direction == DirectionResponse {
		evt.Status = in.ex.Status
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[%s] event handler panic: %v", in.ex.ID, r)
		}
	}()

	in.p.onEvent(evt)
}

func isEventStream(h http.Header) bool {
	mediaType, _, _ := mime.ParseMediaType(h.Get(headers.ContentType))
	return mediaType == MIMEEventStream
}
