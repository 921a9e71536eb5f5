package llmtap

import "github.com/go-zoox/llmtap/conversation"

// Direction tells which half of an exchange an Event describes.
type Direction string

// Directions.
const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

// EventKind is the shape of an Event's payload.
type EventKind string

// Event kinds.
const (
	// EventTurns carries conversation turns extracted from a body.
	EventTurns EventKind = "turns"
	// EventDisplay carries a body formatted for raw display.
	EventDisplay EventKind = "display"
	// EventBinary carries a marker for a body that is not text.
	EventBinary EventKind = "binary"
	// EventDelta carries text appended to a streamed reply.
	EventDelta EventKind = "delta"
)

// Event is what the proxy hands to Config.OnEvent as bodies are observed.
type Event struct {
	ExchangeID string
	Direction  Direction
	Kind       EventKind

	Method string
	Path   string
	Status int

	Turns []conversation.Turn
	Text  string

	// Delta is the text added by this event, for EventDelta. Text then holds
	// the reply merged so far.
	Delta    string
	Complete bool

	// Truncated is set when the captured body hit the size cap.
	Truncated bool
}
