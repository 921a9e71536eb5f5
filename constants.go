package llmtap

// Version is the current version of llmtap.
const Version = "0.1.0"

// MIMEEventStream is the media type of server-sent event streams.
const MIMEEventStream = "text/event-stream"

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// Tunnel results reported to metrics.
const (
	tunnelEstablished = "established"
	tunnelFailed      = "failed"
)
