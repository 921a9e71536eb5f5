package llmtap

import (
	"bytes"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Exchange is one client request paired with its upstream response.
type Exchange struct {
	ID     string
	Start  time.Time
	Method string
	Path   string

	RequestHeader  http.Header
	Status         int
	ResponseHeader http.Header

	request  *bodyBuffer
	response *bodyBuffer
}

func newExchange(req *http.Request, maxBodyBytes int64) *Exchange {
	return &Exchange{
		ID:            uuid.New().String(),
		Start:         time.Now(),
		Method:        req.Method,
		Path:          req.URL.RequestURI(),
		RequestHeader: req.Header.Clone(),
		request:       newBodyBuffer(maxBodyBytes),
		response:      newBodyBuffer(maxBodyBytes),
	}
}

// bodyBuffer accumulates a copy of a body up to limit bytes. After seal it
// ignores further writes.
type bodyBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int64
	truncated bool
	sealed    bool
}

func newBodyBuffer(limit int64) *bodyBuffer {
	return &bodyBuffer{limit: limit}
}

func (b *bodyBuffer) Write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed {
		return
	}

	if b.limit > 0 {
		room := b.limit - int64(b.buf.Len())
		if room <= 0 {
			b.truncated = true
			return
		}
		if int64(len(p)) > room {
			p = p[:room]
			b.truncated = true
		}
	}

	b.buf.Write(p)
}

// seal stops accumulation and returns what was captured.
func (b *bodyBuffer) seal() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sealed = true
	return b.buf.Bytes(), b.truncated
}

// observedBody passes reads through unchanged and reports each chunk, then
// calls done once at EOF, on a read error or on Close, whichever comes first.
type observedBody struct {
	io.ReadCloser

	onChunk func(p []byte)
	onDone  func()
	once    sync.Once
}

func (b *observedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.onChunk(p[:n])
	}
	if err != nil {
		b.done()
	}

	return n, err
}

func (b *observedBody) Close() error {
	b.done()
	return b.ReadCloser.Close()
}

func (b *observedBody) done() {
	b.once.Do(b.onDone)
}
