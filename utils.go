package llmtap

import (
	"errors"
	"io"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/go-zoox/headers"
	"github.com/go-zoox/logger"
	"golang.org/x/net/http/httpguts"
)

func getUpgradeType(h http.Header) string {
	if strings.ToLower(h.Get(headers.Connection)) == "upgrade" {
		return strings.ToLower(h.Get(headers.Upgrade))
	}

	return ""
}

// Hop-by-hop headers. These are removed when sent to the backend.
// As of RFC 7230, hop-by-hop headers are required to appear in the
// Connection header field. These are the headers defined by the
// obsoleted RFC 2616 (section 13.5.1) and are used for backward
// compatibility.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection", // non-standard but still sent by libcurl and rejected by e.g. google
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",      // canonicalized version of "TE"
	"Trailer", // not Trailers per URL above; https://www.rfc-editor.org/errata_search.php?eid=4522
	"Transfer-Encoding",
	"Upgrade",
}

func cleanRequestHeaders(h http.Header) {
	// Issue 21096: tell backend applications that care about trailer support
	// that we support trailers. Look before the Connection tokens are removed.
	wantTrailers := httpguts.HeaderValuesContainsToken(h["Te"], "trailers")

	removeConnectionHeaders(h)
	removeCommonHeaders(h)

	if wantTrailers {
		h.Set("Te", "trailers")
	}

	// Keep the client's User-Agent, even an absent one; the Transport would
	// otherwise add its own.
	if _, ok := h[headers.UserAgent]; !ok {
		h.Set(headers.UserAgent, "")
	}
}

func updateRequestUpgradeHeaders(h http.Header, upgrade string) {
	// After stripping all the hop-by-hop connection headers above, add back any
	// necessary for protocol upgrades, such as for websockets
	if upgrade != "" {
		h.Set(headers.Connection, "Upgrade")
		h.Set(headers.Upgrade, upgrade)
	}
}

func cleanResponseHeaders(h http.Header) {
	removeConnectionHeaders(h)
	removeCommonHeaders(h)
}

func updateResponseTrailerHeaders(rw http.ResponseWriter, response *http.Response, announcedTrailers int) {
	if len(response.Trailer) == announcedTrailers {
		copyHeaders(rw.Header(), response.Trailer)
		return
	}

	for k, vv := range response.Trailer {
		k = http.TrailerPrefix + k
		for _, v := range vv {
			rw.Header().Add(k, v)
		}
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func removeCommonHeaders(h http.Header) {
	for _, header := range hopHeaders {
		h.Del(header)
	}
}

func removeConnectionHeaders(h http.Header) {
	for _, f := range h["Connection"] {
		for _, sf := range strings.Split(f, ",") {
			if sf = textproto.TrimString(sf); sf != "" {
				h.Del(sf)
			}
		}
	}
}

func copyBuffer(dst io.Writer, src io.Reader, buf []byte) (int64, error) {
	if len(buf) == 0 {
		buf = make([]byte, 32*1024)
	}

	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}

		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}

			return written, rerr
		}
	}
}

var inOurTests bool // whether we're in our own tests
func shouldPanicOnCopyError(req *http.Request) bool {
	if inOurTests {
		// Our tests know to handle this panic.
		return true
	}

	if req.Context().Value(http.ServerContextKey) != nil {
		// We seem to be running under an HTTP server, so
		// it'll recover the panic
		return true
	}

	return false
}

func defaultOnError(err error, rw http.ResponseWriter, req *http.Request) {
	status := http.StatusInternalServerError
	message := err.Error()

	var errX *HTTPError
	if errors.As(err, &errX) {
		status = errX.Status()
	} else if errors.Is(err, ErrUpstreamUnreachable) {
		status = http.StatusBadGateway
	}

	rw.Header().Set(headers.ContentType, "text/plain; charset=utf-8")
	rw.WriteHeader(status)
	rw.Write([]byte(message))
}

func defaultOnEvent(evt *Event) {
	switch evt.Kind {
	case EventTurns:
		for _, turn := range evt.Turns {
			logger.Infof("[%s] %s %s: %s", evt.ExchangeID, evt.Direction, turn.Role, turn.Text)
		}
	case EventDelta:
		if evt.Complete {
			logger.Infof("[%s] %s assistant: %s", evt.ExchangeID, evt.Direction, evt.Text)
		}
	default:
		logger.Infof("[%s] %s body:\n%s", evt.ExchangeID, evt.Direction, evt.Text)
	}
}

func upgradeType(h http.Header) string {
	if strings.ToLower(h.Get(headers.Connection)) != "upgrade" {
		return ""
	}

	return h.Get(headers.Upgrade)
}

func isPrint(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < ' ' || s[i] > '~' {
			return false
		}
	}

	return true
}

// switchProtocolCopier exists so goroutines proxying data back and
// forth have nice names in stacks.
type switchProtocolCopier struct {
	user, backend io.ReadWriter
}

func (c switchProtocolCopier) copyFromBackend(errc chan<- error) {
	_, err := io.Copy(c.user, c.backend)
	errc <- err
}

func (c switchProtocolCopier) copyToBackend(errc chan<- error) {
	_, err := io.Copy(c.backend, c.user)
	errc <- err
}

type writeFlusher interface {
	io.Writer
	http.Flusher
}

type maxLatencyWriter struct {
	dst     writeFlusher
	latency time.Duration // non-zero; negative means to flush immediately

	mu           sync.Mutex // protects t, flushPending, and dst.Flush
	t            *time.Timer
	flushPending bool
}

func (m *maxLatencyWriter) Write(p []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err = m.dst.Write(p)
	if m.latency < 0 {
		m.dst.Flush()
		return
	}

	if m.flushPending {
		return
	}

	if m.t == nil {
		m.t = time.AfterFunc(m.latency, m.delayedFlush)
	} else {
		m.t.Reset(m.latency)
	}

	m.flushPending = true
	return
}

func (m *maxLatencyWriter) delayedFlush() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.flushPending { // if stop was called but AfterFunc already started this goroutine
		return
	}

	m.dst.Flush()
	m.flushPending = false
}

func (m *maxLatencyWriter) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flushPending = false
	if m.t != nil {
		m.t.Stop()
	}
}
