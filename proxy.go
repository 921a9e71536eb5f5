// Package llmtap is a transparent forward proxy that shows the conversation
// flowing through it.
//
// Every non-CONNECT request is forwarded to one fixed upstream with its Host
// header rewritten; CONNECT requests become opaque tunnels. When body
// inspection is on, each exchange gets its own inspection goroutine that
// decodes the captured bodies and reports them to Config.OnEvent as
// conversation turns, streamed reply deltas or raw display text. Forwarding
// never waits on inspection and never alters a forwarded byte.
package llmtap

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-zoox/headers"
	"github.com/go-zoox/logger"

	"github.com/go-zoox/llmtap/codec"
	"github.com/go-zoox/llmtap/dialer"
	"github.com/go-zoox/llmtap/metrics"
	"github.com/go-zoox/llmtap/sse"
	"github.com/go-zoox/llmtap/stream"
)

// Proxy forwards to a single upstream and observes what passes through.
type Proxy struct {
	cfg Config

	onRequest  func(req *http.Request) error
	onResponse func(res *http.Response) error
	onError    func(err error, rw http.ResponseWriter, req *http.Request)
	onEvent    func(evt *Event)

	dialer      dialer.Dialer
	transport   http.RoundTripper
	reassembler *stream.Reassembler
	metrics     *metrics.Metrics
	bufferPool  BufferPool
}

// New creates a new Proxy. Zero-valued fields of cfg take their defaults.
func New(cfg *Config) (*Proxy, error) {
	c := *cfg
	ApplyDefaults(&c)
	if err := c.Validate(); err != nil {
		return nil, err
	}

	d := c.Dialer
	if d == nil {
		var err error
		d, err = dialer.New(dialer.Config{DialTimeout: c.DialTimeout, NegotiationTimeout: c.DialTimeout}, c.Egress)
		if err != nil {
			return nil, fmt.Errorf("egress %q: %w", c.Egress, err)
		}
	}

	onError := c.OnError
	if onError == nil {
		onError = defaultOnError
	}

	onEvent := c.OnEvent
	if onEvent == nil {
		onEvent = defaultOnEvent
	}

	p := &Proxy{
		cfg:         c,
		onRequest:   c.OnRequest,
		onResponse:  c.OnResponse,
		onError:     onError,
		onEvent:     onEvent,
		dialer:      d,
		reassembler: stream.New(),
		metrics:     c.Metrics,
		bufferPool:  newBufferPool(32 * 1024),
	}
	p.transport = newTransport(&c, d)
	p.reassembler.OnMalformed = func(id string, ev sse.Event) {
		p.metrics.MalformedPayload()
		logger.Errorf("[%s] malformed %s payload, delta treated as empty", id, ev.Type)
	}
	p.reassembler.MaxPending = int(c.MaxBodyBytes)
	p.reassembler.OnOverflow = func(id string, size int) {
		logger.Errorf("[%s] %d bytes without a frame boundary, tail discarded", id, size)
	}

	return p, nil
}

// InFlightStreams reports how many event streams await a terminal event.
func (p *Proxy) InFlightStreams() int {
	return p.reassembler.Len()
}

// ServeHTTP is the entry point for the proxy.
func (p *Proxy) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	if strings.EqualFold(req.Method, http.MethodConnect) {
		p.handleConnect(rw, req)
		return
	}

	p.forward(rw, req)
}

func (p *Proxy) forward(rw http.ResponseWriter, req *http.Request) {
	ex := newExchange(req, p.cfg.MaxBodyBytes)
	logger.Infof("[%s] %s %s => %s://%s", ex.ID, ex.Method, ex.Path, p.cfg.TargetScheme(), p.cfg.TargetAddr())

	in := p.newInspector(ex)
	defer in.finish()

	// create request by origin request
	request, err := p.createRequest(req.Context(), req, ex, in)
	if err != nil {
		p.fail(ex, err, rw, req)
		return
	}
	if request.Body != nil {
		// Reading from the request body after returning from a handler is not
		// allowed, and the RoundTrip goroutine that reads the Body can outlive
		// this handler. Although calling Close doesn't guarantee there isn't
		// any Read in flight after the handle returns, in practice it's safe to
		// read after closing it.
		defer request.Body.Close()
	}

	// create response by execute request
	response, err := p.createResponse(request)
	if err != nil {
		p.fail(ex, err, rw, request)
		return
	}
	ex.Status = response.StatusCode
	ex.ResponseHeader = response.Header.Clone()
	p.metrics.Exchange(ex.Method, response.StatusCode)
	p.tracef(ex.ID, "upstream %d %s after %s", response.StatusCode, response.Header.Get(headers.ContentType), time.Since(ex.Start))

	// Deal with 101 Switching Protocols response: WebSocket, h2c, etc
	if response.StatusCode == http.StatusSwitchingProtocols {
		if !p.modifyResponse(rw, response, request) {
			return
		}

		p.handleUpgrade(rw, request, response)
		return
	}

	cleanResponseHeaders(response.Header)

	if !p.modifyResponse(rw, response, request) {
		return
	}

	copyHeaders(rw.Header(), response.Header)

	// The "Trailer" header isn't included in the Transport's response,
	// at least for *http.Transport. Build it up from Trailer.
	announcedTrailers := len(response.Trailer)
	if announcedTrailers > 0 {
		trailerKeys := make([]string, 0, len(response.Trailer))
		for k := range response.Trailer {
			trailerKeys = append(trailerKeys, k)
		}
		rw.Header().Add("Trailer", strings.Join(trailerKeys, ", "))
	}

	rw.WriteHeader(response.StatusCode)

	body := p.observeResponse(ex, in, response)
	if err := p.copyResponse(rw, body, p.flushInterval(response)); err != nil {
		defer body.Close()

		logger.Errorf("[%s] copy response: %v", ex.ID, err)

		// Since we're streaming the response, if we run into an error all we can do
		// is abort the request.
		if !shouldPanicOnCopyError(request) {
			return
		}

		panic(http.ErrAbortHandler)
	}

	body.Close() // close now, instead of defer, to populate res.Trailer
	if len(response.Trailer) > 0 {
		// Force chunking if we saw a response trailer
		// This prevents net/http from calculating the length for short
		// bodies and adding a Content-Length
		if fl, ok := rw.(http.Flusher); ok {
			fl.Flush()
		}
	}

	updateResponseTrailerHeaders(rw, response, announcedTrailers)
	p.tracef(ex.ID, "done in %s", time.Since(ex.Start))
}

// observeResponse wraps the response body so chunks are counted and, when
// inspecting, mirrored into the exchange.
func (p *Proxy) observeResponse(ex *Exchange, in *inspector, res *http.Response) io.ReadCloser {
	streaming := in != nil && p.cfg.MergeStreams && isEventStream(res.Header) &&
		codec.NormalizeEncoding(res.Header.Get(headers.ContentEncoding)) == codec.EncodingIdentity
	if streaming {
		in.startStream()
	}

	header := ex.ResponseHeader
	return &observedBody{
		ReadCloser: res.Body,
		onChunk: func(chunk []byte) {
			p.metrics.Bytes(string(DirectionResponse), len(chunk))
			if in == nil {
				return
			}
			ex.response.Write(chunk)
			if streaming {
				in.streamChunk(chunk)
			}
		},
		onDone: func() {
			in.body(DirectionResponse, ex.response, header)
		},
	}
}

func (p *Proxy) fail(ex *Exchange, err error, rw http.ResponseWriter, req *http.Request) {
	logger.Errorf("[%s] %s %s: %v", ex.ID, ex.Method, ex.Path, err)
	p.metrics.Exchange(ex.Method, 0)
	p.onError(err, rw, req)
}

func (p *Proxy) tracef(id string, format string, args ...interface{}) {
	if !p.cfg.Trace {
		return
	}

	logger.Infof("[%s] "+format, append([]interface{}{id}, args...)...)
}

func (p *Proxy) modifyResponse(rw http.ResponseWriter, res *http.Response, req *http.Request) bool {
	if p.onResponse == nil {
		return true
	}

	if err := p.onResponse(res); err != nil {
		res.Body.Close()
		p.onError(err, rw, req)
		return false
	}

	return true
}

func (p *Proxy) copyResponse(dst io.Writer, src io.Reader, flushInterval time.Duration) error {
	if flushInterval != 0 {
		if wf, ok := dst.(writeFlusher); ok {
			mlw := &maxLatencyWriter{
				dst:     wf,
				latency: flushInterval,
			}
			defer mlw.stop()

			// set up initial timer so headers get flushed even if body writes are delayed
			mlw.flushPending = true
			mlw.t = time.AfterFunc(flushInterval, mlw.delayedFlush)

			dst = mlw
		}
	}

	var buf []byte
	if p.bufferPool != nil {
		buf = p.bufferPool.Get()
		defer p.bufferPool.Put(buf)
	}
	_, err := copyBuffer(dst, src, buf)
	return err
}

func (p *Proxy) flushInterval(res *http.Response) time.Duration {
	resCT := res.Header.Get(headers.ContentType)

	// For Server-Sent Events response, flush immediately
	// The MIME type is defined in https://www.w3.org/TR/eventsource/#text-event-stream
	if baseCT, _, _ := mime.ParseMediaType(resCT); baseCT == MIMEEventStream {
		return -1 // negative means immediately
	}

	// We might have the case of streaming for which Content-Length might be unset.
	if res.ContentLength == -1 {
		return -1
	}

	return 0
}

func (p *Proxy) handleUpgrade(rw http.ResponseWriter, req *http.Request, res *http.Response) {
	defer res.Body.Close()

	reqUpType := upgradeType(req.Header)
	resUpType := upgradeType(res.Header)
	if !isPrint(resUpType) {
		p.onError(fmt.Errorf("backend tried to switch to invalid protocol %q", resUpType), rw, req)
		return
	}
	if !strings.EqualFold(reqUpType, resUpType) {
		p.onError(fmt.Errorf("backend tried to switch protocol %q when %q was requested", resUpType, reqUpType), rw, req)
		return
	}

	hj, ok := rw.(http.Hijacker)
	if !ok {
		p.onError(fmt.Errorf("can't switch protocols using non-Hijacker ResponseWriter type %T", rw), rw, req)
		return
	}
	backConn, ok := res.Body.(io.ReadWriteCloser)
	if !ok {
		p.onError(fmt.Errorf("internal error: 101 switching protocols response with non-writable body"), rw, req)
		return
	}

	backConnCloseCh := make(chan bool)
	go func() {
		// Ensure that the cancellation of a request closes the backend.
		// See issue https://golang.org/issue/35559.
		select {
		case <-req.Context().Done():
		case <-backConnCloseCh:
		}
		backConn.Close()
	}()

	defer close(backConnCloseCh)

	conn, brw, err := hj.Hijack()
	if err != nil {
		p.onError(fmt.Errorf("hijack failed on protocol switch: %v", err), rw, req)
		return
	}
	defer conn.Close()

	copyHeaders(rw.Header(), res.Header)

	res.Header = rw.Header()
	res.Body = nil // so res.Write only writes the headers; we have res.Body in backConn above
	if err := res.Write(brw); err != nil {
		p.onError(fmt.Errorf("response write: %v", err), rw, req)
		return
	}
	if err := brw.Flush(); err != nil {
		p.onError(fmt.Errorf("response flush: %v", err), rw, req)
		return
	}
	errc := make(chan error, 1)
	spc := switchProtocolCopier{user: conn, backend: backConn}
	go spc.copyToBackend(errc)
	go spc.copyFromBackend(errc)
	<-errc
}
