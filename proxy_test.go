package llmtap

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"testing"
	"time"
)

const fakeHopHeader = "X-Fake-Hop-Header-For-Test"

func init() {
	inOurTests = true
	hopHeaders = append(hopHeaders, fakeHopHeader)
}

func newTestProxy(t *testing.T, target string, cfg *Config) (*Proxy, *httptest.Server) {
	t.Helper()

	p, err := NewSingleHost(target, cfg)
	if err != nil {
		t.Fatalf("NewSingleHost: %v", err)
	}
	frontend := httptest.NewServer(p)
	t.Cleanup(frontend.Close)

	return p, frontend
}

type eventSink chan *Event

func newEventSink() eventSink {
	return make(eventSink, 64)
}

func (s eventSink) onEvent(evt *Event) {
	s <- evt
}

func (s eventSink) next(t *testing.T) *Event {
	t.Helper()

	select {
	case evt := <-s:
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestProxy(t *testing.T) {
	const backendResponse = "I am the backend"
	const backendStatus = 404
	var backendHost string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "GET" && r.FormValue("mode") == "hangup" {
			c, _, _ := w.(http.Hijacker).Hijack()
			c.Close()
			return
		}
		if len(r.TransferEncoding) > 0 {
			t.Errorf("backend got unexpected TransferEncoding: %v", r.TransferEncoding)
		}
		if r.Header.Get("X-Forwarded-For") != "" {
			t.Errorf("got X-Forwarded-For header %q", r.Header.Get("X-Forwarded-For"))
		}
		if c := r.Header.Get("Connection"); c != "" {
			t.Errorf("handler got Connection header value %q", c)
		}
		if c := r.Header.Get("Te"); c != "trailers" {
			t.Errorf("handler got Te header value %q; want 'trailers'", c)
		}
		if c := r.Header.Get("Upgrade"); c != "" {
			t.Errorf("handler got Upgrade header value %q", c)
		}
		if c := r.Header.Get("Proxy-Connection"); c != "" {
			t.Errorf("handler got Proxy-Connection header value %q", c)
		}
		if c := r.Header.Get("X-Api-Key"); c != "secret" {
			t.Errorf("handler got X-Api-Key header value %q", c)
		}
		if g, e := r.Host, backendHost; g != e {
			t.Errorf("backend got Host header %q, want %q", g, e)
		}
		if g, e := r.URL.RequestURI(), "/v1/messages?beta=true"; g != e {
			t.Errorf("backend got path %q, want %q", g, e)
		}
		w.Header().Set("Trailers", "not a special header field name")
		w.Header().Set("Trailer", "X-Trailer")
		w.Header().Set("X-Foo", "bar")
		w.Header().Set("Upgrade", "foo")
		w.Header().Set(fakeHopHeader, "foo")
		w.Header().Add("X-Multi-Value", "foo")
		w.Header().Add("X-Multi-Value", "bar")
		http.SetCookie(w, &http.Cookie{Name: "flavor", Value: "chocolateChip"})
		w.WriteHeader(backendStatus)
		w.Write([]byte(backendResponse))
		w.Header().Set("X-Trailer", "trailer_value")
		w.Header().Set(http.TrailerPrefix+"X-Unannounced-Trailer", "unannounced_trailer_value")
	}))
	defer backend.Close()

	backendURL, err := url.Parse(backend.URL)
	if err != nil {
		t.Fatal(err)
	}
	backendHost = backendURL.Host

	_, frontend := newTestProxy(t, backend.URL, &Config{})
	frontendClient := frontend.Client()

	getReq, _ := http.NewRequest("GET", frontend.URL+"/v1/messages?beta=true", nil)
	getReq.Host = "some-name"
	getReq.Header.Set("Connection", "close, TE")
	getReq.Header.Add("Te", "foo")
	getReq.Header.Add("Te", "bar, trailers")
	getReq.Header.Set("Proxy-Connection", "should be deleted")
	getReq.Header.Set("Upgrade", "foo")
	getReq.Header.Set("X-Api-Key", "secret")
	getReq.Close = true
	res, err := frontendClient.Do(getReq)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if g, e := res.StatusCode, backendStatus; g != e {
		t.Errorf("got res.StatusCode %d; expected %d", g, e)
	}
	if g, e := res.Header.Get("X-Foo"), "bar"; g != e {
		t.Errorf("got X-Foo %q; expected %q", g, e)
	}
	if c := res.Header.Get(fakeHopHeader); c != "" {
		t.Errorf("got %s header value %q", fakeHopHeader, c)
	}
	if g, e := res.Header.Get("Trailers"), "not a special header field name"; g != e {
		t.Errorf("header Trailers = %q; want %q", g, e)
	}
	if g, e := len(res.Header["X-Multi-Value"]), 2; g != e {
		t.Errorf("got %d X-Multi-Value header values; expected %d", g, e)
	}
	if g, e := len(res.Header["Set-Cookie"]), 1; g != e {
		t.Fatalf("got %d SetCookies, want %d", g, e)
	}
	if g, e := res.Trailer, (http.Header{"X-Trailer": nil}); !reflect.DeepEqual(g, e) {
		t.Errorf("before reading body, Trailer = %#v; want %#v", g, e)
	}
	if cookie := res.Cookies()[0]; cookie.Name != "flavor" {
		t.Errorf("unexpected cookie %q", cookie.Name)
	}
	bodyBytes, _ := io.ReadAll(res.Body)
	if g, e := string(bodyBytes), backendResponse; g != e {
		t.Errorf("got body %q; expected %q", g, e)
	}
	if g, e := res.Trailer.Get("X-Trailer"), "trailer_value"; g != e {
		t.Errorf("Trailer(X-Trailer) = %q ; want %q", g, e)
	}
	if g, e := res.Trailer.Get("X-Unannounced-Trailer"), "unannounced_trailer_value"; g != e {
		t.Errorf("Trailer(X-Unannounced-Trailer) = %q ; want %q", g, e)
	}

	// Test that a backend failing to be reached or one which doesn't return
	// a response results in a StatusBadGateway.
	getReq, _ = http.NewRequest("GET", frontend.URL+"/?mode=hangup", nil)
	getReq.Close = true
	res, err = frontendClient.Do(getReq)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadGateway {
		t.Errorf("request to bad proxy = %v; want 502 StatusBadGateway", res.Status)
	}
}

func TestProxyUpstreamUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, frontend := newTestProxy(t, "http://"+addr, &Config{})

	res, err := frontend.Client().Get(frontend.URL + "/v1/messages")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", res.StatusCode, http.StatusBadGateway)
	}
	body, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(body), ErrUpstreamUnreachable.Error()) {
		t.Errorf("body = %q, want it to mention %q", body, ErrUpstreamUnreachable)
	}
}

func newUpgradeBackend(t *testing.T, protocol string) *httptest.Server {
	t.Helper()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if upgradeType(r.Header) != "echo" {
			http.Error(w, "upgrade not requested", http.StatusBadRequest)
			return
		}

		conn, brw, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Error(err)
			return
		}
		defer conn.Close()

		brw.WriteString("HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: " + protocol + "\r\n\r\n")
		brw.Flush()
		io.Copy(conn, brw)
	}))
	t.Cleanup(backend.Close)

	return backend
}

func dialUpgrade(t *testing.T, frontend *httptest.Server) (net.Conn, *bufio.Reader, *http.Response) {
	t.Helper()

	conn, err := net.DialTimeout("tcp", frontend.Listener.Addr().String(), 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	io.WriteString(conn, "GET /socket HTTP/1.1\r\nHost: llmtap.test\r\nConnection: Upgrade\r\nUpgrade: echo\r\n\r\n")

	br := bufio.NewReader(conn)
	res, err := http.ReadResponse(br, &http.Request{Method: http.MethodGet})
	if err != nil {
		t.Fatal(err)
	}

	return conn, br, res
}

func TestProxySwitchingProtocols(t *testing.T) {
	backend := newUpgradeBackend(t, "echo")
	_, frontend := newTestProxy(t, backend.URL, &Config{})

	conn, br, res := dialUpgrade(t, frontend)
	if res.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d, want 101", res.StatusCode)
	}
	if got := upgradeType(res.Header); got != "echo" {
		t.Errorf("upgrade = %q, want %q", got, "echo")
	}

	if _, err := io.WriteString(conn, "ping"); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(br, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "ping" {
		t.Errorf("relayed = %q, want %q", buf, "ping")
	}
}

func TestProxySwitchingProtocolsMismatch(t *testing.T) {
	backend := newUpgradeBackend(t, "other")
	_, frontend := newTestProxy(t, backend.URL, &Config{})

	_, _, res := dialUpgrade(t, frontend)
	if res.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", res.StatusCode)
	}
}

func TestProxyForwardsBodyUnchanged(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789\x00abcdef"), 8192)

	for _, inspect := range []bool{false, true} {
		received := make(chan []byte, 1)
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b, _ := io.ReadAll(r.Body)
			received <- b
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write(b)
		}))

		_, frontend := newTestProxy(t, backend.URL, &Config{
			LogBodies:    inspect,
			Chat:         true,
			MaxBodyBytes: 1024,
			OnEvent:      func(*Event) {},
		})

		res, err := frontend.Client().Post(frontend.URL+"/upload", "application/octet-stream", bytes.NewReader(payload))
		if err != nil {
			t.Fatalf("inspect=%t: %v", inspect, err)
		}
		echoed, _ := io.ReadAll(res.Body)
		res.Body.Close()

		if got := <-received; !bytes.Equal(got, payload) {
			t.Errorf("inspect=%t: upstream got %d bytes, want %d identical bytes", inspect, len(got), len(payload))
		}
		if !bytes.Equal(echoed, payload) {
			t.Errorf("inspect=%t: client got %d bytes, want %d identical bytes", inspect, len(echoed), len(payload))
		}

		backend.Close()
	}
}

func TestProxyOnRequestError(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend should not be reached")
	}))
	defer backend.Close()

	_, frontend := newTestProxy(t, backend.URL, &Config{
		OnRequest: func(req *http.Request) error {
			return NewHTTPError(http.StatusForbidden, "blocked")
		},
	})

	res, err := frontend.Client().Get(frontend.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
}

func TestFlushInterval(t *testing.T) {
	p := &Proxy{}

	tests := []struct {
		contentType   string
		contentLength int64
		want          time.Duration
	}{
		{"text/event-stream", 100, -1},
		{"text/event-stream; charset=utf-8", 100, -1},
		{"application/json", -1, -1},
		{"application/json", 100, 0},
	}

	for _, tt := range tests {
		res := &http.Response{Header: http.Header{"Content-Type": {tt.contentType}}, ContentLength: tt.contentLength}
		if got := p.flushInterval(res); got != tt.want {
			t.Errorf("flushInterval(%q, %d) = %v, want %v", tt.contentType, tt.contentLength, got, tt.want)
		}
	}
}
