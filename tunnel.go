package llmtap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/go-zoox/logger"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// handleConnect relays a CONNECT tunnel byte for byte. The tunnel is opaque:
// nothing inside it is inspected.
func (p *Proxy) handleConnect(rw http.ResponseWriter, req *http.Request) {
	id := uuid.New().String()

	hj, ok := rw.(http.Hijacker)
	if !ok {
		http.Error(rw, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	target := req.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}
	logger.Infof("[%s] CONNECT %s", id, target)

	clientConn, brw, err := hj.Hijack()
	if err != nil {
		logger.Errorf("[%s] hijack: %v", id, err)
		return
	}

	ctx := req.Context()

	serverConn, err := p.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrUpstreamUnreachable, target, err)
		logger.Errorf("[%s] %v", id, err)
		p.metrics.Tunnel(tunnelFailed)

		_, _ = writeError(brw, err, http.StatusBadGateway)
		_ = brw.Flush()
		_ = clientConn.Close()
		return
	}
	p.metrics.Tunnel(tunnelEstablished)

	_, _ = brw.WriteString(connectEstablished)
	if err := brw.Flush(); err != nil {
		_ = clientConn.Close()
		_ = serverConn.Close()
		return
	}

	// Bytes the client pipelined behind the CONNECT line are already buffered.
	var client net.Conn = clientConn
	if n := brw.Reader.Buffered(); n > 0 {
		client = &bufferedConn{Conn: clientConn, r: brw.Reader}
	}

	if err := CopyBidirectional(ctx, client, serverConn); err != nil {
		p.tracef(id, "tunnel closed: %v", err)
	}
	p.tracef(id, "tunnel to %s closed", target)
}

// CopyBidirectional relays between left and right until either side closes,
// then closes both.
func CopyBidirectional(ctx context.Context, left, right net.Conn) error {
	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	g.Go(func() error {
		_, err := io.Copy(left, right)
		closeBoth()
		return err
	})

	g.Go(func() error {
		_, err := io.Copy(right, left)
		closeBoth()
		return err
	})

	// If the context is canceled, ensure we close both sides to unblock Copy.
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	err := g.Wait()
	if isClosedConnError(err) {
		return nil
	}

	return err
}

// writeError simulates http.Error() for use on a hijacked connection.
func writeError(brw *bufio.ReadWriter, err error, code int) (int, error) {
	return fmt.Fprintf(brw, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nConnection: close\r\n\r\n%s\r\n", code, http.StatusText(code), err.Error())
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

// Read drains the hijacked reader first, then reads the connection directly.
func (c *bufferedConn) Read(p []byte) (int, error) {
	if c.r != nil {
		if c.r.Buffered() > 0 {
			return c.r.Read(p)
		}
		c.r = nil
	}

	return c.Conn.Read(p)
}

func isClosedConnError(err error) bool {
	return err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
