package llmtap

import (
	"context"
	"net"
	"net/http"
)

// Server serves a Proxy on a listener.
type Server struct {
	ctx context.Context
	srv *http.Server
}

// NewServer wraps p in an http.Server whose request contexts derive from ctx.
func NewServer(ctx context.Context, p *Proxy) *Server {
	if ctx == nil {
		ctx = context.Background()
	}

	s := &Server{ctx: ctx}
	s.srv = &http.Server{
		Handler: p,
		BaseContext: func(net.Listener) context.Context {
			return s.ctx
		},
	}
	return s
}

// Serve accepts connections on ln until Close.
func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Close stops the server.
func (s *Server) Close() error {
	return s.srv.Close()
}
