// Package dialer provides the outbound connections used by the proxy, both
// for forwarded requests and for CONNECT tunnels. Connections go out directly
// or through an egress proxy (HTTP CONNECT or SOCKS5).
package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Dialer mirrors the net.Dialer interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds settings shared by every dialer.
type Config struct {
	DialTimeout        time.Duration
	NegotiationTimeout time.Duration
}

// New parses egress and constructs the matching Dialer.
//
// Supported schemes:
//   - direct://
//   - http://[user:pass@]host:port
//   - socks5://[user:pass@]host:port
func New(cfg Config, egress string) (Dialer, error) {
	if egress == "" {
		return NewDirectDialer(cfg), nil
	}

	u, err := url.Parse(egress)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)

	if u.Path != "" && u.Path != "/" {
		return nil, errors.New("invalid url: path should be empty")
	}

	switch u.Scheme {
	case "":
		return nil, errors.New("invalid url: missing scheme")
	case "direct":
		return NewDirectDialer(cfg), nil
	case "http", "socks5":
		if u.Hostname() == "" {
			return nil, errors.New("invalid url: missing host")
		}
		if u.Port() == "" {
			u.Host = net.JoinHostPort(u.Hostname(), defaultPortForScheme(u.Scheme))
		}

		var user, pass string
		if u.User != nil {
			user = u.User.Username()
			pass, _ = u.User.Password()
		}

		if u.Scheme == "http" {
			return NewHTTPProxyDialer(cfg, u.Host, user, pass), nil
		}
		return NewSOCKS5ProxyDialer(cfg, u.Host, user, pass), nil
	default:
		return nil, fmt.Errorf("invalid url scheme: %q", u.Scheme)
	}
}

func defaultPortForScheme(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "socks5":
		return "1080"
	default:
		return ""
	}
}
