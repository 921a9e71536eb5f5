package llmtap

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/go-zoox/llmtap/dialer"
)

func newTransport(cfg *Config, d dialer.Dialer) *http.Transport {
	return &http.Transport{
		DialContext:       d.DialContext,
		ForceAttemptHTTP2: true,
		// Bodies are relayed exactly as the upstream encoded them.
		DisableCompression:    true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   cfg.DialTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ClientSessionCache: tls.NewLRUClientSessionCache(0),
		},
	}
}

func (p *Proxy) createResponse(req *http.Request) (*http.Response, error) {
	res, err := p.transport.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
	}

	return res, nil
}
