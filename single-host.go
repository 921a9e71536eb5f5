package llmtap

import (
	"fmt"
	"net/url"
	"strconv"
)

// NewSingleHost creates a Proxy for the upstream named by target, a URL such
// as https://api.anthropic.com or http://127.0.0.1:8080. The scheme selects
// TLS and supplies the default port. cfg, if given, provides everything else.
//
// Example:
//
//	p, err := NewSingleHost("https://api.anthropic.com", &Config{
//		LogBodies: true,
//		Chat:      true,
//		OnEvent: func(evt *Event) {
//			// render evt
//		},
//	})
func NewSingleHost(target string, cfg ...*Config) (*Proxy, error) {
	host, port, useTLS, err := ParseTarget(target)
	if err != nil {
		return nil, err
	}

	cfgX := DefaultConfig()
	if len(cfg) != 0 && cfg[0] != nil {
		c := *cfg[0]
		cfgX = &c
	}

	cfgX.TargetHost = host
	cfgX.TargetPort = port
	cfgX.TargetTLS = useTLS

	return New(cfgX)
}

// ParseTarget splits an upstream URL into host, port and whether it uses TLS.
func ParseTarget(target string) (host string, port int, useTLS bool, err error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", 0, false, fmt.Errorf("invalid proxy target: %s", err)
	}

	switch u.Scheme {
	case "https":
		useTLS = true
		port = 443
	case "http":
		port = 80
	default:
		return "", 0, false, fmt.Errorf("invalid proxy target: unsupported scheme %q", u.Scheme)
	}

	host = u.Hostname()
	if host == "" {
		return "", 0, false, fmt.Errorf("invalid proxy target: missing host in %q", target)
	}

	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, false, fmt.Errorf("invalid proxy target: %s", err)
		}
	}

	return host, port, useTLS, nil
}
