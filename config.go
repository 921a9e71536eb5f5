package llmtap

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/go-zoox/llmtap/dialer"
	"github.com/go-zoox/llmtap/metrics"
)

// Default values for configuration fields.
const (
	DefaultPort         = 8000
	DefaultHost         = "127.0.0.1"
	DefaultTargetHost   = "api.anthropic.com"
	DefaultTargetPort   = 443
	DefaultMaxBodyBytes = 10 << 20
	DefaultDialTimeout  = 10 * time.Second
	DefaultEgress       = "direct://"
)

// Config is the configuration for the Proxy.
type Config struct {
	// Port and Host are where the proxy listens.
	Port int    `yaml:"port"`
	Host string `yaml:"host"`

	// TargetHost and TargetPort name the single upstream every forwarded
	// request goes to. TargetTLS selects https.
	TargetHost string `yaml:"target_host"`
	TargetPort int    `yaml:"target_port"`
	TargetTLS  bool   `yaml:"target_tls"`

	// TLS serves the listener over TLS, with TLSCert and TLSKey or with a
	// generated self-signed certificate when both are empty.
	TLS     bool   `yaml:"tls"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`

	// LogBodies captures and inspects request and response bodies.
	LogBodies bool `yaml:"log_bodies"`

	// MergeStreams reassembles event-stream responses as they arrive.
	// It implies body inspection.
	MergeStreams bool `yaml:"merge_streams"`

	// Trace logs diagnostic detail for every exchange.
	Trace bool `yaml:"trace"`

	// Chat presents bodies as conversation turns instead of raw text.
	Chat bool `yaml:"chat"`

	// Full keeps text untruncated.
	Full bool `yaml:"full"`

	// MaxBodyBytes caps each captured body. Forwarding is never capped.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// DialTimeout bounds upstream and tunnel dials.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Egress routes outbound connections: direct://, http:// or socks5://.
	Egress string `yaml:"egress"`

	// MetricsListen, when set, serves Prometheus metrics on that address.
	MetricsListen string `yaml:"metrics_listen"`

	// Dialer overrides the dialer built from Egress.
	Dialer dialer.Dialer `yaml:"-"`

	// Metrics receives counters; nil disables them.
	Metrics *metrics.Metrics `yaml:"-"`

	// OnRequest is a function that will be called before the request is sent.
	OnRequest func(req *http.Request) error `yaml:"-"`

	// OnResponse is a function that will be called after the response is received.
	OnResponse func(res *http.Response) error `yaml:"-"`

	// OnError is a function that will be called when an error occurs.
	OnError func(err error, rw http.ResponseWriter, req *http.Request) `yaml:"-"`

	// OnEvent receives observed bodies. It is called from the exchange's
	// inspection goroutine, in order.
	OnEvent func(evt *Event) `yaml:"-"`
}

// DefaultConfig returns a Config with every default set.
func DefaultConfig() *Config {
	return &Config{
		Port:         DefaultPort,
		Host:         DefaultHost,
		TargetHost:   DefaultTargetHost,
		TargetPort:   DefaultTargetPort,
		TargetTLS:    true,
		Chat:         true,
		MaxBodyBytes: DefaultMaxBodyBytes,
		DialTimeout:  DefaultDialTimeout,
		Egress:       DefaultEgress,
	}
}

// LoadConfig reads a YAML file over the defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	ApplyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// ApplyDefaults fills zero-valued fields. Booleans are left alone; start from
// DefaultConfig to get their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.TargetHost == "" {
		cfg.TargetHost = DefaultTargetHost
	}
	if cfg.TargetPort == 0 {
		cfg.TargetPort = DefaultTargetPort
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Egress == "" {
		cfg.Egress = DefaultEgress
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.TargetPort <= 0 || c.TargetPort > 65535 {
		return fmt.Errorf("target port %d out of range", c.TargetPort)
	}
	if c.TargetHost == "" {
		return errors.New("target host is required")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("tls cert and key must be given together")
	}
	if c.DialTimeout < 0 {
		return errors.New("dial timeout must not be negative")
	}

	return nil
}

// ListenAddr is the host:port the proxy binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// TargetAddr is the upstream host:port, also sent as the Host header.
func (c *Config) TargetAddr() string {
	return net.JoinHostPort(c.TargetHost, strconv.Itoa(c.TargetPort))
}

// TargetScheme is https when TargetTLS is set.
func (c *Config) TargetScheme() string {
	if c.TargetTLS {
		return "https"
	}

	return "http"
}

func (c *Config) inspecting() bool {
	return c.LogBodies || c.MergeStreams
}
