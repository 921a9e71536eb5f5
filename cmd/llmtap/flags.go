package main

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/go-zoox/llmtap"
)

// parseConfig builds the configuration from defaults, then the --config file,
// then any flag given on the command line.
func parseConfig(args []string) (*llmtap.Config, error) {
	fs := pflag.NewFlagSet("llmtap", pflag.ContinueOnError)
	fs.SortFlags = false

	flags := llmtap.DefaultConfig()
	configPath := fs.String("config", "", "YAML configuration file; flags given on the command line take precedence")

	fs.IntVar(&flags.Port, "port", flags.Port, "Local listen port")
	fs.StringVar(&flags.Host, "host", flags.Host, "Local listen host")
	fs.StringVar(&flags.TargetHost, "target-host", flags.TargetHost, "Upstream host every request is forwarded to")
	fs.IntVar(&flags.TargetPort, "target-port", flags.TargetPort, "Upstream port")
	fs.BoolVar(&flags.TargetTLS, "target-tls", flags.TargetTLS, "Connect to the upstream over TLS")
	fs.BoolVar(&flags.TLS, "tls", flags.TLS, "Serve the local listener over TLS")
	fs.StringVar(&flags.TLSCert, "tls-cert", flags.TLSCert, "Certificate for --tls; a self-signed one is generated when empty")
	fs.StringVar(&flags.TLSKey, "tls-key", flags.TLSKey, "Private key for --tls-cert")
	fs.BoolVar(&flags.LogBodies, "log-bodies", flags.LogBodies, "Inspect and log request and response bodies")
	fs.BoolVar(&flags.MergeStreams, "merge-streams", flags.MergeStreams, "Merge streamed events into messages as they arrive")
	fs.BoolVar(&flags.Trace, "trace", flags.Trace, "Log diagnostic traces for every exchange")
	fs.BoolVar(&flags.Chat, "chat", flags.Chat, "Show conversation turns instead of raw bodies")
	fs.BoolVar(&flags.Full, "full", flags.Full, "Show untruncated text")
	fs.Int64Var(&flags.MaxBodyBytes, "max-body-bytes", flags.MaxBodyBytes, "Cap on each captured body; forwarding is never capped")
	fs.DurationVar(&flags.DialTimeout, "dial-timeout", flags.DialTimeout, "Timeout for upstream and tunnel dials")
	fs.StringVar(&flags.Egress, "egress", flags.Egress, "Outbound route: direct:// | http://[user:pass@]host:port | socks5://[user:pass@]host:port")
	fs.StringVar(&flags.MetricsListen, "metrics-listen", flags.MetricsListen, "Prometheus metrics listen address (e.g. 127.0.0.1:9090). Empty disables.")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	if *configPath == "" {
		if err := flags.Validate(); err != nil {
			return nil, fmt.Errorf("invalid flags: %w", err)
		}
		return flags, nil
	}

	cfg, err := llmtap.LoadConfig(*configPath)
	if err != nil {
		return nil, err
	}

	fs.Visit(func(f *pflag.Flag) {
		overrideFromFlag(cfg, flags, f.Name)
	})

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

func overrideFromFlag(cfg, flags *llmtap.Config, name string) {
	switch name {
	case "port":
		cfg.Port = flags.Port
	case "host":
		cfg.Host = flags.Host
	case "target-host":
		cfg.TargetHost = flags.TargetHost
	case "target-port":
		cfg.TargetPort = flags.TargetPort
	case "target-tls":
		cfg.TargetTLS = flags.TargetTLS
	case "tls":
		cfg.TLS = flags.TLS
	case "tls-cert":
		cfg.TLSCert = flags.TLSCert
	case "tls-key":
		cfg.TLSKey = flags.TLSKey
	case "log-bodies":
		cfg.LogBodies = flags.LogBodies
	case "merge-streams":
		cfg.MergeStreams = flags.MergeStreams
	case "trace":
		cfg.Trace = flags.Trace
	case "chat":
		cfg.Chat = flags.Chat
	case "full":
		cfg.Full = flags.Full
	case "max-body-bytes":
		cfg.MaxBodyBytes = flags.MaxBodyBytes
	case "dial-timeout":
		cfg.DialTimeout = flags.DialTimeout
	case "egress":
		cfg.Egress = flags.Egress
	case "metrics-listen":
		cfg.MetricsListen = flags.MetricsListen
	}
}
