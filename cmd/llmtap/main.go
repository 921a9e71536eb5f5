package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-zoox/logger"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/go-zoox/llmtap"
	"github.com/go-zoox/llmtap/metrics"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := parseConfig(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	var tlsConfig *tls.Config
	if cfg.TLS {
		tlsConfig, err = llmtap.LocalTLSConfig(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return err
		}
	}

	ln, err := llmtap.Listen(cfg.ListenAddr(), tlsConfig)
	if err != nil {
		return err
	}

	if cfg.MetricsListen != "" {
		cfg.Metrics = metrics.New(nil)
	}
	cfg.OnEvent = newPrinter(os.Stdout).print

	p, err := llmtap.New(cfg)
	if err != nil {
		_ = ln.Close()
		return err
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", cfg.Metrics.Handler())
		metricsSrv := &http.Server{Handler: mux} //nolint:gosec // Local metrics endpoint.
		metricsLn, err := llmtap.Listen(cfg.MetricsListen, nil)
		if err != nil {
			_ = ln.Close()
			return err
		}
		context.AfterFunc(ctx, func() {
			_ = metricsSrv.Close()
			_ = metricsLn.Close()
		})

		g.Go(func() error {
			if err := metricsSrv.Serve(metricsLn); err != nil {
				return fmt.Errorf("metrics serve: %w", err)
			}
			return nil
		})
		logger.Infof("metrics listening on %s", cfg.MetricsListen)
	}

	srv := llmtap.NewServer(ctx, p)
	context.AfterFunc(ctx, func() {
		_ = srv.Close()
		_ = ln.Close()
	})

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil {
			return fmt.Errorf("proxy serve: %w", err)
		}
		return nil
	})

	scheme := "http"
	if cfg.TLS {
		scheme = "https"
	}
	logger.Infof("llmtap %s listening on %s://%s => %s://%s", llmtap.Version, scheme, ln.Addr(), cfg.TargetScheme(), cfg.TargetAddr())

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		err = nil
	}

	logger.Infof("shutting down")
	return err
}
