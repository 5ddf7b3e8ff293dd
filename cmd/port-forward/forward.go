package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/containerd/log"
	"github.com/moby/portforward/forwarder"
	"github.com/moby/portforward/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

type forwardOptions struct {
	version     bool
	mappings    types.PortMappings
	ttl         int
	bind        []string
	debug       bool
	logFormat   string
	metricsAddr string
}

func newForwardCommand() *cobra.Command {
	var opts forwardOptions

	cmd := &cobra.Command{
		Use:           "port-forward [OPTIONS] REMOTE_HOST",
		Short:         "Forward local TCP and UDP ports to a remote host",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if opts.version {
				return nil
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.version {
				fmt.Fprintf(cmd.OutOrStdout(), "port-forward version %s\n", Version)
				return nil
			}
			return runForward(cmd.Context(), cmd.ErrOrStderr(), args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.BoolVarP(&opts.version, "version", "v", false, "Print version information and quit")
	flags.VarP(&opts.mappings, "forward", "f", "Port mapping in the form host[:guest[/tcp|udp|both]] (repeatable)")
	flags.IntVarP(&opts.ttl, "ttl", "t", int(types.DefaultUDPIdleTTL/time.Second), "Idle time in seconds after which UDP sessions are closed")
	flags.StringSliceVarP(&opts.bind, "bind", "b", []string{"0.0.0.0", "[::]"}, "Local addresses to listen on")
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	flags.StringVar(&opts.logFormat, "log-format", string(log.TextFormat), `Log format ("text"|"json")`)
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on (disabled if empty)")

	return cmd
}

func newLogger(out io.Writer, opts forwardOptions) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(out)
	switch log.OutputFormat(opts.logFormat) {
	case log.TextFormat:
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: log.RFC3339NanoFixed,
			FullTimestamp:   true,
		})
	case log.JSONFormat:
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: log.RFC3339NanoFixed,
		})
	default:
		return nil, fmt.Errorf("unknown log format: %s", opts.logFormat)
	}
	if opts.debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger, nil
}

func runForward(ctx context.Context, logOut io.Writer, remoteHost string, opts forwardOptions) error {
	if len(opts.mappings) == 0 {
		return errors.New("no port mappings given, use --forward")
	}
	if opts.ttl <= 0 {
		return fmt.Errorf("invalid UDP idle TTL: %d", opts.ttl)
	}

	logger, err := newLogger(logOut, opts)
	if err != nil {
		return err
	}
	ctx = log.WithLogger(ctx, logrus.NewEntry(logger))

	reg, err := forwarder.New(ctx, remoteHost, opts.mappings,
		forwarder.WithBindAddresses(opts.bind...),
		forwarder.WithUDPIdleTTL(time.Duration(opts.ttl)*time.Second),
	)
	if err != nil {
		return err
	}

	if opts.metricsAddr != "" {
		srv, err := serveMetrics(ctx, opts.metricsAddr)
		if err != nil {
			return err
		}
		defer srv.Close()
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracker, err := reg.Bind(ctx)
	if err != nil {
		return err
	}

	select {
	case <-tracker.Done():
		log.G(ctx).Info("All listeners stopped")
	case <-sigCtx.Done():
		log.G(ctx).Info("Received signal, shutting down")
	}
	return reg.Shutdown(ctx)
}

func serveMetrics(ctx context.Context, addr string) (*http.Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for metrics on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Minute,
	}
	go func() {
		log.G(ctx).WithField("addr", l.Addr()).Info("Serving metrics")
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.G(ctx).WithError(err).Error("Metrics server stopped")
		}
	}()
	return srv, nil
}
