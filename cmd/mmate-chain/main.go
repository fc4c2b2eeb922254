package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glimte/mmate-chain/bus"
	"github.com/glimte/mmate-chain/config"
	"github.com/glimte/mmate-chain/contracts"
	"github.com/glimte/mmate-chain/interceptors"
	"github.com/glimte/mmate-chain/internal/rabbitmq"
	"github.com/glimte/mmate-chain/observability"
	"github.com/glimte/mmate-chain/phase"
	transport "github.com/glimte/mmate-chain/transports/rabbitmq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

type options struct {
	configPath string
	logLevel   string
	rabbitURL  string
}

func newRootCmd() *cobra.Command {
	var opts options

	rootCmd := &cobra.Command{
		Use:   "mmate-chain",
		Short: "Run and inspect interceptor chains",
		Long: `mmate-chain runs message endpoints whose processing is assembled from
phase-ordered interceptor chains, and inspects the phases and interceptors
a configuration produces.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&opts.rabbitURL, "url", "u", "", "RabbitMQ connection URL, overrides the configuration")

	rootCmd.AddCommand(
		newPhasesCmd(&opts),
		newInterceptorsCmd(&opts),
		newServeCmd(&opts),
		newCallCmd(&opts),
	)
	return rootCmd
}

func (o *options) load() (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	if o.rabbitURL != "" {
		cfg.AMQP.URL = o.rabbitURL
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, nil
}

func (o *options) newBus(cfg *config.Config, component string) (*bus.Bus, error) {
	phases, err := cfg.PhaseManager()
	if err != nil {
		return nil, fmt.Errorf("failed to build phases: %w", err)
	}
	logger := observability.NewLogger(component, observability.LogLevel(cfg.LogLevel))
	return bus.New(bus.WithLogger(logger), bus.WithPhases(phases)), nil
}

func newPhasesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "phases",
		Short: "Print the inbound and outbound phase order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			m, err := cfg.PhaseManager()
			if err != nil {
				return err
			}
			printPhases(cmd, "Inbound", m.InPhases())
			fmt.Fprintln(cmd.OutOrStdout())
			printPhases(cmd, "Outbound", m.OutPhases())
			return nil
		},
	}
}

func newInterceptorsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "interceptors",
		Short: "List interceptor factories and the configured bus lists",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			b, err := opts.newBus(cfg, "mmate-chain")
			if err != nil {
				return err
			}
			bus.SetExtension[interceptors.MetricsCollector](b, observability.NewMetrics(prometheus.NewRegistry()))
			if err := cfg.Apply(b); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Factories: %s\n", strings.Join(b.InterceptorFactories(), ", "))
			for _, d := range interceptors.Directions {
				list := b.Provider().List(d)
				if len(list) == 0 {
					continue
				}
				fmt.Fprintf(out, "\n%s:\n", d)
				fmt.Fprintf(out, "  %-40s %-25s\n", "Interceptor", "Phase")
				fmt.Fprintln(out, "  "+strings.Repeat("-", 65))
				for _, i := range list {
					fmt.Fprintf(out, "  %-40s %-25s\n", truncate(string(i.ID()), 40), i.Phase())
				}
			}
			return nil
		},
	}
}

func newServeCmd(opts *options) *cobra.Command {
	var queue string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the echo service on a queue",
		Long: `Serve runs an endpoint with the operations "echo", which returns the request
body, and "fail", which answers with a sender fault. Metrics and health are
served over HTTP. With --config the bus interceptor lists follow the file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if queue != "" {
				cfg.AMQP.Queue = queue
			}
			return serve(ctx, opts, cfg)
		},
	}
	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Queue to consume, overrides the configuration")
	return cmd
}

func serve(ctx context.Context, opts *options, cfg *config.Config) error {
	b, err := opts.newBus(cfg, "mmate-chain-serve")
	if err != nil {
		return err
	}
	logger := b.Logger()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	bus.SetExtension[interceptors.MetricsCollector](b, observability.NewMetrics(registry))

	watchErr := make(chan error, 1)
	if opts.configPath != "" {
		w := config.NewWatcher(opts.configPath, b, logger)
		go func() { watchErr <- w.Watch(ctx) }()
	} else if err := cfg.Apply(b); err != nil {
		return err
	}

	t, err := newTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer t.Close()

	dest, err := t.Destination(ctx, cfg.AMQP.Queue)
	if err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}
	endpoint := bus.NewEndpoint(b, echoService(), bus.JSON(), dest, bus.WithEndpointLogger(logger))
	bus.SetExtension(b, endpoint)

	health := observability.NewHealth(5 * time.Second)
	health.Register(observability.ConnectionChecker("rabbitmq", t))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/", health.Handler())
	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logger.Info("serving",
		"queue", endpoint.Address(),
		"operations", endpoint.Service().Operations(),
		"http", cfg.HTTP.Addr,
	)

	select {
	case <-ctx.Done():
	case err = <-serverErr:
	case err = <-watchErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Join(err, server.Shutdown(shutdownCtx), b.Shutdown(shutdownCtx))
}

func newTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*transport.Transport, error) {
	t, err := transport.NewTransport(ctx, cfg.AMQP.URL,
		transport.WithLogger(logger),
		transport.WithDeadLetter(cfg.DeadLetterEnabled()),
		transport.WithConnectionOptions(
			rabbitmq.WithLogger(logger),
			rabbitmq.WithConnectTimeout(cfg.AMQP.ConnectTimeout),
		),
		transport.WithConsumerOptions(
			rabbitmq.WithPrefetchCount(cfg.AMQP.PrefetchCount),
			rabbitmq.WithConsumerLogger(logger),
		),
		transport.WithPublisherOptions(rabbitmq.WithPublisherLogger(logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", rabbitmq.SanitizeURL(cfg.AMQP.URL), err)
	}
	return t, nil
}

func echoService() *bus.Service {
	svc := bus.NewService("echo")
	bus.Operation(svc, "echo", func(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
		return req, nil
	})
	bus.Operation(svc, "fail", func(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
		return nil, contracts.NewSenderFault("request rejected: %s", truncate(string(req), 60))
	})
	return svc
}

func newCallCmd(opts *options) *cobra.Command {
	var (
		timeout time.Duration
		oneWay  bool
	)

	cmd := &cobra.Command{
		Use:   "call <queue> <operation> [json-body]",
		Short: "Invoke an operation on a queue and print the response",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := opts.load()
			if err != nil {
				return err
			}
			b, err := opts.newBus(cfg, "mmate-chain-call")
			if err != nil {
				return err
			}
			if err := cfg.Apply(b); err != nil {
				return err
			}

			body := []byte("null")
			if len(args) == 3 {
				body = []byte(args[2])
			}
			if !json.Valid(body) {
				return fmt.Errorf("body is not valid JSON: %s", truncate(string(body), 60))
			}

			t, err := newTransport(ctx, cfg, b.Logger())
			if err != nil {
				return err
			}
			defer t.Close()

			conduit, err := t.Conduit(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to create conduit: %w", err)
			}
			client := bus.NewClient(b, bus.JSON(), conduit, bus.WithTimeout(timeout), bus.WithClientLogger(b.Logger()))
			defer client.Close(context.Background())

			if oneWay {
				if err := client.InvokeOneWay(ctx, args[1], body); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "sent")
				return nil
			}

			var resp json.RawMessage
			if err := client.Invoke(ctx, args[1], body, &resp); err != nil {
				var f *contracts.Fault
				if errors.As(err, &f) {
					return fmt.Errorf("fault %s: %s", f.Code, f.Message)
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(resp))
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "Time to wait for the response")
	cmd.Flags().BoolVar(&oneWay, "one-way", false, "Send without waiting for a response")
	return cmd
}

func printPhases(cmd *cobra.Command, title string, r *phase.Registry) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s phases (%d):\n", title, r.Len())
	fmt.Fprintf(out, "  %-5s %-30s\n", "#", "Phase")
	fmt.Fprintln(out, "  "+strings.Repeat("-", 36))
	for _, p := range r.Phases() {
		fmt.Fprintf(out, "  %-5d %-30s\n", p.Priority, p.Name)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
