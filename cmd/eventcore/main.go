package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edupay/eventcore"
	"github.com/edupay/eventcore/config"
	"github.com/edupay/eventcore/contracts"
	"github.com/edupay/eventcore/health"
	"github.com/edupay/eventcore/internal/deadletter"
	"github.com/edupay/eventcore/internal/logging"
	"github.com/edupay/eventcore/internal/rabbitmq"
	"github.com/edupay/eventcore/messaging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

type globalFlags struct {
	url          string
	logLevel     string
	serveMetrics bool
}

func main() {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:           "eventcore",
		Short:         "Operate the domain event messaging core",
		Long:          "eventcore checks and provisions broker topology, publishes and consumes domain events and archives dead-lettered messages.",
		Version:       fmt.Sprintf("%s (commit: %s)", version, gitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.url, "url", "u", "", "broker URL, overrides EVENTCORE_BROKER_URL")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level, overrides EVENTCORE_LOG_LEVEL")
	rootCmd.PersistentFlags().BoolVar(&flags.serveMetrics, "serve-metrics", false, "serve /metrics and /healthz on EVENTCORE_METRICS_ADDR")

	rootCmd.AddCommand(
		checkCommand(&flags),
		provisionCommand(&flags),
		publishCommand(&flags),
		consumeCommand(&flags),
		dlqCommand(&flags),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func checkCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check [queues...]",
		Short: "Verify that the exchange and queues exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := newClient(flags)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Connect(ctx); err != nil {
				return err
			}
			if err := client.CheckTopology(ctx, args...); err != nil {
				return err
			}

			report := client.Health(args...).Check(ctx)
			if err := printJSON(report); err != nil {
				return err
			}
			if report.Status == health.StatusUnhealthy {
				return errors.New("broker is unhealthy")
			}
			return nil
		},
	}
}

func provisionCommand(flags *globalFlags) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Declare the exchange, queues and dead-letter routing",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(flags)
			if err != nil {
				return err
			}
			defer client.Close()

			if dryRun {
				return printJSON(client.Topology())
			}
			return client.Provision(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the topology instead of declaring it")
	return cmd
}

func publishCommand(flags *globalFlags) *cobra.Command {
	var (
		routingKey    string
		correlationID string
	)
	cmd := &cobra.Command{
		Use:   "publish <event-type> <json-payload>",
		Short: "Publish one domain event",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eventType, payload := args[0], json.RawMessage(args[1])
			if !json.Valid(payload) {
				return fmt.Errorf("payload is not valid JSON")
			}
			if routingKey == "" {
				routingKey = eventType
			}

			client, err := newClient(flags)
			if err != nil {
				return err
			}
			defer client.Close()

			// surface connection and topology problems before the fire-and-forget publish
			if err := client.Connect(cmd.Context()); err != nil {
				return err
			}

			event := eventcore.NewEvent(client, eventType, payload, contracts.WithCorrelationID(correlationID))
			client.Publish(cmd.Context(), routingKey, event)
			fmt.Println(event.EventID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&routingKey, "routing-key", "k", "", "routing key, defaults to the event type")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "correlation id")
	return cmd
}

func consumeCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "consume <queue>",
		Short: "Consume a queue with retry and dead-lettering, logging every event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			client, err := newClient(flags)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Connect(ctx); err != nil {
				return err
			}

			logger := logging.Component(client.Logger(), "cli")
			handler := messaging.HandlerFunc[json.RawMessage](func(ctx context.Context, event contracts.DomainEvent[json.RawMessage], raw rabbitmq.Delivery) error {
				logger.Info("domain event received",
					zap.String("eventId", event.EventID),
					zap.String("eventType", event.EventType),
					zap.String("sourceModule", event.SourceModule),
					zap.Int("retryCount", messaging.ReadRetryMetadata(raw.Headers).RetryCount),
					zap.ByteString("payload", event.Payload))
				return nil
			})
			if _, err := eventcore.Subscribe[json.RawMessage](ctx, client, args[0], handler); err != nil {
				return err
			}

			return serveUntilDone(ctx, client, flags, args[0])
		},
	}
}

func dlqCommand(flags *globalFlags) *cobra.Command {
	var dsn string
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect dead-lettered messages",
	}
	dlqCmd.PersistentFlags().StringVar(&dsn, "dsn", "", "PostgreSQL archive DSN, overrides EVENTCORE_ARCHIVE_DSN")

	archiveCmd := &cobra.Command{
		Use:   "archive",
		Short: "Move dead-lettered messages into the archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			client, err := newClient(flags)
			if err != nil {
				return err
			}
			defer client.Close()

			store, closeStore, err := openStore(ctx, client, dsn)
			if err != nil {
				return err
			}
			defer closeStore()

			queue := client.Config().Queues.DeadLetter
			archiver := deadletter.NewArchiver(client.Manager(), store, queue,
				deadletter.WithArchiverLogger(logging.Component(client.Logger(), "archiver")))
			if err := archiver.Start(ctx); err != nil {
				return err
			}
			return serveUntilDone(ctx, client, flags, queue)
		},
	}

	var (
		queue string
		limit int
		since time.Duration
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List archived messages, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if dsn == "" {
				dsn = cfg.ArchiveDSN
			}
			if dsn == "" {
				return errors.New("listing needs a PostgreSQL archive, set --dsn or EVENTCORE_ARCHIVE_DSN")
			}

			store, err := deadletter.NewPostgresStore(cmd.Context(), dsn)
			if err != nil {
				return err
			}
			defer store.Close()

			filter := deadletter.Filter{Queue: queue, MaxResults: limit}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			messages, err := store.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printJSON(messages)
		},
	}
	listCmd.Flags().StringVarP(&queue, "queue", "q", "", "only messages dead-lettered from this queue")
	listCmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of messages")
	listCmd.Flags().DurationVar(&since, "since", 0, "only messages archived within this window")

	dlqCmd.AddCommand(archiveCmd, listCmd)
	return dlqCmd
}

func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flags.url != "" {
		cfg.Broker.URL = flags.url
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	return cfg, cfg.Validate()
}

func newClient(flags *globalFlags) (*eventcore.Client, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	return eventcore.New(cfg)
}

func openStore(ctx context.Context, client *eventcore.Client, dsn string) (deadletter.Store, func(), error) {
	if dsn == "" {
		dsn = client.Config().ArchiveDSN
	}
	if dsn == "" {
		client.Logger().Warn("no archive DSN configured, archived messages are kept in memory only")
		return deadletter.NewMemoryStore(), func() {}, nil
	}
	store, err := deadletter.NewPostgresStore(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

// serveUntilDone blocks until ctx ends, serving metrics and health when asked to
func serveUntilDone(ctx context.Context, client *eventcore.Client, flags *globalFlags, queues ...string) error {
	if !flags.serveMetrics {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(client.Metrics(), promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health.NewHandler(client.Health(queues...), 5*time.Second))

	server := &http.Server{
		Addr:              client.Config().MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		client.Logger().Info("serving metrics", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
