package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/foodsaga"
	"github.com/glimte/foodsaga/config"
	"github.com/glimte/foodsaga/internal/reliability"
	"github.com/glimte/foodsaga/monitor"
	"github.com/glimte/foodsaga/saga"
	"github.com/glimte/foodsaga/transports/inmemory"
	rabbitmqTransport "github.com/glimte/foodsaga/transports/rabbitmq"
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

func newRootCmd() *cobra.Command {
	var (
		configPath string
		rabbitURL  string
	)

	load := func(service string) (config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return config.Config{}, err
		}
		if service != "" {
			cfg.Service = service
		}
		if rabbitURL != "" {
			cfg.RabbitMQURL = rabbitURL
		}
		return cfg, nil
	}

	rootCmd := &cobra.Command{
		Use:           "foodsaga",
		Short:         "Run the food ordering saga services",
		Long:          `foodsaga runs the order, kitchen, payment, delivery and notification services that coordinate an order through events on a shared broker.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "foodsaga.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVarP(&rabbitURL, "url", "u", "", "RabbitMQ connection URL (overrides config)")

	serveCmd := &cobra.Command{
		Use:       "serve <service>",
		Short:     "Run one service against RabbitMQ",
		Args:      cobra.ExactArgs(1),
		ValidArgs: saga.Services,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(args[0])
			if err != nil {
				return err
			}
			logger := cfg.NewLogger(os.Stderr)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := foodsaga.NewClient(ctx, cfg, foodsaga.WithLogger(logger))
			if err != nil {
				return err
			}
			defer client.Close()

			return client.Run(ctx)
		},
	}

	localCmd := &cobra.Command{
		Use:   "local",
		Short: "Run every service in one process on an in-memory broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load("")
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runLocal(ctx, cfg)
		},
	}

	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect dead letter queues",
	}

	dlqDepthCmd := &cobra.Command{
		Use:       "depth [service...]",
		Short:     "Print the number of messages in each service's dead letter queue",
		ValidArgs: saga.Services,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load("")
			if err != nil {
				return err
			}
			services := args
			if len(services) == 0 {
				services = saga.Services
			}
			for _, s := range services {
				if _, err := saga.Bindings(s); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			transport, err := rabbitmqTransport.NewTransport(ctx, cfg.RabbitMQURL,
				rabbitmqTransport.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer transport.Close()

			queues := make([]string, len(services))
			for i, s := range services {
				queues[i] = reliability.DeadLetterQueue(s)
			}
			m := monitor.NewDLQMonitor(transport, queues, monitor.WithLogger(cfg.NewLogger(os.Stderr)))
			m.Check(ctx)

			printDepths(cmd.OutOrStdout(), queues, m.Depths())
			return nil
		},
	}
	dlqCmd.AddCommand(dlqDepthCmd)

	rootCmd.AddCommand(serveCmd, localCmd, dlqCmd)
	return rootCmd
}

// runLocal shares one in-memory broker between all services. Only the order
// service listens for HTTP.
func runLocal(ctx context.Context, base config.Config) error {
	transport := inmemory.New(inmemory.WithPrefetch(base.Prefetch))
	defer transport.Close()

	g, ctx := errgroup.WithContext(ctx)
	for _, service := range saga.Services {
		cfg := base
		cfg.Service = service
		if service != saga.Order {
			cfg.HTTPAddr = ""
		}
		cfg.IdempotencyBackend = config.BackendMemory

		client, err := foodsaga.NewClient(ctx, cfg,
			foodsaga.WithTransport(transport),
			foodsaga.WithLogger(cfg.NewLogger(os.Stderr)),
		)
		if err != nil {
			return err
		}
		defer client.Close()

		g.Go(func() error {
			return client.Run(ctx)
		})
	}
	return g.Wait()
}

func printDepths(w io.Writer, queues []string, depths map[string]int) {
	sorted := append([]string(nil), queues...)
	sort.Strings(sorted)

	fmt.Fprintf(w, "%-30s %-10s\n", "Queue", "Messages")
	fmt.Fprintln(w, strings.Repeat("-", 41))
	for _, q := range sorted {
		depth, ok := depths[q]
		if !ok {
			fmt.Fprintf(w, "%-30s %-10s\n", q, "unknown")
			continue
		}
		fmt.Fprintf(w, "%-30s %-10d\n", q, depth)
	}
}
