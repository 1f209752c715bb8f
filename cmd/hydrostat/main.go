// Package main provides the hydrostat binary entry point.
// Hydrostat is an autonomic control plane for distributed water-utility
// sensor nodes, running a monitor/analyze/plan/execute loop over a shared
// knowledge store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hydrostat-io/hydrostat/config"
	"github.com/hydrostat-io/hydrostat/knowledge"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "hydrostat"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		natsURL    string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "hydrostat",
		Short: "Autonomic control plane for water-utility sensor nodes",
		Long: `Hydrostat runs a per-node control loop over distributed sensor nodes:

- Monitor:  validate incoming readings against physical ranges
- Analyze:  evaluate readings against thresholds and anomaly scores
- Plan:     select a remediation plan from the catalog
- Execute:  dispatch node commands with retry and circuit breaking

All state lives in NATS JetStream key-value buckets. Nodes publish
readings and receive commands over NATS subjects.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, natsURL, logLevel)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&natsURL, "nats-url", "", "NATS server URL (empty = embedded server)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	cmd.AddCommand(thresholdCmd(&configPath, &natsURL, &logLevel))
	cmd.AddCommand(nodesCmd(&configPath, &natsURL, &logLevel))

	return cmd
}

func run(configPath, natsURL, logLevel string) error {
	logger := newLogger(logLevel)
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath, natsURL, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	app, err := NewApp(cfg, logger)
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := app.Start(signalCtx); err != nil {
		return err
	}

	slog.Info("Hydrostat ready",
		"version", Version,
		"interval", cfg.Loop.Interval.String())

	// Block until shutdown signal
	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	app.Shutdown(30 * time.Second)

	slog.Info("Hydrostat shutdown complete")
	return nil
}

func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig(configPath, natsURL string, logger *slog.Logger) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	} else {
		cfg, err = config.NewLoader(logger).Load()
		if err != nil {
			return nil, err
		}
	}

	// Flag override takes precedence over every config layer
	if natsURL != "" {
		cfg.NATS.URL = natsURL
		cfg.NATS.Embedded = false
	} else if envURL := os.Getenv("HYDROSTAT_NATS_URL"); envURL != "" {
		cfg.NATS.URL = envURL
		cfg.NATS.Embedded = false
	}

	return cfg, nil
}

// thresholdCmd manages per-node thresholds in the knowledge store.
func thresholdCmd(configPath, natsURL, logLevel *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threshold",
		Short: "Manage node thresholds",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <node-id> <parameter> <min> <max>",
		Short: "Set the active threshold for a node parameter",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			min, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return fmt.Errorf("parse min: %w", err)
			}
			max, err := strconv.ParseFloat(args[3], 64)
			if err != nil {
				return fmt.Errorf("parse max: %w", err)
			}

			return withStore(*configPath, *natsURL, *logLevel, func(ctx context.Context, store knowledge.Store) error {
				t := &knowledge.Threshold{
					NodeID:    args[0],
					Parameter: args[1],
					Min:       min,
					Max:       max,
				}
				if err := store.SetThreshold(ctx, t); err != nil {
					return err
				}
				fmt.Printf("Threshold set: %s/%s [%g, %g]\n", t.NodeID, t.Parameter, t.Min, t.Max)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <node-id>",
		Short: "Show the active thresholds for a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(*configPath, *natsURL, *logLevel, func(ctx context.Context, store knowledge.Store) error {
				thresholds, err := store.GetThresholds(ctx, args[0])
				if err != nil {
					return err
				}
				if len(thresholds) == 0 {
					fmt.Printf("No thresholds for node %s\n", args[0])
					return nil
				}
				for param, t := range thresholds {
					fmt.Printf("%s: [%g, %g] (updated %s)\n", param, t.Min, t.Max, t.UpdatedAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	})

	return cmd
}

// nodesCmd lists registered nodes.
func nodesCmd(configPath, natsURL, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List registered nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(*configPath, *natsURL, *logLevel, func(ctx context.Context, store knowledge.Store) error {
				nodes, err := store.ListNodes(ctx)
				if err != nil {
					return err
				}
				if len(nodes) == 0 {
					fmt.Println("No nodes registered")
					return nil
				}
				for _, n := range nodes {
					fmt.Printf("%-24s %-16s registered %s\n", n.NodeID, n.SensorType, n.RegisteredAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
}

// withStore connects to NATS, opens the knowledge store, and invokes fn.
// Subcommands operate against a running external NATS; the embedded server
// holds no state after the daemon exits.
func withStore(configPath, natsURL, logLevel string, fn func(context.Context, knowledge.Store) error) error {
	logger := newLogger(logLevel)

	cfg, err := loadConfig(configPath, natsURL, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.NATS.URL == "" {
		return fmt.Errorf("threshold and node commands need a running NATS server; pass --nats-url or set nats.url")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, js, err := connectNATS(cfg.NATS.URL)
	if err != nil {
		return err
	}
	defer conn.Close()

	store, err := knowledge.NewKVStore(ctx, js)
	if err != nil {
		return fmt.Errorf("open knowledge store: %w", err)
	}

	return fn(ctx, store)
}
