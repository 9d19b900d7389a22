// avstore is the replicated file store node and its command-line client.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lukw00heck/av-service/internal/config"
	"github.com/lukw00heck/av-service/internal/logging/loki"
	"github.com/lukw00heck/av-service/internal/node"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
	nodeID   string
	listen   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "avstore",
		Short: "avstore - peer-to-peer replicated file store",
		Long: `avstore keeps every file on several nodes at once. Nodes find each other
by broadcast discovery, take a cluster-wide lock per file and replicate saves
to enough neighbors to reach the replication count.

QUICK START - three local nodes:

  avstore serve --config a.yaml
  avstore serve --config b.yaml
  avstore serve --config c.yaml

  avstore put alice report.pdf --file ./report.pdf --server 127.0.0.1:8080
  avstore status alice report.pdf --server 127.0.0.1:8081`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Node config file")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "Log level (trace, debug, info, warn, error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a storage node",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&nodeID, "node-id", "", "Node id (overrides node_id)")
	serveCmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides listen)")
	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("avstore %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "secret <path>",
		Short: "Create the shared cluster secret file if it does not exist",
		Long: `Writes a random cluster secret to <path> (mode 0600) unless the file
already exists. Point every node's auth_token_file at a copy of it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.EnsureSecret(args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "cluster secret at %s\n", args[0])
			return err
		},
	})

	rootCmd.AddCommand(newClientCmds()...)
	rootCmd.AddCommand(newServiceCmd())
	return rootCmd
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil || logLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// loadNodeConfig reads the config file, if any, and applies flag overrides.
func loadNodeConfig(path string) (*config.NodeConfig, error) {
	cfg := &config.NodeConfig{}
	if path != "" {
		loaded, err := config.LoadNodeConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if nodeID != "" {
		cfg.NodeID = nodeID
	}
	if listen != "" {
		if cfg.Advertise == cfg.Listen {
			cfg.Advertise = ""
		}
		cfg.Listen = listen
	}
	cfg.ApplyDefaults()

	// The flag wins over the file
	if logLevel == "" {
		config.ApplyLogLevel(cfg.LogLevel)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	setupLogging()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("shutting down...")
		cancel()
	}()

	return serveNode(ctx, cfgFile)
}

// serveNode runs a node from configPath until ctx is cancelled.
func serveNode(ctx context.Context, configPath string) error {
	cfg, err := loadNodeConfig(configPath)
	if err != nil {
		return err
	}

	log.Info().
		Str("version", Version).
		Str("node_id", cfg.NodeID).
		Str("store", cfg.Store).
		Msg("starting avstore node")

	logger := log.Logger
	if cfg.Loki.URL != "" {
		writer := newLokiWriter(cfg)
		writer.Start()
		defer writer.Stop()
		logger = log.Output(zerolog.MultiLevelWriter(zerolog.ConsoleWriter{Out: os.Stderr}, writer))
		logger.Info().Str("url", cfg.Loki.URL).Msg("shipping logs to Loki")
	}

	n, err := node.New(cfg, node.Options{Logger: logger})
	if err != nil {
		return err
	}
	return n.Run(ctx)
}

func newLokiWriter(cfg *config.NodeConfig) *loki.Writer {
	writer := loki.NewWriter(loki.Config{
		URL:           cfg.Loki.URL,
		Labels:        cfg.Loki.Labels,
		BatchSize:     cfg.Loki.BatchSize,
		FlushInterval: cfg.Loki.FlushInterval.Std(),
	})
	writer.SetLabels(map[string]string{"node_id": cfg.NodeID})
	return writer
}
