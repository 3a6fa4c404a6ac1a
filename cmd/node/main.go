package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bftswarm/node/internal/config"
	"github.com/bftswarm/node/internal/logging"
	"github.com/bftswarm/node/internal/node"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "bftswarm-node",
	Short: "Leaderless BFT container-orchestration node",
	Long:  "Joins a peer-to-peer overlay, participates in PBFT-lite consensus over task assignments, and runs assigned container workloads. All configuration is via environment variables (NODE_ID, STORAGE_PATH, SWARM_NAME, HTTP_PORT, WS_PORT, PEERS, FAULT_TOLERANCE, STORE_BACKEND, REDIS_ADDR, DB_DSN, NATS_URL, WORKER_COMPLETION_MODE, LOG_LEVEL).",
	// Bare invocation behaves like "node serve": there are no required
	// flags, so a plain bftswarm-node should just start the node.
	RunE: runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the node and join the swarm",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	n, err := node.New(cfg, logger)
	if err != nil {
		logger.Error("fatal init failure", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("node starting",
		zap.String("node_id", cfg.NodeID),
		zap.String("swarm_name", cfg.SwarmName),
		zap.Int("ws_port", cfg.WSPort),
		zap.Int("http_port", cfg.HTTPPort),
	)

	if err := n.Run(ctx); err != nil {
		logger.Error("node exited with error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("node exited gracefully")
	return nil
}
