package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"shardex/config"
	"shardex/pkg/logging"
	"shardex/pkg/server"
)

var (
	configPath = flag.String("config", "", "Path to configuration file")
	envFile    = flag.String("env-file", ".env", "Optional file of SHARDEX_* environment variables")
	dataDir    = flag.String("data-dir", "", "Data directory")
	port       = flag.Int("port", 0, "Server port")
	host       = flag.String("host", "", "Server host")
	advertise  = flag.String("advertise", "", "Address other nodes use to reach this one")
	nodeID     = flag.String("node-id", "", "Node ID for clustering")
	bootstrap  = flag.Bool("bootstrap", false, "Bootstrap cluster")
	join       = flag.String("join", "", "Comma separated nodes of an existing cluster to join")
	cluster    = flag.Bool("cluster", false, "Enable clustering")
	logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error)")
)

// overrides collects the flags that were set, keyed like the config file.
func overrides() map[string]any {
	o := map[string]any{}
	set := func(key string, value any) { o[key] = value }
	if *dataDir != "" {
		set("storage.data_dir", *dataDir)
	}
	if *port != 0 {
		set("server.port", *port)
	}
	if *host != "" {
		set("server.host", *host)
	}
	if *advertise != "" {
		set("server.advertise_addr", *advertise)
	}
	if *logLevel != "" {
		set("logging.level", *logLevel)
	}
	if *cluster {
		set("cluster.enabled", true)
		if *nodeID != "" {
			set("cluster.node_id", *nodeID)
		}
		if *bootstrap {
			set("cluster.bootstrap", true)
		}
		if *join != "" {
			set("cluster.join_addresses", strings.Split(*join, ","))
		}
	}
	return o
}

func main() {
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
	}

	// Load configuration
	cfg, err := config.LoadConfigWithOverrides(*configPath, overrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Format:   cfg.Logging.Format,
		Level:    cfg.Logging.Level,
		NodeName: cfg.Cluster.NodeID,
	})
	defer func() { _ = logger.Sync() }()

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	// Create and start server
	srv, err := server.NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to create server", zap.Error(err))
	}

	logger.Info("starting shardex",
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		zap.Bool("cluster", cfg.Cluster.Enabled),
		zap.Int("cores", len(cfg.Cores)))
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("shardex stopped")
}
