package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ZentaChain/mate-node/pkg/api"
	"github.com/ZentaChain/mate-node/pkg/config"
	"github.com/ZentaChain/mate-node/pkg/crypto"
	"github.com/ZentaChain/mate-node/pkg/network"
	"github.com/ZentaChain/mate-node/pkg/storage"
)

const heartbeatInterval = 5 * time.Minute

var (
	configPath   = flag.String("config", "", "Path to YAML config file")
	listenAddr   = flag.String("listen", "", "Listen address (host:port or multiaddr), overrides config")
	identityPath = flag.String("identity", "", "Path to identity file, overrides config")
	apiAddr      = flag.String("api", "", "Status API listen address, overrides config")
	noAPI        = flag.Bool("no-api", false, "Disable the status API")
	dbPath       = flag.String("db", "", "Envelope log path, overrides config")
	noDB         = flag.Bool("no-db", false, "Disable the envelope log")
	debug        = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.Node.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("node stopped with error", zap.Error(err))
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if *listenAddr != "" {
		cfg.Node.ListenAddr = *listenAddr
	}
	if *identityPath != "" {
		cfg.Node.IdentityPath = *identityPath
	}
	if *apiAddr != "" {
		cfg.API.ListenAddr = *apiAddr
		cfg.API.Enabled = true
	}
	if *noAPI {
		cfg.API.Enabled = false
	}
	if *dbPath != "" {
		cfg.Storage.Path = *dbPath
		cfg.Storage.Enabled = true
	}
	if *noDB {
		cfg.Storage.Enabled = false
	}
	if *debug {
		cfg.Node.Debug = true
	}

	return cfg, cfg.Validate()
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	identity, err := loadOrGenerateIdentity(cfg.Node.IdentityPath, logger)
	if err != nil {
		return err
	}

	log, err := cfg.OpenStorage(logger.Named("storage"))
	if err != nil {
		return fmt.Errorf("failed to open envelope log: %w", err)
	}
	if log != nil {
		defer log.Close()
		logger.Info("Envelope log opened",
			zap.String("path", cfg.Storage.Path),
			zap.Duration("retention", cfg.Storage.Retention))
	}

	metrics := network.NewMetrics()
	opts, err := cfg.NetworkOptions()
	if err != nil {
		return err
	}
	opts = append(opts,
		network.WithLogger(logger.Named("network")),
		network.WithMetrics(metrics),
	)
	if log != nil {
		opts = append(opts, network.WithRecorder(log))
	}

	server, err := network.Bind(cfg.Node.ListenAddr, identity, opts...)
	if err != nil {
		return err
	}
	defer server.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() { errCh <- server.Serve(ctx) }()

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiOpts := []api.Option{api.WithLogger(logger.Named("api")), api.WithMetrics(metrics)}
		if log != nil {
			apiOpts = append(apiOpts, api.WithStore(log))
		}
		apiServer, err = api.NewServer(server, cfg.APIConfig(), apiOpts...)
		if err != nil {
			return err
		}
		go func() {
			if err := apiServer.Start(ctx); err != nil {
				errCh <- fmt.Errorf("status API: %w", err)
			}
		}()
	}

	printStatus(cfg, server)
	go heartbeatLoop(ctx, server, log, logger)

	select {
	case <-ctx.Done():
		logger.Info("Shutting down gracefully")
	case err := <-errCh:
		if err != nil && !errors.Is(err, network.ErrServerClosed) {
			return err
		}
	}

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Warn("Error stopping status API", zap.Error(err))
		}
	}
	if err := server.Close(); err != nil {
		logger.Warn("Error stopping server", zap.Error(err))
	}

	stats := server.Stats()
	logger.Info("Node stopped",
		zap.Uint64("accepted", stats.Accepted),
		zap.Uint64("messages_handled", stats.MessagesHandled))
	return nil
}

func loadOrGenerateIdentity(path string, logger *zap.Logger) (*crypto.Identity, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create identity directory: %w", err)
		}
	}

	identity, generated, err := crypto.LoadOrGenerateIdentity(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	if generated {
		logger.Info("Generated new identity", zap.String("path", path))
	} else {
		logger.Info("Loaded identity", zap.String("path", path))
	}
	return identity, nil
}

func heartbeatLoop(ctx context.Context, server *network.Server, log *storage.EnvelopeLog, logger *zap.Logger) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stats := server.Stats()
		fields := []zap.Field{
			zap.Int("active", stats.Active),
			zap.Uint64("accepted", stats.Accepted),
			zap.Uint64("rejected", stats.Rejected),
			zap.Uint64("handshake_failed", stats.HandshakeFailed),
			zap.Uint64("messages_handled", stats.MessagesHandled),
		}
		if log != nil {
			if n, err := log.Count(ctx); err == nil {
				fields = append(fields, zap.Int64("logged_envelopes", n))
			}
		}
		logger.Info("Heartbeat", fields...)
	}
}

func printStatus(cfg *config.Config, server *network.Server) {
	fmt.Println()
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("mate node")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("   Peer ID:  %s\n", server.PeerID())
	fmt.Printf("   Listen:   %s\n", server.Addr())
	if maddr, err := server.Multiaddr(); err == nil {
		fmt.Printf("   Multiaddr: %s\n", maddr)
	}
	if cfg.API.Enabled {
		fmt.Printf("   Status API: http://%s\n", cfg.API.ListenAddr)
	}
	if cfg.Storage.Enabled {
		fmt.Printf("   Envelope log: %s\n", cfg.Storage.Path)
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()
}
