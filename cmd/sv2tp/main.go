package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Sjors/sv2-tp/internal/archive"
	"github.com/Sjors/sv2-tp/internal/config"
	"github.com/Sjors/sv2-tp/internal/metrics"
	"github.com/Sjors/sv2-tp/internal/mining"
	"github.com/Sjors/sv2-tp/internal/noise"
	"github.com/Sjors/sv2-tp/internal/tp"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.DefaultConfig()

	// The config file seeds the flag defaults, so flags always win.
	configPath := preScanConfigFlag(os.Args[1:])
	if configPath != "" {
		if err := cfg.LoadFile(configPath); err != nil {
			return err
		}
	}

	var interval int
	flag.String("config", configPath, "optional YAML config file")
	flag.StringVar(&cfg.Bind, "sv2bind", cfg.Bind, "template provider bind address")
	flag.IntVar(&cfg.Port, "sv2port", cfg.Port, "template provider port (0 = per-network default)")
	flag.IntVar(&interval, "sv2interval", int(cfg.FeeCheckInterval/time.Second), "seconds between fee checks")
	flag.Int64Var(&cfg.FeeDelta, "sv2feedelta", cfg.FeeDelta, "minimum fee delta (sat) for a template update")
	flag.StringVar(&cfg.Network, "network", cfg.Network, "bitcoin network (mainnet, testnet, testnet4, signet, regtest)")
	flag.StringVar(&cfg.NodeRPCURL, "rpcconnect", cfg.NodeRPCURL, "bitcoind RPC URL (credentials in userinfo)")
	flag.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for keys and the block archive")
	flag.StringVar(&cfg.MetricsListen, "metrics-listen", cfg.MetricsListen, "prometheus listen address (empty disables)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "sv2tp - Stratum v2 Template Provider\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n  sv2tp [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
		fmt.Fprintf(os.Stderr, "  SV2TP_RPC_URL    Override -rpcconnect\n")
		fmt.Fprintf(os.Stderr, "  SV2TP_DATA_DIR   Override -data-dir\n")
		fmt.Fprintf(os.Stderr, "  LOG_LEVEL        Override -log-level\n")
	}

	flag.Parse()
	cfg.FeeCheckInterval = time.Duration(interval) * time.Second

	// Environment variables override flags (for containerized deployments)
	if v := os.Getenv("SV2TP_RPC_URL"); v != "" {
		cfg.NodeRPCURL = v
	}
	if v := os.Getenv("SV2TP_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	staticKey, err := noise.LoadOrCreateStaticKey(filepath.Join(cfg.DataDir, "sv2_static_key"))
	if err != nil {
		return err
	}
	authorityKey, err := noise.LoadOrCreateAuthorityKey(filepath.Join(cfg.DataDir, "sv2_authority_key"))
	if err != nil {
		return err
	}
	authorityPub := noise.AuthorityPubKey(authorityKey)
	cert, err := noise.SignCertificate(authorityKey, staticKey.Pub, time.Now())
	if err != nil {
		return err
	}

	logger.Info("starting sv2tp",
		zap.String("network", cfg.Network),
		zap.String("listen", cfg.ListenAddr()),
		zap.String("static_key", fmt.Sprintf("%x", staticKey.Pub)),
		zap.String("authority_key", fmt.Sprintf("%x", authorityPub)),
	)
	if cfg.Network != "mainnet" {
		logger.Warn("NOT running on mainnet", zap.String("network", cfg.Network))
	}

	rec := metrics.Default
	if cfg.MetricsListen != "" {
		prom, err := metrics.NewPromRecorder("sv2tp")
		if err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
		rec = prom
		metrics.Default = prom
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler())
		go func() {
			logger.Info("metrics listening", zap.String("addr", cfg.MetricsListen))
			if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	store, err := archive.NewStore(filepath.Join(cfg.DataDir, "blocks.db"), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	node, err := mining.NewRPCClient(cfg.NodeRPCURL, logger)
	if err != nil {
		return fmt.Errorf("init node rpc: %w", err)
	}

	srv := tp.NewServer(node, tp.Options{
		ListenAddr:       cfg.ListenAddr(),
		StaticKey:        staticKey,
		Certificate:      cert,
		FeeCheckInterval: cfg.FeeCheckInterval,
		FeeDelta:         cfg.FeeDelta,
		NodeFailureLimit: cfg.NodeFailureLimit,
		Metrics:          rec,
		Archive:          store,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	return srv.Stop()
}

// preScanConfigFlag finds -config before the full flag parse so file
// values can seed the remaining flag defaults.
func preScanConfigFlag(args []string) string {
	for i, arg := range args {
		switch {
		case arg == "-config" || arg == "--config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(arg, "-config="):
			return strings.TrimPrefix(arg, "-config=")
		case strings.HasPrefix(arg, "--config="):
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	return ""
}

// newLogger builds a production zap logger at the requested level.
func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg.Build()
}
