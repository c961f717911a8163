// Command settlerd runs the settlement reconciler behind the settlement API.
//
// Usage:
//
//	settlerd [--config orderpay.yaml] [--env-file .env] [--dev] [--otlp-endpoint host:4317]
//
// Configuration comes from the YAML file, the .env file and ORDERPAY_*
// variables, in that order. With --dev the daemon settles against an
// in-process chain that mines a block every --block-time.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	orderpay "github.com/x402-foundation/orderpay"
	orderpayhttp "github.com/x402-foundation/orderpay/http"
	"github.com/x402-foundation/orderpay/mechanisms/evm"
	"github.com/x402-foundation/orderpay/mechanisms/memchain"
	"github.com/x402-foundation/orderpay/pkg/config"
	"github.com/x402-foundation/orderpay/pkg/observability"
	"github.com/x402-foundation/orderpay/store"
)

// shutdownTimeout bounds how long in-flight settlements get to persist their
// state on exit
const shutdownTimeout = 30 * time.Second

var Version = "dev"

func main() {
	os.Exit(Run(os.Args[1:], os.Stderr))
}

type options struct {
	configPath   string
	envFile      string
	dev          bool
	blockTime    time.Duration
	logLevel     string
	logFormat    string
	otlpEndpoint string
	otlpInsecure bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("settlerd", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&opts.configPath, "config", "", "Path to a YAML config file")
	fs.StringVar(&opts.envFile, "env-file", ".env", "Path to a .env file (missing is fine)")
	fs.BoolVar(&opts.dev, "dev", false, "Settle against an in-process chain")
	fs.DurationVar(&opts.blockTime, "block-time", 2*time.Second, "Block interval of the --dev chain")
	fs.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.StringVar(&opts.logFormat, "log-format", "json", "Log format (json, text)")
	fs.StringVar(&opts.otlpEndpoint, "otlp-endpoint", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), "OTLP/gRPC metrics endpoint; empty disables metrics")
	fs.BoolVar(&opts.otlpInsecure, "otlp-insecure", false, "Export metrics over plaintext gRPC")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if opts.blockTime <= 0 {
		return nil, fmt.Errorf("--block-time must be positive")
	}
	return opts, nil
}

// Run is the entrypoint, split from main for tests. It returns the exit code.
func Run(args []string, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 2
	}

	logger, err := newLogger(stderr, opts.logLevel, opts.logFormat)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Error("settlerd stopped", "error", err)
		return 1
	}
	return 0
}

func loadConfig(opts *options) (orderpay.Config, error) {
	cfg, err := config.Load(opts.configPath, config.WithEnvFile(opts.envFile), config.WithoutValidation())
	if err != nil {
		return cfg, err
	}
	if opts.dev {
		cfg.Dev = true
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if cfg.OrderStoreURL == "" {
		return cfg, fmt.Errorf("order store url is required (%s)", config.EnvOrderStoreURL)
	}
	return cfg, nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}

	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

// openChain returns the chain client for cfg. In dev mode the in-process
// chain mines until ctx ends.
func openChain(ctx context.Context, cfg orderpay.Config, blockTime time.Duration, logger *slog.Logger) (orderpay.ChainClient, error) {
	if cfg.Dev {
		chain := memchain.New(memchain.WithPollInterval(cfg.PollInterval), memchain.WithLogger(logger))
		chain.StartMining(ctx, blockTime)
		logger.Warn("using in-process dev chain", "block_time", blockTime)
		return chain, nil
	}

	client, err := evm.Dial(ctx, cfg, evm.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	logger.Info("connected to chain", "rpc_url", cfg.RPCURL, "contract", cfg.ContractAddress)
	return client, nil
}

func run(ctx context.Context, cfg orderpay.Config, opts *options, logger *slog.Logger) error {
	chain, err := openChain(ctx, cfg, opts.blockTime, logger)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("failed to close settlement store", "error", err)
		}
	}()

	orders, err := orderpayhttp.NewOrderStoreClient(&orderpayhttp.OrderStoreConfig{
		URL:    cfg.OrderStoreURL,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	metrics, err := observability.New(ctx, &observability.Config{
		ServiceName:    "orderpay-settlerd",
		ServiceVersion: Version,
		OTLPEndpoint:   opts.otlpEndpoint,
		Interval:       15 * time.Second,
		Insecure:       opts.otlpInsecure,
		Enabled:        opts.otlpEndpoint != "",
	})
	if err != nil {
		return err
	}
	defer metrics.Shutdown(context.Background())

	reconciler, err := orderpay.NewReconciler(chain, orders, st, cfg,
		orderpay.WithLogger(logger),
		orderpay.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}
	reconciler.OnLatePayment(func(c orderpay.LatePaymentContext) error {
		logger.Warn("payment arrived after rejection",
			"order_id", c.OrderID,
			"tx_hash", c.Record.TxHash,
			"payer", c.Record.Payer,
			"amount", c.Record.Amount.String(),
			"reason", c.Decision.Reason,
		)
		return nil
	})

	resumed, err := reconciler.Resume(ctx)
	if err != nil {
		logger.Warn("resume incomplete", "resumed", resumed, "error", err)
	}
	reconciler.StartRedelivery()

	server, err := orderpayhttp.NewServer(reconciler, chain, orderpayhttp.WithServerLogger(logger))
	if err != nil {
		return err
	}
	serveErr := server.ListenAndServe(ctx, cfg.ListenAddr)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := reconciler.Shutdown(shutdownCtx); err != nil {
		logger.Warn("settlements still running at shutdown", "error", err)
	}
	return serveErr
}
