// Command orderpay pays orders on-chain and inspects their settlement.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	orderpay "github.com/x402-foundation/orderpay"
	"github.com/x402-foundation/orderpay/pkg/config"
)

var Version = "dev"

// globals are the persistent flags shared by every subcommand
type globals struct {
	configPath string
	envFile    string
	apiURL     string
	verbose    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	rootCmd := &cobra.Command{
		Use:           "orderpay",
		Short:         "Pay orders on-chain and inspect their settlement",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&g.configPath, "config", "c", "", "Path to a YAML config file")
	flags.StringVar(&g.envFile, "env-file", ".env", "Path to a .env file (missing is fine)")
	flags.StringVar(&g.apiURL, "api", "http://localhost"+orderpay.DefaultListenAddr, "Base URL of the settlement API")
	flags.BoolVarP(&g.verbose, "verbose", "v", false, "Log to stderr")

	rootCmd.AddCommand(payCmd(g))
	rootCmd.AddCommand(recordCmd(g))
	rootCmd.AddCommand(settleCmd(g))
	rootCmd.AddCommand(statusCmd(g))
	rootCmd.AddCommand(simulateCmd(g))

	return rootCmd
}

// config loads settings without requiring the daemon-only ones
func (g *globals) config() (orderpay.Config, error) {
	return config.Load(g.configPath, config.WithEnvFile(g.envFile), config.WithoutValidation())
}

// chainConfig loads settings and checks the ones needed to reach the chain
func (g *globals) chainConfig() (orderpay.Config, error) {
	cfg, err := g.config()
	if err != nil {
		return cfg, err
	}
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return cfg, fmt.Errorf("rpc url is required (%s)", config.EnvRPCURL)
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return cfg, fmt.Errorf("valid contract address is required (%s)", config.EnvContractAddress)
	}
	return cfg, nil
}

func (g *globals) logger(cmd *cobra.Command) *slog.Logger {
	if !g.verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func parseAmount(s string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q: expected a base-10 integer in the smallest unit", s)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
