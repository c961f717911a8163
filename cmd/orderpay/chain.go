package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	orderpay "github.com/x402-foundation/orderpay"
	"github.com/x402-foundation/orderpay/extensions/idempotency"
	"github.com/x402-foundation/orderpay/mechanisms/evm"
	"github.com/x402-foundation/orderpay/pkg/config"
	evmsigner "github.com/x402-foundation/orderpay/signers/evm"
)

func payCmd(g *globals) *cobra.Command {
	var (
		keyFile string
		wait    bool
		retries int
	)

	cmd := &cobra.Command{
		Use:   "pay <order-id> <amount>",
		Short: "Submit one payment for an order",
		Long: `Submit pay(orderId) to the OrderPayments contract carrying amount, in the
smallest currency unit. The payer key is read from --key-file or
ORDERPAY_PAYER_KEY.

Network failures before broadcast are retried up to --retries times.

With --wait the command polls until the transaction reaches the configured
confirmation depth or the settlement timeout passes.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.chainConfig()
			if err != nil {
				return err
			}
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			creds, err := payerCredentials(keyFile)
			if err != nil {
				return err
			}
			signer, err := evmsigner.FromCredentials(creds)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			logger := g.logger(cmd)
			client, err := evm.Dial(ctx, cfg, evm.WithLogger(logger))
			if err != nil {
				return err
			}
			chain := idempotency.Wrap(client, idempotency.WithLogger(logger))

			orderID := orderpay.OrderID(args[0])
			ref, err := submitWithRetry(ctx, chain, orderID, amount, creds, retries, cfg.PollInterval, logger)
			if err != nil {
				return err
			}
			logger.Info("payment submitted", "order_id", orderID, "tx_hash", ref.Hash, "payer", signer.Address().Hex())

			if wait {
				waitCtx, cancel := context.WithTimeout(ctx, cfg.SettlementTimeout)
				defer cancel()
				ref, err = chain.AwaitFinality(waitCtx, ref, cfg.ConfirmationsRequired)
				if err != nil && !errors.Is(err, orderpay.ErrTimedOut) {
					return err
				}
				if printErr := printJSON(cmd.OutOrStdout(), ref); printErr != nil {
					return printErr
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), ref)
		},
	}

	cmd.Flags().StringVar(&keyFile, "key-file", "", "File holding the hex payer private key")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the configured confirmation depth")
	cmd.Flags().IntVar(&retries, "retries", 3, "Retries after a network failure")

	return cmd
}

// submitWithRetry retries retryable submission failures, waiting delay
// between tries
func submitWithRetry(ctx context.Context, chain orderpay.ChainClient, orderID orderpay.OrderID, amount *big.Int, creds orderpay.PayerCredentials, retries int, delay time.Duration, logger *slog.Logger) (orderpay.TransactionRef, error) {
	for try := 0; ; try++ {
		ref, err := chain.SubmitPayment(ctx, orderID, amount, creds)
		if err == nil || try >= retries || !orderpay.IsRetryable(err) {
			return ref, err
		}
		logger.Warn("payment submission failed, retrying", "order_id", orderID, "try", try+1, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return orderpay.TransactionRef{}, ctx.Err()
		case <-timer.C:
		}
	}
}

func recordCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "record <order-id>",
		Short: "Show the ledger record of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.chainConfig()
			if err != nil {
				return err
			}
			client, err := evm.Dial(cmd.Context(), cfg, evm.WithLogger(g.logger(cmd)))
			if err != nil {
				return err
			}
			record, err := client.QueryLedgerRecord(cmd.Context(), orderpay.OrderID(args[0]))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), record)
		},
	}
}

func payerCredentials(keyFile string) (orderpay.PayerCredentials, error) {
	if keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return orderpay.PayerCredentials{}, fmt.Errorf("read key file: %w", err)
		}
		return orderpay.PayerCredentials{PrivateKey: strings.TrimSpace(string(data))}, nil
	}
	key := strings.TrimSpace(os.Getenv(config.EnvPayerKey))
	if key == "" {
		return orderpay.PayerCredentials{}, fmt.Errorf("payer key is required (--key-file or %s)", config.EnvPayerKey)
	}
	return orderpay.PayerCredentials{PrivateKey: key}, nil
}
