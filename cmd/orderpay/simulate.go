package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	orderpay "github.com/x402-foundation/orderpay"
	"github.com/x402-foundation/orderpay/extensions/idempotency"
	"github.com/x402-foundation/orderpay/mechanisms/memchain"
	evmsigner "github.com/x402-foundation/orderpay/signers/evm"
	"github.com/x402-foundation/orderpay/store"
)

// simulation describes one order paid and settled on an in-process chain
type simulation struct {
	Expected      *big.Int
	Paid          *big.Int
	Confirmations int
	BlockTime     time.Duration
	Timeout       time.Duration
}

// simulationResult is printed by the simulate command
type simulationResult struct {
	Decision *orderpay.SettlementDecision `json:"decision"`
	Applied  int                          `json:"applied"`
	Head     uint64                       `json:"head"`
}

func simulateCmd(g *globals) *cobra.Command {
	var (
		expected      string
		paid          string
		confirmations int
		blockTime     time.Duration
		timeout       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Pay and settle one order on an in-process chain",
		Long: `Run one order through payment and settlement without a node or order
service: a fresh payer pays --paid for an order expecting --expected, blocks
are mined every --block-time, and the resulting decision is printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			exp, err := parseAmount(expected)
			if err != nil {
				return fmt.Errorf("--expected: %w", err)
			}
			amount, err := parseAmount(paid)
			if err != nil {
				return fmt.Errorf("--paid: %w", err)
			}

			result, err := simulate(cmd.Context(), simulation{
				Expected:      exp,
				Paid:          amount,
				Confirmations: confirmations,
				BlockTime:     blockTime,
				Timeout:       timeout,
			}, g.logger(cmd))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringVar(&expected, "expected", "1000000", "Amount the order expects")
	cmd.Flags().StringVar(&paid, "paid", "1000000", "Amount the payer sends")
	cmd.Flags().IntVar(&confirmations, "confirmations", 3, "Confirmations required")
	cmd.Flags().DurationVar(&blockTime, "block-time", 50*time.Millisecond, "Block interval")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Settlement timeout")

	return cmd
}

func simulate(ctx context.Context, s simulation, logger *slog.Logger) (*simulationResult, error) {
	if s.BlockTime <= 0 {
		return nil, fmt.Errorf("block time must be positive")
	}

	chain := memchain.New(memchain.WithPollInterval(s.BlockTime/2), memchain.WithLogger(logger))
	creds, payer, err := evmsigner.GenerateCredentials()
	if err != nil {
		return nil, err
	}
	chain.Fund(payer.Hex(), s.Paid)

	orderID := orderpay.OrderID(uuid.NewString())
	orders := newOrderBook(orderpay.ExpectedPayment{OrderID: orderID, Amount: s.Expected})

	reconciler, err := orderpay.NewReconciler(chain, orders, store.NewMemoryStore(), orderpay.Config{
		ConfirmationsRequired: s.Confirmations,
		SettlementTimeout:     s.Timeout,
		PollInterval:          s.BlockTime / 2,
		MaxBackoff:            s.BlockTime * 4,
	}, orderpay.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	defer reconciler.Shutdown(context.Background())

	miningCtx, stopMining := context.WithCancel(ctx)
	defer stopMining()
	chain.StartMining(miningCtx, s.BlockTime)

	ref, err := idempotency.Wrap(chain, idempotency.WithLogger(logger)).SubmitPayment(ctx, orderID, s.Paid, creds)
	if err != nil {
		return nil, err
	}

	decision, err := reconciler.Settle(ctx, orderID, ref.Hash)
	if err != nil {
		return nil, err
	}
	return &simulationResult{Decision: decision, Applied: orders.appliedCount(), Head: chain.Head()}, nil
}

// orderBook is a single-order OrderStore held in memory
type orderBook struct {
	mu       sync.Mutex
	expected orderpay.ExpectedPayment
	applied  []orderpay.SettlementDecision
}

func newOrderBook(expected orderpay.ExpectedPayment) *orderBook {
	return &orderBook{expected: expected}
}

func (b *orderBook) ExpectedPaymentFor(_ context.Context, orderID orderpay.OrderID) (orderpay.ExpectedPayment, error) {
	if orderID != b.expected.OrderID {
		return orderpay.ExpectedPayment{}, orderpay.ErrNotFound.WithOrder(orderID)
	}
	return b.expected, nil
}

func (b *orderBook) ApplySettlement(_ context.Context, orderID orderpay.OrderID, decision orderpay.SettlementDecision) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, prev := range b.applied {
		if prev.Equal(&decision) {
			return nil
		}
	}
	b.applied = append(b.applied, decision)
	return nil
}

func (b *orderBook) appliedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.applied)
}
