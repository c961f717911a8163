package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	orderpay "github.com/x402-foundation/orderpay"
)

// AwaitFinality polls the receipt of ref until it is buried under
// confirmations blocks. A receipt that disappears, or moves to a block that
// is no longer canonical, yields ErrReorganized.
func (c *Client) AwaitFinality(ctx context.Context, ref orderpay.TransactionRef, confirmations int) (orderpay.TransactionRef, error) {
	if confirmations < 1 {
		confirmations = 1
	}
	latest := ref

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		observed, err := c.inspect(ctx, latest, confirmations)
		if err != nil {
			if ctx.Err() != nil {
				return latest, orderpay.Wrap(orderpay.ErrTimedOut, ctx.Err())
			}
			return latest, err
		}
		latest = observed

		switch observed.Status {
		case orderpay.TxReorganized:
			c.logger.Warn("transaction reorganized", "tx_hash", ref.Hash, "block", ref.BlockNumber)
			return observed, orderpay.Wrapf(orderpay.ErrReorganized, "transaction %s left the canonical chain", ref.Hash)
		case orderpay.TxFailed:
			return observed, orderpay.Wrapf(orderpay.ErrTxFailed, "transaction %s reverted", ref.Hash)
		case orderpay.TxConfirmed:
			return observed, nil
		}

		select {
		case <-ctx.Done():
			return latest, orderpay.Wrap(orderpay.ErrTimedOut, ctx.Err())
		case <-ticker.C:
		}
	}
}

// inspect takes one observation of the transaction
func (c *Client) inspect(ctx context.Context, prev orderpay.TransactionRef, confirmations int) (orderpay.TransactionRef, error) {
	hash := common.HexToHash(prev.Hash)
	out := orderpay.TransactionRef{Hash: prev.Hash, Status: orderpay.TxPending}

	if err := c.wait(ctx); err != nil {
		return prev, err
	}
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		if prev.Included() {
			// Was mined, now gone
			out.Status = orderpay.TxReorganized
			return out, nil
		}
		return out, nil
	}
	if err != nil {
		return prev, orderpay.Wrap(orderpay.ErrPollFailed, fmt.Errorf("failed to get receipt: %w", err))
	}
	if receipt.BlockNumber == nil {
		return out, nil
	}

	out.BlockNumber = receipt.BlockNumber.Uint64()
	out.BlockHash = receipt.BlockHash.Hex()
	if prev.Included() && (prev.BlockNumber != out.BlockNumber || !strings.EqualFold(prev.BlockHash, out.BlockHash)) {
		out.Status = orderpay.TxReorganized
		return out, nil
	}

	if err := c.wait(ctx); err != nil {
		return prev, err
	}
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return prev, orderpay.Wrap(orderpay.ErrPollFailed, fmt.Errorf("failed to get block number: %w", err))
	}
	if head >= out.BlockNumber {
		out.Confirmations = int(head - out.BlockNumber + 1)
	}

	// The receipt block must still be canonical at its height
	if err := c.wait(ctx); err != nil {
		return prev, err
	}
	header, err := c.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(out.BlockNumber))
	if err != nil {
		return prev, orderpay.Wrap(orderpay.ErrPollFailed, fmt.Errorf("failed to get header: %w", err))
	}
	if header.Hash() != receipt.BlockHash {
		out.Status = orderpay.TxReorganized
		return out, nil
	}

	if out.Confirmations < confirmations {
		return out, nil
	}
	if receipt.Status == TxStatusSuccess {
		out.Status = orderpay.TxConfirmed
	} else {
		out.Status = orderpay.TxFailed
	}
	return out, nil
}
