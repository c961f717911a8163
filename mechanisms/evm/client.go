package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	orderpay "github.com/x402-foundation/orderpay"
	"github.com/x402-foundation/orderpay/ledger"
	evmsigner "github.com/x402-foundation/orderpay/signers/evm"
)

const (
	// DefaultGasLimit is used when gas estimation is unavailable
	DefaultGasLimit = 80000

	// gasHeadroomPercent pads estimated gas
	gasHeadroomPercent = 20

	// Transaction status
	TxStatusSuccess = 1
	TxStatusFailed  = 0
)

// Option configures a Client
type Option func(*Client)

// WithPollInterval sets how often AwaitFinality queries the node
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithRateLimit caps RPC calls per second across every caller of this client.
// Zero disables the limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithLogsFromBlock bounds OrderPaid log queries to blocks at or after n,
// typically the contract deployment block
func WithLogsFromBlock(n uint64) Option {
	return func(c *Client) {
		c.logsFrom = n
	}
}

// Client is an orderpay.ChainClient backed by a JSON-RPC node
type Client struct {
	backend      Backend
	contract     common.Address
	chainID      *big.Int
	pollInterval time.Duration
	limiter      *rate.Limiter
	logsFrom     uint64
	logger       *slog.Logger
}

var (
	_ orderpay.ChainClient       = (*Client)(nil)
	_ orderpay.DepthLedgerReader = (*Client)(nil)
)

// NewClient creates a chain client for the OrderPayments contract at contract
func NewClient(backend Backend, contract common.Address, chainID *big.Int, opts ...Option) *Client {
	c := &Client{
		backend:      backend,
		contract:     contract,
		chainID:      chainID,
		pollInterval: orderpay.DefaultPollInterval,
		limiter:      rate.NewLimiter(rate.Limit(orderpay.DefaultRPCRateLimit), orderpay.DefaultRPCRateLimit),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "evm", "contract", contract.Hex())
	return c
}

// Dial connects to cfg.RPCURL. A zero cfg.ChainID is read from the node.
func Dial(ctx context.Context, cfg orderpay.Config, opts ...Option) (*Client, error) {
	backend, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, orderpay.Wrap(orderpay.ErrNetwork, fmt.Errorf("failed to connect to RPC: %w", err))
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = backend.ChainID(ctx)
		if err != nil {
			backend.Close()
			return nil, orderpay.Wrap(orderpay.ErrNetwork, fmt.Errorf("failed to get chain ID: %w", err))
		}
	}

	base := []Option{
		WithPollInterval(cfg.PollInterval),
		WithRateLimit(cfg.RPCRateLimit, int(cfg.RPCRateLimit)+1),
	}
	return NewClient(backend, common.HexToAddress(cfg.ContractAddress), chainID, append(base, opts...)...), nil
}

// SubmitPayment simulates pay(orderID) with eth_call, checks the payer can
// cover value plus gas, then signs and broadcasts exactly one transaction.
func (c *Client) SubmitPayment(ctx context.Context, orderID orderpay.OrderID, amount *big.Int, creds orderpay.PayerCredentials) (orderpay.TransactionRef, error) {
	if err := orderID.Validate(); err != nil {
		return orderpay.TransactionRef{}, orderpay.Wrap(orderpay.ErrSubmission, err)
	}
	signer, err := evmsigner.FromCredentials(creds)
	if err != nil {
		return orderpay.TransactionRef{}, err
	}
	value := new(big.Int)
	if amount != nil {
		value.Set(amount)
	}

	data, err := ledger.PackPay(orderID)
	if err != nil {
		return orderpay.TransactionRef{}, orderpay.Wrap(orderpay.ErrSubmission, fmt.Errorf("failed to pack pay call: %w", err))
	}
	from := signer.Address()
	msg := ethereum.CallMsg{From: from, To: &c.contract, Value: value, Data: data}

	// Simulate
	if err := c.wait(ctx); err != nil {
		return orderpay.TransactionRef{}, err
	}
	if _, err := c.backend.CallContract(ctx, msg, nil); err != nil {
		return orderpay.TransactionRef{}, c.classifyCallError(orderID, err)
	}

	// Gas
	if err := c.wait(ctx); err != nil {
		return orderpay.TransactionRef{}, err
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return orderpay.TransactionRef{}, orderpay.Wrap(orderpay.ErrNetwork, fmt.Errorf("failed to get gas price: %w", err))
	}
	gasLimit := uint64(DefaultGasLimit)
	if estimated, err := c.backend.EstimateGas(ctx, msg); err == nil {
		gasLimit = estimated + estimated*gasHeadroomPercent/100
	} else {
		c.logger.Debug("gas estimation failed, using default", "order_id", orderID, "error", err)
	}

	// Balance preflight
	if err := c.wait(ctx); err != nil {
		return orderpay.TransactionRef{}, err
	}
	balance, err := c.backend.BalanceAt(ctx, from, nil)
	if err != nil {
		return orderpay.TransactionRef{}, orderpay.Wrap(orderpay.ErrNetwork, fmt.Errorf("failed to get balance: %w", err))
	}
	cost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	cost.Add(cost, value)
	if balance.Cmp(cost) < 0 {
		return orderpay.TransactionRef{}, orderpay.Wrapf(orderpay.ErrInsufficientFunds, "balance %s below value plus gas %s", balance, cost).WithOrder(orderID)
	}

	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return orderpay.TransactionRef{}, orderpay.Wrap(orderpay.ErrNetwork, fmt.Errorf("failed to get nonce: %w", err))
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.contract,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := signer.SignTx(tx, c.chainID)
	if err != nil {
		return orderpay.TransactionRef{}, err
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return orderpay.TransactionRef{}, c.classifySendError(orderID, err)
	}

	hash := signed.Hash().Hex()
	c.logger.Info("payment submitted", "order_id", orderID, "tx_hash", hash, "from", from.Hex(), "value", value, "nonce", nonce)
	return orderpay.TransactionRef{Hash: hash, Status: orderpay.TxPending}, nil
}

// QueryLedgerRecord reads orders(orderId) and attaches the OrderPaid log
// when one can be found
func (c *Client) QueryLedgerRecord(ctx context.Context, orderID orderpay.OrderID) (orderpay.LedgerRecord, error) {
	data, err := ledger.PackOrders(orderID)
	if err != nil {
		return orderpay.LedgerRecord{}, fmt.Errorf("failed to pack orders call: %w", err)
	}
	if err := c.wait(ctx); err != nil {
		return orderpay.LedgerRecord{}, err
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return orderpay.LedgerRecord{}, orderpay.Wrap(orderpay.ErrNetwork, fmt.Errorf("failed to read ledger: %w", err))
	}

	rec, err := ledger.UnpackOrders(orderID, out)
	if err != nil {
		return orderpay.LedgerRecord{}, orderpay.Wrap(orderpay.ErrNetwork, err)
	}
	if !rec.Paid {
		return orderpay.LedgerRecord{}, orderpay.ErrNotFound.WithOrder(orderID)
	}

	paid, err := c.paidLog(ctx, orderID)
	if err != nil {
		c.logger.Warn("failed to load OrderPaid log", "order_id", orderID, "error", err)
		return rec, nil
	}
	if paid != nil {
		rec.TxHash = paid.TxHash.Hex()
		rec.BlockNumber = paid.BlockNumber
	}
	return rec, nil
}

// QueryLedgerRecordAtDepth reads orders(orderId) at the block confirmations
// deep, so a paid result has at least that many confirmations
func (c *Client) QueryLedgerRecordAtDepth(ctx context.Context, orderID orderpay.OrderID, confirmations int) (orderpay.LedgerRecord, error) {
	if confirmations < 1 {
		confirmations = 1
	}
	data, err := ledger.PackOrders(orderID)
	if err != nil {
		return orderpay.LedgerRecord{}, fmt.Errorf("failed to pack orders call: %w", err)
	}

	if err := c.wait(ctx); err != nil {
		return orderpay.LedgerRecord{}, err
	}
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return orderpay.LedgerRecord{}, orderpay.Wrap(orderpay.ErrNetwork, fmt.Errorf("failed to get block number: %w", err))
	}
	if head+1 < uint64(confirmations) {
		return orderpay.LedgerRecord{}, orderpay.ErrNotFound.WithOrder(orderID)
	}
	at := head + 1 - uint64(confirmations)

	if err := c.wait(ctx); err != nil {
		return orderpay.LedgerRecord{}, err
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, new(big.Int).SetUint64(at))
	if err != nil {
		return orderpay.LedgerRecord{}, orderpay.Wrap(orderpay.ErrNetwork, fmt.Errorf("failed to read ledger at block %d: %w", at, err))
	}
	rec, err := ledger.UnpackOrders(orderID, out)
	if err != nil {
		return orderpay.LedgerRecord{}, orderpay.Wrap(orderpay.ErrNetwork, err)
	}
	if !rec.Paid {
		return orderpay.LedgerRecord{}, orderpay.ErrNotFound.WithOrder(orderID)
	}
	return rec, nil
}

// paidLog returns the canonical OrderPaid log for the order, or nil
func (c *Client) paidLog(ctx context.Context, orderID orderpay.OrderID) (*ledger.PaidLog, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(c.logsFrom),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{ledger.OrderPaidTopic}, {ledger.OrderKey(orderID)}},
	})
	if err != nil {
		return nil, err
	}

	var found *ledger.PaidLog
	for _, l := range logs {
		parsed, err := ledger.ParsePaidLog(l)
		if err != nil || parsed.Removed {
			continue
		}
		found = &parsed
	}
	return found, nil
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return orderpay.Wrap(orderpay.ErrTimedOut, ctx.Err())
		}
		return orderpay.Wrap(orderpay.ErrNetwork, err)
	}
	return nil
}

// classifyCallError maps an eth_call failure to a ledger or network error
func (c *Client) classifyCallError(orderID orderpay.OrderID, err error) error {
	if revert := revertData(err); revert != nil {
		if decoded := ledger.DecodeRevert(revert); decoded != nil {
			var se *orderpay.SettlementError
			if errors.As(decoded, &se) {
				return se.WithOrder(orderID)
			}
			return decoded
		}
	}
	if strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
		return orderpay.Wrap(orderpay.ErrInsufficientFunds, err).WithOrder(orderID)
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return orderpay.Wrap(orderpay.ErrTxFailed, err).WithOrder(orderID)
	}
	return orderpay.Wrap(orderpay.ErrNetwork, err).WithOrder(orderID)
}

// classifySendError maps eth_sendRawTransaction failures. Node rejections are
// submission errors; transport failures are network errors.
func (c *Client) classifySendError(orderID orderpay.OrderID, err error) error {
	if strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
		return orderpay.Wrap(orderpay.ErrInsufficientFunds, err).WithOrder(orderID)
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return orderpay.Wrap(orderpay.ErrSubmission, err).WithOrder(orderID)
	}
	return orderpay.Wrap(orderpay.ErrNetwork, err).WithOrder(orderID)
}

// revertData extracts revert bytes from a JSON-RPC error
func revertData(err error) []byte {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil
	}
	switch v := dataErr.ErrorData().(type) {
	case string:
		b, err := hexutil.Decode(v)
		if err != nil {
			return nil
		}
		return b
	case []byte:
		return v
	}
	return nil
}
