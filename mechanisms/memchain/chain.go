// Package memchain is an in-process chain hosting the payment ledger. It
// implements orderpay.ChainClient with blocks, a mempool, reorgs and dropped
// transactions so settlement can be exercised without a node.
//
// Blocks are only produced by Mine (or the StartMining loop). Reorg removes
// the newest blocks and replays the remaining chain; the removed
// transactions go back to the mempool unless dropped.
package memchain

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	orderpay "github.com/x402-foundation/orderpay"
	"github.com/x402-foundation/orderpay/ledger"
	evmsigner "github.com/x402-foundation/orderpay/signers/evm"
)

// DefaultPollInterval is how often AwaitFinality re-checks the chain
const DefaultPollInterval = 10 * time.Millisecond

// Option configures a Chain
type Option func(*Chain)

// WithPollInterval sets the AwaitFinality poll interval
func WithPollInterval(d time.Duration) Option {
	return func(c *Chain) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Chain) {
		if logger != nil {
			c.logger = logger
		}
	}
}

type transaction struct {
	hash    string
	from    string
	orderID orderpay.OrderID
	value   *big.Int
}

type receipt struct {
	success bool
	err     error
}

type block struct {
	number   uint64
	hash     string
	time     time.Time
	txs      []*transaction
	receipts map[string]receipt
}

// Chain is safe for concurrent use
type Chain struct {
	mu sync.Mutex

	funding  map[string]*big.Int
	balances map[string]*big.Int
	nonces   map[string]uint64

	blocks  []*block
	mempool []*transaction
	txs     map[string]*transaction
	dropped map[string]bool
	forks   uint64

	ledger  *ledger.Ledger
	offline bool

	pollInterval time.Duration
	logger       *slog.Logger
}

var _ orderpay.ChainClient = (*Chain)(nil)

// New creates an empty chain at height zero
func New(opts ...Option) *Chain {
	c := &Chain{
		funding:      make(map[string]*big.Int),
		balances:     make(map[string]*big.Int),
		nonces:       make(map[string]uint64),
		txs:          make(map[string]*transaction),
		dropped:      make(map[string]bool),
		ledger:       ledger.New(),
		pollInterval: DefaultPollInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "memchain")
	return c
}

// Fund credits an account
func (c *Chain) Fund(address string, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := normalize(address)
	if c.funding[key] == nil {
		c.funding[key] = new(big.Int)
	}
	c.funding[key].Add(c.funding[key], amount)
	c.credit(key, amount)
}

// Balance returns the account balance at the head
func (c *Chain) Balance(address string) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.balances[normalize(address)]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Head returns the current block number
func (c *Chain) Head() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(len(c.blocks))
}

// Pending returns the number of transactions in the mempool
func (c *Chain) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.mempool)
}

// Ledger returns a snapshot of the ledger at the head
func (c *Chain) Ledger() *ledger.Ledger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Clone()
}

// SetOffline makes every call fail with a network error while true
func (c *Chain) SetOffline(offline bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offline = offline
}

// SubmitPayment signs and queues a pay(orderID) transaction. Like a node's
// eth_call preflight, it refuses payments the ledger would revert at the head.
func (c *Chain) SubmitPayment(ctx context.Context, orderID orderpay.OrderID, amount *big.Int, creds orderpay.PayerCredentials) (orderpay.TransactionRef, error) {
	if err := ctx.Err(); err != nil {
		return orderpay.TransactionRef{}, orderpay.Wrap(orderpay.ErrNetwork, err)
	}
	if err := orderID.Validate(); err != nil {
		return orderpay.TransactionRef{}, orderpay.Wrap(orderpay.ErrSubmission, err)
	}

	signer, err := evmsigner.FromCredentials(creds)
	if err != nil {
		return orderpay.TransactionRef{}, err
	}
	from := normalize(signer.Address().Hex())

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.offline {
		return orderpay.TransactionRef{}, orderpay.ErrNetwork
	}
	if amount == nil || amount.Sign() <= 0 {
		if rec, ok := c.ledger.Record(orderID); ok && rec.Paid {
			return orderpay.TransactionRef{}, orderpay.ErrAlreadyPaid.WithOrder(orderID)
		}
		return orderpay.TransactionRef{}, orderpay.ErrZeroValue.WithOrder(orderID)
	}
	if rec, ok := c.ledger.Record(orderID); ok && rec.Paid {
		return orderpay.TransactionRef{}, orderpay.ErrAlreadyPaid.WithOrder(orderID)
	}
	if c.balanceLocked(from).Cmp(amount) < 0 {
		return orderpay.TransactionRef{}, orderpay.Wrapf(orderpay.ErrInsufficientFunds, "balance %s below amount %s", c.balanceLocked(from), amount).WithOrder(orderID)
	}

	tx := c.enqueue(from, orderID, amount)
	c.logger.Debug("payment queued", "order_id", orderID, "tx_hash", tx.hash, "from", from)
	return orderpay.TransactionRef{Hash: tx.hash, Status: orderpay.TxPending}, nil
}

// Inject queues a raw payment without preflight checks, as another wallet
// could. It returns the transaction hash.
func (c *Chain) Inject(from string, orderID orderpay.OrderID, amount *big.Int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enqueue(normalize(from), orderID, amount).hash
}

// Drop removes a transaction from the mempool for good. A dropped transaction
// that is later orphaned by a reorg does not return.
func (c *Chain) Drop(txHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := normalize(txHash)
	c.dropped[key] = true
	kept := c.mempool[:0]
	for _, tx := range c.mempool {
		if tx.hash != key {
			kept = append(kept, tx)
		}
	}
	c.mempool = kept
}

// Mine produces n blocks. The first one includes the whole mempool.
func (c *Chain) Mine(n int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < n; i++ {
		c.mineLocked()
	}
	return uint64(len(c.blocks))
}

// Reorg removes the newest depth blocks and replays the rest
func (c *Chain) Reorg(depth int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if depth > len(c.blocks) {
		depth = len(c.blocks)
	}
	cut := len(c.blocks) - depth
	orphaned := c.blocks[cut:]
	c.blocks = c.blocks[:cut]
	c.forks++

	var returned []*transaction
	for _, b := range orphaned {
		for _, tx := range b.txs {
			if !c.dropped[tx.hash] {
				returned = append(returned, tx)
			}
		}
	}
	c.mempool = append(returned, c.mempool...)
	c.replayLocked()

	c.logger.Info("chain reorganized", "depth", depth, "head", len(c.blocks), "returned", len(returned))
}

// StartMining mines one block per interval until ctx ends
func (c *Chain) StartMining(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Mine(1)
			}
		}
	}()
}

// AwaitFinality polls until the transaction has the required confirmations,
// failed at that depth, was dropped, or left the canonical chain.
func (c *Chain) AwaitFinality(ctx context.Context, ref orderpay.TransactionRef, confirmations int) (orderpay.TransactionRef, error) {
	if confirmations < 1 {
		confirmations = 1
	}
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	latest := ref
	for {
		next, err := c.inspect(latest, confirmations)
		if err != nil {
			return latest, err
		}
		latest = next
		switch {
		case next.Status == orderpay.TxReorganized:
			return next, orderpay.ErrReorganized
		case next.Status == orderpay.TxFailed:
			return next, orderpay.ErrTxFailed
		case next.Status == orderpay.TxConfirmed:
			return next, nil
		}

		select {
		case <-ctx.Done():
			return latest, orderpay.Wrap(orderpay.ErrTimedOut, ctx.Err())
		case <-ticker.C:
		}
	}
}

// QueryLedgerRecord reads the ledger at the head
func (c *Chain) QueryLedgerRecord(ctx context.Context, orderID orderpay.OrderID) (orderpay.LedgerRecord, error) {
	if err := ctx.Err(); err != nil {
		return orderpay.LedgerRecord{}, orderpay.Wrap(orderpay.ErrNetwork, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.offline {
		return orderpay.LedgerRecord{}, orderpay.ErrNetwork
	}
	rec, ok := c.ledger.Record(orderID)
	if !ok {
		return orderpay.LedgerRecord{}, orderpay.ErrNotFound.WithOrder(orderID)
	}
	return rec, nil
}

func (c *Chain) inspect(ref orderpay.TransactionRef, confirmations int) (orderpay.TransactionRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.offline {
		return ref, orderpay.ErrPollFailed
	}

	hash := normalize(ref.Hash)
	head := uint64(len(c.blocks))
	out := orderpay.TransactionRef{Hash: ref.Hash, Status: orderpay.TxPending}

	for _, b := range c.blocks {
		r, ok := b.receipts[hash]
		if !ok {
			continue
		}
		if ref.Included() && (ref.BlockNumber != b.number || (ref.BlockHash != "" && ref.BlockHash != b.hash)) {
			out.Status = orderpay.TxReorganized
			return out, nil
		}

		out.BlockNumber = b.number
		out.BlockHash = b.hash
		out.Confirmations = int(head - b.number + 1)
		if out.Confirmations >= confirmations {
			if r.success {
				out.Status = orderpay.TxConfirmed
			} else {
				out.Status = orderpay.TxFailed
			}
		}
		return out, nil
	}

	switch {
	case ref.Included():
		out.Status = orderpay.TxReorganized
	case c.dropped[hash]:
		out.Status = orderpay.TxFailed
	}
	return out, nil
}

func (c *Chain) enqueue(from string, orderID orderpay.OrderID, amount *big.Int) *transaction {
	nonce := c.nonces[from]
	c.nonces[from] = nonce + 1

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	hash := crypto.Keccak256Hash([]byte(from), buf[:], []byte(orderID)).Hex()

	tx := &transaction{
		hash:    normalize(hash),
		from:    from,
		orderID: orderID,
		value:   new(big.Int).Set(amount),
	}
	c.txs[tx.hash] = tx
	c.mempool = append(c.mempool, tx)
	return tx
}

func (c *Chain) mineLocked() {
	number := uint64(len(c.blocks)) + 1
	parent := common.Hash{}
	if len(c.blocks) > 0 {
		parent = common.HexToHash(c.blocks[len(c.blocks)-1].hash)
	}

	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], number)
	binary.BigEndian.PutUint64(buf[8:], c.forks)

	b := &block{
		number:   number,
		hash:     strings.ToLower(crypto.Keccak256Hash(parent.Bytes(), buf[:]).Hex()),
		time:     time.Now().UTC(),
		txs:      c.mempool,
		receipts: make(map[string]receipt, len(c.mempool)),
	}
	c.mempool = nil

	for _, tx := range b.txs {
		b.receipts[tx.hash] = c.applyLocked(b, tx)
	}
	c.blocks = append(c.blocks, b)
}

// applyLocked executes a payment against the head state
func (c *Chain) applyLocked(b *block, tx *transaction) receipt {
	if c.balanceLocked(tx.from).Cmp(tx.value) < 0 {
		return receipt{err: orderpay.ErrInsufficientFunds}
	}
	_, err := c.ledger.Pay(ledger.Payment{
		Payer:       common.HexToAddress(tx.from).Hex(),
		OrderID:     tx.orderID,
		Value:       tx.value,
		BlockNumber: b.number,
		TxHash:      tx.hash,
		Timestamp:   b.time,
	})
	if err != nil {
		return receipt{err: err}
	}
	c.debit(tx.from, tx.value)
	return receipt{success: true}
}

// replayLocked rebuilds balances and the ledger from the canonical blocks
func (c *Chain) replayLocked() {
	c.ledger = ledger.New()
	c.balances = make(map[string]*big.Int, len(c.funding))
	for addr, amount := range c.funding {
		c.balances[addr] = new(big.Int).Set(amount)
	}
	for _, b := range c.blocks {
		b.receipts = make(map[string]receipt, len(b.txs))
		for _, tx := range b.txs {
			b.receipts[tx.hash] = c.applyLocked(b, tx)
		}
	}
}

func (c *Chain) balanceLocked(addr string) *big.Int {
	if b, ok := c.balances[addr]; ok {
		return b
	}
	return new(big.Int)
}

func (c *Chain) credit(addr string, amount *big.Int) {
	if c.balances[addr] == nil {
		c.balances[addr] = new(big.Int)
	}
	c.balances[addr].Add(c.balances[addr], amount)
}

func (c *Chain) debit(addr string, amount *big.Int) {
	c.credit(addr, new(big.Int).Neg(amount))
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// String describes the chain head, for logs
func (c *Chain) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("memchain(head=%d, mempool=%d)", len(c.blocks), len(c.mempool))
}
