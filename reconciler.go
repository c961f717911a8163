package orderpay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// deliveryAttempts bounds inline order store notification. Decisions that
// still are not acknowledged are picked up by Redeliver.
const deliveryAttempts = 5

// errDecisionWithheld is returned when a before-decision hook aborts
var errDecisionWithheld = errors.New("decision withheld by hook")

// Option configures a Reconciler
type Option func(*Reconciler)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(m Metrics) Option {
	return func(r *Reconciler) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithSettlementCache replaces the decision cache, mainly for tests
func WithSettlementCache(cache *SettlementCache) Option {
	return func(r *Reconciler) {
		if cache != nil {
			r.cache = cache
		}
	}
}

type runHandle struct {
	cancel    context.CancelFunc
	cancelled bool
}

// Reconciler drives each order from a submitted transaction to exactly one
// SettlementDecision.
//
// Per order the state machine is
//
//	pending -> confirming -> validating -> paid | rejected
//
// with confirming or validating falling back to pending on a reorg, and any
// non-terminal state moving to cancelled on Cancel. No decision is made
// before the transaction reaches ConfirmationsRequired.
type Reconciler struct {
	mu sync.RWMutex

	chain  ChainClient
	orders OrderStore
	store  SettlementStore
	cfg    Config

	cache   *SettlementCache
	notify  *keyedMutex
	logger  *slog.Logger
	metrics Metrics

	runs   map[OrderID]*runHandle
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	stateChangeHooks    []StateChangeHook
	beforeDecisionHooks []BeforeDecisionHook
	afterDecisionHooks  []AfterDecisionHook
	failureHooks        []SettlementFailureHook
	latePaymentHooks    []LatePaymentHook
}

// NewReconciler creates a reconciler. Zero config fields take their defaults.
func NewReconciler(chain ChainClient, orders OrderStore, store SettlementStore, cfg Config, opts ...Option) (*Reconciler, error) {
	if chain == nil || orders == nil || store == nil {
		return nil, fmt.Errorf("orderpay: chain, order store and settlement store are required")
	}
	cfg.ApplyDefaults()
	if err := cfg.ValidateSettlement(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Reconciler{
		chain:   chain,
		orders:  orders,
		store:   store,
		cfg:     cfg,
		cache:   NewSettlementCache(cfg.DecisionCacheTTL),
		notify:  newKeyedMutex(),
		logger:  slog.Default(),
		metrics: noopMetrics{},
		runs:    make(map[OrderID]*runHandle),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "reconciler")
	return r, nil
}

// Config returns the effective configuration
func (r *Reconciler) Config() Config {
	return r.cfg
}

// Settle reconciles one order and blocks until a decision is made, the
// attempt is cancelled, or ctx ends. txHash may be empty, in which case the
// ledger is watched for any payment of the order.
//
// Calling Settle again for a decided order returns the stored decision
// unchanged; concurrent calls for the same order share one settlement.
func (r *Reconciler) Settle(ctx context.Context, orderID OrderID, txHash string) (*SettlementDecision, error) {
	if err := orderID.Validate(); err != nil {
		return nil, Wrapf(ErrMismatched, "invalid order: %v", err)
	}

	for {
		decision, err := r.store.Decision(ctx, orderID)
		if err == nil {
			r.checkLatePayment(ctx, decision)
			return decision, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("failed to load decision: %w", err)
		}

		status, cached, done := r.cache.CheckAndMark(orderID)
		switch status {
		case StatusCached:
			return cached, nil
		case StatusInFlight:
			result, err := r.cache.WaitForResult(ctx, orderID, done)
			if err != nil {
				return nil, err
			}
			if result != nil {
				return result, nil
			}
			if attempt, err := r.store.LoadAttempt(ctx, orderID); err == nil && attempt.State == StateCancelled {
				return nil, ErrCancelled.WithOrder(orderID)
			}
			continue
		}

		return r.hold(ctx, orderID, txHash, done)
	}
}

// Track starts settling an order in the background and returns once the
// attempt is persisted.
func (r *Reconciler) Track(orderID OrderID, txHash string) error {
	if err := orderID.Validate(); err != nil {
		return Wrapf(ErrMismatched, "invalid order: %v", err)
	}
	if err := r.ctx.Err(); err != nil {
		return fmt.Errorf("reconciler is shut down: %w", err)
	}

	if _, err := r.store.Decision(r.ctx, orderID); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to load decision: %w", err)
	}

	if !r.cache.InFlight(orderID) {
		if _, err := r.loadOrCreateAttempt(r.ctx, orderID, txHash); err != nil {
			return err
		}
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.Settle(r.ctx, orderID, txHash); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("settlement stopped without decision", "order_id", orderID, "error", err)
		}
	}()
	return nil
}

// Resume restarts tracking for every non-terminal attempt and redelivers
// decisions the order store has not acknowledged. It returns the number of
// attempts resumed.
func (r *Reconciler) Resume(ctx context.Context) (int, error) {
	attempts, err := r.store.ActiveAttempts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active attempts: %w", err)
	}

	resumed := 0
	for _, attempt := range attempts {
		if err := r.Track(attempt.OrderID, attempt.TxHash); err != nil {
			r.logger.Error("failed to resume attempt", "order_id", attempt.OrderID, "error", err)
			continue
		}
		resumed++
	}
	r.logger.Info("resumed settlements", "count", resumed)

	if _, err := r.Redeliver(ctx); err != nil {
		return resumed, err
	}
	return resumed, nil
}

// Redeliver re-sends committed decisions the order store has not yet
// acknowledged. It returns how many were acknowledged.
func (r *Reconciler) Redeliver(ctx context.Context) (int, error) {
	pending, err := r.store.PendingNotifications(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending notifications: %w", err)
	}

	delivered := 0
	for _, decision := range pending {
		if err := r.deliver(ctx, decision); err != nil {
			r.logger.Warn("redelivery failed", "order_id", decision.OrderID, "error", err)
			continue
		}
		delivered++
	}
	return delivered, nil
}

// StartRedelivery runs Redeliver every RedeliverInterval in the background
// until Shutdown, so decisions left unacknowledged by an order store outage
// are delivered without a restart.
func (r *Reconciler) StartRedelivery() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.RedeliverInterval)
		defer ticker.Stop()

		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
			}
			n, err := r.Redeliver(r.ctx)
			if err != nil && r.ctx.Err() == nil {
				r.logger.Warn("redelivery pass failed", "error", err)
				continue
			}
			if n > 0 {
				r.logger.Info("redelivered decisions", "count", n)
			}
		}
	}()
}

// Cancel stops settling an order. A decision already made is never retracted.
func (r *Reconciler) Cancel(ctx context.Context, orderID OrderID) error {
	r.mu.Lock()
	if handle, ok := r.runs[orderID]; ok {
		handle.cancelled = true
		handle.cancel()
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	return r.markCancelled(ctx, orderID)
}

// Decision returns the committed decision for an order
func (r *Reconciler) Decision(ctx context.Context, orderID OrderID) (*SettlementDecision, error) {
	return r.store.Decision(ctx, orderID)
}

// Attempt returns the persisted attempt for an order
func (r *Reconciler) Attempt(ctx context.Context, orderID OrderID) (*Attempt, error) {
	return r.store.LoadAttempt(ctx, orderID)
}

// Wait blocks until all background settlements have returned
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// Shutdown stops background settlements and waits for them to return.
// Attempts stay persisted in their current state for Resume.
func (r *Reconciler) Shutdown(ctx context.Context) error {
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// hold runs the settlement while owning the in-flight slot for orderID
func (r *Reconciler) hold(ctx context.Context, orderID OrderID, txHash string, done chan struct{}) (*SettlementDecision, error) {
	runCtx, cancel := context.WithCancel(ctx)
	handle := &runHandle{cancel: cancel}

	r.mu.Lock()
	r.runs[orderID] = handle
	r.mu.Unlock()

	defer func() {
		cancel()
		r.mu.Lock()
		if r.runs[orderID] == handle {
			delete(r.runs, orderID)
		}
		r.mu.Unlock()
	}()

	start := time.Now()
	decision, err := r.settle(runCtx, orderID, txHash)
	if err == nil {
		r.cache.Complete(orderID, decision, done)
		return decision, nil
	}

	r.mu.RLock()
	cancelled := handle.cancelled
	r.mu.RUnlock()

	state := StatePending
	if cancelled {
		if cerr := r.markCancelled(context.WithoutCancel(ctx), orderID); cerr != nil && !errors.Is(cerr, ErrNotFound) {
			r.logger.Error("failed to persist cancellation", "order_id", orderID, "error", cerr)
		}
		err = ErrCancelled.WithOrder(orderID)
		state = StateCancelled
	} else if attempt, lerr := r.store.LoadAttempt(context.WithoutCancel(ctx), orderID); lerr == nil {
		state = attempt.State
	}
	r.cache.Fail(orderID, done)

	r.fireFailure(SettlementFailureContext{
		Ctx:      ctx,
		OrderID:  orderID,
		State:    state,
		Error:    err,
		Duration: time.Since(start),
	})
	return nil, err
}

// settle is the state machine body. It must only run under the in-flight slot.
func (r *Reconciler) settle(ctx context.Context, orderID OrderID, txHash string) (*SettlementDecision, error) {
	if decision, err := r.store.Decision(ctx, orderID); err == nil {
		return decision, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to load decision: %w", err)
	}

	attempt, err := r.loadOrCreateAttempt(ctx, orderID, txHash)
	if err != nil {
		return nil, err
	}

	expected, err := r.expectedPayment(ctx, attempt)
	if errors.Is(err, ErrTimedOut) {
		return r.decideUntilCommitted(ctx, attempt, ExpectedPayment{OrderID: orderID}, nil, ReasonTimedOut)
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrMismatched) {
			// Nothing to settle against; keep Resume from retrying forever
			attempt.LastError = err.Error()
			r.transition(ctx, attempt, StateCancelled)
		}
		return nil, err
	}

	return r.run(ctx, attempt, expected)
}

func (r *Reconciler) loadOrCreateAttempt(ctx context.Context, orderID OrderID, txHash string) (*Attempt, error) {
	attempt, err := r.store.LoadAttempt(ctx, orderID)
	switch {
	case err == nil && !attempt.State.Terminal():
		if txHash != "" && !strings.EqualFold(attempt.TxHash, txHash) {
			r.logger.Info("replacing tracked transaction", "order_id", orderID, "old", attempt.TxHash, "new", txHash)
			r.retarget(attempt, txHash)
			if err := r.save(ctx, attempt); err != nil {
				return nil, err
			}
		}
		return attempt, nil
	case err == nil, errors.Is(err, ErrNotFound):
	default:
		return nil, fmt.Errorf("failed to load attempt: %w", err)
	}

	now := time.Now().UTC()
	attempt = &Attempt{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		TxHash:    txHash,
		State:     StatePending,
		Tx:        TransactionRef{Hash: txHash, Status: TxPending},
		Deadline:  now.Add(r.cfg.SettlementTimeout),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.save(ctx, attempt); err != nil {
		return nil, err
	}
	r.logger.Info("settlement attempt created", "order_id", orderID, "attempt", attempt.ID, "tx_hash", txHash, "deadline", attempt.Deadline)
	return attempt, nil
}

// expectedPayment fetches the order's expectation, retrying network errors
// until the attempt deadline. The deadline is tightened to the order expiry.
func (r *Reconciler) expectedPayment(ctx context.Context, attempt *Attempt) (ExpectedPayment, error) {
	b := newBackoff(r.cfg.PollInterval, r.cfg.MaxBackoff)
	for {
		if !time.Now().Before(attempt.Deadline) {
			return ExpectedPayment{}, Wrapf(ErrTimedOut, "order store unavailable until the settlement deadline").WithOrder(attempt.OrderID)
		}
		expected, err := r.orders.ExpectedPaymentFor(ctx, attempt.OrderID)
		if err == nil {
			if verr := ValidateExpectedPayment(expected); verr != nil {
				return ExpectedPayment{}, Wrapf(ErrMismatched, "order store returned invalid expectation: %v", verr)
			}
			if expected.HasExpiry() && expected.Expiry.Before(attempt.Deadline) {
				attempt.Deadline = expected.Expiry.UTC()
				if err := r.save(ctx, attempt); err != nil {
					return ExpectedPayment{}, err
				}
			}
			return expected, nil
		}
		if errors.Is(err, ErrNotFound) {
			return ExpectedPayment{}, err
		}
		if cerr := ctx.Err(); cerr != nil {
			return ExpectedPayment{}, cerr
		}

		r.logger.Warn("failed to fetch expected payment", "order_id", attempt.OrderID, "error", err)
		r.recordError(ctx, attempt, err)
		if err := r.sleepUntil(ctx, attempt.Deadline, b.Next()); err != nil {
			return ExpectedPayment{}, err
		}
	}
}

// run polls until a decision is committed
func (r *Reconciler) run(ctx context.Context, attempt *Attempt, expected ExpectedPayment) (*SettlementDecision, error) {
	b := newBackoff(r.cfg.PollInterval, r.cfg.MaxBackoff)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !time.Now().Before(attempt.Deadline) {
			r.logger.Info("settlement deadline passed", "order_id", attempt.OrderID, "state", attempt.State)
			return r.decideUntilCommitted(ctx, attempt, expected, nil, ReasonTimedOut)
		}

		if attempt.TxHash == "" {
			decision, err := r.watchLedger(ctx, attempt, expected, b)
			if err != nil {
				return nil, err
			}
			if decision != nil {
				return decision, nil
			}
			continue
		}

		ref, err := r.poll(ctx, attempt)
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}

		switch {
		case ref.Status == TxReorganized || errors.Is(err, ErrReorganized):
			r.reorg(ctx, attempt)
			b.Reset()

		case ref.Status == TxFailed:
			adopted, lerr := r.adoptFromLedger(ctx, attempt)
			if adopted {
				b.Reset()
				continue
			}
			if lerr != nil {
				r.recordError(ctx, attempt, lerr)
				if err := r.sleepUntil(ctx, attempt.Deadline, b.Next()); err != nil {
					return nil, err
				}
				continue
			}
			attempt.Tx = ref
			return r.decideUntilCommitted(ctx, attempt, expected, nil, ReasonTxFailed)

		case err == nil && ref.Status == TxConfirmed:
			r.observe(ctx, attempt, ref)
			r.transition(ctx, attempt, StateValidating)

			decision, verr := r.validate(ctx, attempt, expected)
			switch {
			case verr == nil:
				return decision, nil
			case errors.Is(verr, errRetarget):
				b.Reset()
			default:
				r.recordError(ctx, attempt, verr)
				if err := r.sleepUntil(ctx, attempt.Deadline, b.Next()); err != nil {
					return nil, err
				}
			}

		case err == nil || errors.Is(err, ErrTimedOut):
			if attempt.State != StatePending && !ref.Included() {
				// The client lost the block without flagging it
				r.reorg(ctx, attempt)
				b.Reset()
				continue
			}
			r.observe(ctx, attempt, ref)
			b.Reset()

		default:
			r.recordError(ctx, attempt, err)
			if err := r.sleepUntil(ctx, attempt.Deadline, b.Next()); err != nil {
				return nil, err
			}
		}
	}
}

// poll waits for finality for at most two poll intervals so state changes are
// observed while the transaction gathers confirmations
func (r *Reconciler) poll(ctx context.Context, attempt *Attempt) (TransactionRef, error) {
	window := 2 * r.cfg.PollInterval
	if remaining := time.Until(attempt.Deadline); remaining < window {
		window = remaining
	}
	pollCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	ref := attempt.Tx
	if ref.Hash == "" {
		ref.Hash = attempt.TxHash
	}
	return r.chain.AwaitFinality(pollCtx, ref, r.cfg.ConfirmationsRequired)
}

// watchLedger handles attempts started without a transaction hash
func (r *Reconciler) watchLedger(ctx context.Context, attempt *Attempt, expected ExpectedPayment, b *backoff) (*SettlementDecision, error) {
	record, err := r.chain.QueryLedgerRecord(ctx, attempt.OrderID)
	switch {
	case err == nil && record.Paid && record.TxHash != "":
		r.logger.Info("payment found on ledger", "order_id", attempt.OrderID, "tx_hash", record.TxHash)
		r.retarget(attempt, record.TxHash)
		_ = r.save(ctx, attempt)
		b.Reset()
		return nil, nil
	case err == nil && record.Paid:
		return r.validateAtDepth(ctx, attempt, expected, b)
	case err == nil, errors.Is(err, ErrNotFound):
		b.Reset()
		return nil, r.sleepUntil(ctx, attempt.Deadline, r.cfg.PollInterval)
	default:
		r.recordError(ctx, attempt, err)
		return nil, r.sleepUntil(ctx, attempt.Deadline, b.Next())
	}
}

// validateAtDepth decides a watched order whose paid record carries no
// transaction hash. The record is only trusted once the ledger shows it
// ConfirmationsRequired blocks below the head.
func (r *Reconciler) validateAtDepth(ctx context.Context, attempt *Attempt, expected ExpectedPayment, b *backoff) (*SettlementDecision, error) {
	reader, ok := r.chain.(DepthLedgerReader)
	if !ok {
		r.logger.Warn("paid record has no transaction hash", "order_id", attempt.OrderID)
		return nil, r.sleepUntil(ctx, attempt.Deadline, r.cfg.PollInterval)
	}

	record, err := reader.QueryLedgerRecordAtDepth(ctx, attempt.OrderID, r.cfg.ConfirmationsRequired)
	switch {
	case errors.Is(err, ErrNotFound):
		// Paid at the head, not yet deep enough
		if attempt.State == StatePending {
			r.transition(ctx, attempt, StateConfirming)
		}
		b.Reset()
		return nil, r.sleepUntil(ctx, attempt.Deadline, r.cfg.PollInterval)
	case err != nil:
		r.recordError(ctx, attempt, err)
		return nil, r.sleepUntil(ctx, attempt.Deadline, b.Next())
	}

	r.logger.Info("payment found on ledger at depth", "order_id", attempt.OrderID, "confirmations", r.cfg.ConfirmationsRequired)
	attempt.Tx = TransactionRef{
		Status:        TxConfirmed,
		BlockNumber:   record.BlockNumber,
		Confirmations: r.cfg.ConfirmationsRequired,
	}
	r.transition(ctx, attempt, StateValidating)

	reason, verr := ValidateLedgerRecord(expected, record, attempt.Tx)
	if verr != nil {
		r.logger.Info("ledger record rejected", "order_id", attempt.OrderID, "reason", reason, "error", verr)
	}
	decision, err := r.decide(ctx, attempt, expected, &record, reason)
	if err != nil {
		r.recordError(ctx, attempt, err)
		return nil, r.sleepUntil(ctx, attempt.Deadline, b.Next())
	}
	return decision, nil
}

var errRetarget = errors.New("order paid by another transaction")

// validate checks the ledger record once the transaction is final
func (r *Reconciler) validate(ctx context.Context, attempt *Attempt, expected ExpectedPayment) (*SettlementDecision, error) {
	record, err := r.chain.QueryLedgerRecord(ctx, attempt.OrderID)
	if errors.Is(err, ErrNotFound) {
		// Final transaction, but nothing recorded for this order
		return r.decide(ctx, attempt, expected, nil, ReasonMismatched)
	}
	if err != nil {
		return nil, err
	}

	if record.Paid && record.TxHash != "" && !strings.EqualFold(record.TxHash, attempt.TxHash) {
		r.logger.Info("order paid by another transaction", "order_id", attempt.OrderID, "tracked", attempt.TxHash, "ledger", record.TxHash)
		r.retarget(attempt, record.TxHash)
		_ = r.save(ctx, attempt)
		return nil, errRetarget
	}

	reason, verr := ValidateLedgerRecord(expected, record, attempt.Tx)
	if verr != nil {
		r.logger.Info("ledger record rejected", "order_id", attempt.OrderID, "reason", reason, "error", verr)
	}
	return r.decide(ctx, attempt, expected, &record, reason)
}

// adoptFromLedger switches a failed attempt to the transaction that actually
// paid the order, if any
func (r *Reconciler) adoptFromLedger(ctx context.Context, attempt *Attempt) (bool, error) {
	record, err := r.chain.QueryLedgerRecord(ctx, attempt.OrderID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !record.Paid || record.TxHash == "" || strings.EqualFold(record.TxHash, attempt.TxHash) {
		return false, nil
	}

	r.logger.Info("tracked transaction failed, order paid by another", "order_id", attempt.OrderID, "failed", attempt.TxHash, "ledger", record.TxHash)
	r.retarget(attempt, record.TxHash)
	_ = r.save(ctx, attempt)
	return true, nil
}

func (r *Reconciler) retarget(attempt *Attempt, txHash string) {
	from := attempt.State
	attempt.TxHash = txHash
	attempt.Tx = TransactionRef{Hash: txHash, Status: TxPending}
	attempt.State = StatePending
	attempt.UpdatedAt = time.Now().UTC()
	if from != StatePending {
		r.fireStateChange(StateChangeContext{
			Ctx:       r.ctx,
			OrderID:   attempt.OrderID,
			From:      from,
			To:        StatePending,
			Tx:        attempt.Tx,
			Timestamp: attempt.UpdatedAt,
		})
	}
}

// observe records the latest ref and moves pending to confirming once included
func (r *Reconciler) observe(ctx context.Context, attempt *Attempt, ref TransactionRef) {
	changed := ref.BlockNumber != attempt.Tx.BlockNumber ||
		ref.BlockHash != attempt.Tx.BlockHash ||
		ref.Confirmations != attempt.Tx.Confirmations
	if ref.Hash == "" {
		ref.Hash = attempt.TxHash
	}
	attempt.Tx = ref

	if ref.Included() && attempt.State == StatePending {
		r.transition(ctx, attempt, StateConfirming)
		return
	}
	if changed {
		attempt.UpdatedAt = time.Now().UTC()
		_ = r.save(ctx, attempt)
	}
}

func (r *Reconciler) reorg(ctx context.Context, attempt *Attempt) {
	r.logger.Warn("transaction reorganized", "order_id", attempt.OrderID, "tx_hash", attempt.TxHash, "block", attempt.Tx.BlockNumber)
	r.metrics.RecordReorg(ctx)
	attempt.Reorgs++
	attempt.Tx = TransactionRef{Hash: attempt.TxHash, Status: TxPending}
	r.transition(ctx, attempt, StatePending)
}

// decideUntilCommitted retries decide on store errors until ctx ends
func (r *Reconciler) decideUntilCommitted(ctx context.Context, attempt *Attempt, expected ExpectedPayment, record *LedgerRecord, reason Reason) (*SettlementDecision, error) {
	b := newBackoff(r.cfg.PollInterval, r.cfg.MaxBackoff)
	for {
		decision, err := r.decide(ctx, attempt, expected, record, reason)
		if err == nil {
			return decision, nil
		}
		r.recordError(ctx, attempt, err)
		if err := sleepContext(ctx, b.Next()); err != nil {
			return nil, err
		}
	}
}

// decide commits the decision and notifies the order store. Only the caller
// that created the decision delivers it.
func (r *Reconciler) decide(ctx context.Context, attempt *Attempt, expected ExpectedPayment, record *LedgerRecord, reason Reason) (*SettlementDecision, error) {
	start := time.Now()
	decision := &SettlementDecision{
		OrderID:   attempt.OrderID,
		Outcome:   OutcomePaid,
		Reason:    reason,
		TxHash:    attempt.TxHash,
		DecidedAt: start.UTC(),
	}
	if reason != ReasonNone {
		decision.Outcome = OutcomeRejected
	}
	if record != nil {
		decision.Payer = record.Payer
		decision.Amount = cloneAmount(record.Amount)
	}

	hookCtx := DecisionContext{
		Ctx:       ctx,
		OrderID:   attempt.OrderID,
		Expected:  expected,
		Record:    record,
		Tx:        attempt.Tx,
		Decision:  *decision,
		Timestamp: start,
	}

	r.mu.RLock()
	before := r.beforeDecisionHooks
	r.mu.RUnlock()
	for _, hook := range before {
		result, err := hook(hookCtx)
		if err != nil {
			r.logger.Warn("before-decision hook failed", "order_id", attempt.OrderID, "error", err)
			continue
		}
		if result != nil && result.Abort {
			r.logger.Info("decision withheld", "order_id", attempt.OrderID, "reason", result.Reason)
			return nil, fmt.Errorf("%w: %s", errDecisionWithheld, result.Reason)
		}
	}

	stored, created, err := r.store.CommitDecision(ctx, decision)
	if err != nil {
		return nil, fmt.Errorf("failed to commit decision: %w", err)
	}

	final := StatePaid
	if stored.Outcome == OutcomeRejected {
		final = StateRejected
	}
	attempt.LastError = ""
	r.transition(ctx, attempt, final)

	if created {
		r.logger.Info("settlement decided",
			"order_id", stored.OrderID,
			"outcome", stored.Outcome,
			"reason", stored.Reason,
			"tx_hash", stored.TxHash,
			"reorgs", attempt.Reorgs,
		)
		r.metrics.RecordDecision(ctx, stored.Outcome, stored.Reason, time.Since(attempt.CreatedAt))
		if err := r.deliver(ctx, stored); err != nil {
			r.logger.Warn("order store not notified, will redeliver", "order_id", stored.OrderID, "error", err)
		}
	}

	hookCtx.Decision = *stored
	r.mu.RLock()
	after := r.afterDecisionHooks
	r.mu.RUnlock()
	for _, hook := range after {
		if err := hook(DecisionResultContext{DecisionContext: hookCtx, Created: created, Duration: time.Since(start)}); err != nil {
			r.logger.Warn("after-decision hook failed", "order_id", attempt.OrderID, "error", err)
		}
	}
	return stored, nil
}

// deliver calls the order store under the per-order notification lock
func (r *Reconciler) deliver(ctx context.Context, decision *SettlementDecision) error {
	unlock := r.notify.Lock(decision.OrderID)
	defer unlock()

	b := newBackoff(r.cfg.PollInterval, r.cfg.MaxBackoff)
	var lastErr error
	for i := 0; i < deliveryAttempts; i++ {
		lastErr = r.orders.ApplySettlement(ctx, decision.OrderID, *decision)
		if lastErr == nil {
			if err := r.store.MarkNotified(ctx, decision.OrderID); err != nil {
				r.logger.Warn("failed to mark decision notified", "order_id", decision.OrderID, "error", err)
			}
			return nil
		}
		if ClassOf(lastErr) == ClientError {
			return lastErr
		}
		if err := sleepContext(ctx, b.Next()); err != nil {
			return lastErr
		}
	}
	return lastErr
}

func (r *Reconciler) markCancelled(ctx context.Context, orderID OrderID) error {
	if _, err := r.store.Decision(ctx, orderID); err == nil {
		return nil
	}
	attempt, err := r.store.LoadAttempt(ctx, orderID)
	if err != nil {
		return err
	}
	if attempt.State.Terminal() {
		return nil
	}
	r.logger.Info("settlement cancelled", "order_id", orderID, "state", attempt.State)
	r.transition(ctx, attempt, StateCancelled)
	return nil
}

// checkLatePayment reports a payment that landed after a timed-out rejection.
// The rejection stands.
func (r *Reconciler) checkLatePayment(ctx context.Context, decision *SettlementDecision) {
	if decision.Outcome != OutcomeRejected || decision.Reason != ReasonTimedOut {
		return
	}
	r.mu.RLock()
	hooks := r.latePaymentHooks
	r.mu.RUnlock()
	if len(hooks) == 0 {
		return
	}

	record, err := r.chain.QueryLedgerRecord(ctx, decision.OrderID)
	if err != nil || !record.Paid {
		return
	}
	r.logger.Warn("late payment after timed-out rejection", "order_id", decision.OrderID, "tx_hash", record.TxHash, "amount", record.Amount)
	for _, hook := range hooks {
		if err := hook(LatePaymentContext{Ctx: ctx, OrderID: decision.OrderID, Decision: *decision, Record: record}); err != nil {
			r.logger.Warn("late payment hook failed", "order_id", decision.OrderID, "error", err)
		}
	}
}

// transition persists a state change and runs state hooks
func (r *Reconciler) transition(ctx context.Context, attempt *Attempt, to SettlementState) {
	from := attempt.State
	if from == to {
		return
	}
	attempt.State = to
	attempt.UpdatedAt = time.Now().UTC()
	_ = r.save(ctx, attempt)

	r.logger.Debug("state changed", "order_id", attempt.OrderID, "from", from, "to", to)
	r.fireStateChange(StateChangeContext{
		Ctx:       ctx,
		OrderID:   attempt.OrderID,
		From:      from,
		To:        to,
		Tx:        attempt.Tx,
		Timestamp: attempt.UpdatedAt,
	})
}

// save persists the attempt. Failures are logged; the in-memory attempt stays
// authoritative for the running settlement.
func (r *Reconciler) save(ctx context.Context, attempt *Attempt) error {
	if err := r.store.SaveAttempt(context.WithoutCancel(ctx), attempt); err != nil {
		r.logger.Error("failed to persist attempt", "order_id", attempt.OrderID, "state", attempt.State, "error", err)
		return fmt.Errorf("failed to persist attempt: %w", err)
	}
	return nil
}

func (r *Reconciler) recordError(ctx context.Context, attempt *Attempt, err error) {
	class := ClassOf(err)
	if class == "" {
		class = NetworkError
	}
	r.metrics.RecordPollError(ctx, class)
	r.logger.Warn("settlement poll failed", "order_id", attempt.OrderID, "state", attempt.State, "class", class, "error", err)
	attempt.LastError = err.Error()
	attempt.UpdatedAt = time.Now().UTC()
	_ = r.save(ctx, attempt)
}

// sleepUntil sleeps for d but never past the deadline
func (r *Reconciler) sleepUntil(ctx context.Context, deadline time.Time, d time.Duration) error {
	if remaining := time.Until(deadline); remaining < d {
		d = remaining
	}
	if d <= 0 {
		return ctx.Err()
	}
	return sleepContext(ctx, d)
}

func (r *Reconciler) fireStateChange(c StateChangeContext) {
	r.mu.RLock()
	hooks := r.stateChangeHooks
	r.mu.RUnlock()
	for _, hook := range hooks {
		if err := hook(c); err != nil {
			r.logger.Warn("state change hook failed", "order_id", c.OrderID, "error", err)
		}
	}
}

func (r *Reconciler) fireFailure(c SettlementFailureContext) {
	r.mu.RLock()
	hooks := r.failureHooks
	r.mu.RUnlock()
	for _, hook := range hooks {
		if err := hook(c); err != nil {
			r.logger.Warn("failure hook failed", "order_id", c.OrderID, "error", err)
		}
	}
}
