package orderpay

import (
	"context"
	"time"
)

// ============================================================================
// Reconciler Hook Context Types
// ============================================================================

// StateChangeContext is passed to hooks on every state transition
type StateChangeContext struct {
	Ctx       context.Context
	OrderID   OrderID
	From      SettlementState
	To        SettlementState
	Tx        TransactionRef
	Timestamp time.Time
}

// DecisionContext contains information passed to decision hooks
type DecisionContext struct {
	Ctx       context.Context
	OrderID   OrderID
	Expected  ExpectedPayment
	Record    *LedgerRecord
	Tx        TransactionRef
	Decision  SettlementDecision
	Timestamp time.Time
}

// DecisionResultContext contains the committed decision
type DecisionResultContext struct {
	DecisionContext
	// Created is false when an earlier decision was returned unchanged
	Created  bool
	Duration time.Duration
}

// SettlementFailureContext describes an error met while settling
type SettlementFailureContext struct {
	Ctx      context.Context
	OrderID  OrderID
	State    SettlementState
	Error    error
	Duration time.Duration
}

// LatePaymentContext describes a ledger record found after a rejection
type LatePaymentContext struct {
	Ctx      context.Context
	OrderID  OrderID
	Decision SettlementDecision
	Record   LedgerRecord
}

// ============================================================================
// Reconciler Hook Result Types
// ============================================================================

// BeforeDecisionHookResult represents the result of a "before decision" hook
// If Abort is true, the decision is withheld and the order stays pending
type BeforeDecisionHookResult struct {
	Abort  bool
	Reason string
}

// ============================================================================
// Reconciler Hook Function Types
// ============================================================================

// StateChangeHook is called after a transition is persisted
// Any error returned will be logged but will not affect the settlement
type StateChangeHook func(StateChangeContext) error

// BeforeDecisionHook is called before a decision is committed
type BeforeDecisionHook func(DecisionContext) (*BeforeDecisionHookResult, error)

// AfterDecisionHook is called after the decision is committed and delivered
// Any error returned will be logged but will not affect the decision
type AfterDecisionHook func(DecisionResultContext) error

// SettlementFailureHook is called when an attempt stops without a decision
type SettlementFailureHook func(SettlementFailureContext) error

// LatePaymentHook is called when a payment lands after a timed-out rejection
type LatePaymentHook func(LatePaymentContext) error

// OnStateChange adds a state change hook
func (r *Reconciler) OnStateChange(hook StateChangeHook) *Reconciler {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateChangeHooks = append(r.stateChangeHooks, hook)
	return r
}

// OnBeforeDecision adds a before-decision hook
func (r *Reconciler) OnBeforeDecision(hook BeforeDecisionHook) *Reconciler {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeDecisionHooks = append(r.beforeDecisionHooks, hook)
	return r
}

// OnAfterDecision adds an after-decision hook
func (r *Reconciler) OnAfterDecision(hook AfterDecisionHook) *Reconciler {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterDecisionHooks = append(r.afterDecisionHooks, hook)
	return r
}

// OnSettlementFailure adds a failure hook
func (r *Reconciler) OnSettlementFailure(hook SettlementFailureHook) *Reconciler {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failureHooks = append(r.failureHooks, hook)
	return r
}

// OnLatePayment adds a late payment hook
func (r *Reconciler) OnLatePayment(hook LatePaymentHook) *Reconciler {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latePaymentHooks = append(r.latePaymentHooks, hook)
	return r
}
