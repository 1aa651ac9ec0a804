// Package model defines the core domain types shared across the pool engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ledger transaction kinds.
const (
	TxDeposit    = "DEPOSIT"
	TxWithdrawal = "WITHDRAWAL"
	TxRebalance  = "REBALANCE"
	TxDecision   = "DECISION"
)

// Allocation describes one asset's slice of the pool.
type Allocation struct {
	Percentage decimal.Decimal `json:"percentage" db:"percentage"` // of total NAV, 0..100
	ValueUsd   decimal.Decimal `json:"value_usd" db:"value_usd"`
	Amount     decimal.Decimal `json:"amount" db:"amount"` // units of the asset
	Price      decimal.Decimal `json:"price" db:"price"`   // USD per unit at last mark
}

// DecisionRecord captures the metadata of the last applied allocation
// decision. The engine only accounts for the decision; execution happens
// elsewhere.
type DecisionRecord struct {
	At        time.Time                  `json:"at"`
	Reasoning string                     `json:"reasoning"`
	Targets   map[string]decimal.Decimal `json:"targets"` // asset → target %
}

// PoolState is the single shared pool row. SharePrice is derived from
// TotalValueUsd and TotalShares plus the virtual offsets and is never
// stored as independent truth.
//
// Version is the optimistic-concurrency counter: every committed mutation
// increments it, and a write carrying a stale Version is rejected.
type PoolState struct {
	Version         int64                 `json:"version" db:"version"`
	TotalValueUsd   decimal.Decimal       `json:"total_value_usd" db:"total_value_usd"`
	TotalShares     decimal.Decimal       `json:"total_shares" db:"total_shares"`
	SharePrice      decimal.Decimal       `json:"share_price"` // derived, recomputed on read
	Allocations     map[string]Allocation `json:"allocations"`
	LastRebalanceAt *time.Time            `json:"last_rebalance_at,omitempty"`
	LastDecision    *DecisionRecord       `json:"last_decision,omitempty"`
	UpdatedAt       time.Time             `json:"updated_at" db:"updated_at"`
}

// ShareEvent is one entry in a user's deposit or withdrawal sub-ledger.
type ShareEvent struct {
	Timestamp   time.Time       `json:"timestamp"`
	AmountUsd   decimal.Decimal `json:"amount_usd"`
	SharesDelta decimal.Decimal `json:"shares_delta"` // positive on deposit, negative on withdrawal
	SharePrice  decimal.Decimal `json:"share_price"`  // price at execution
	Reference   string          `json:"reference,omitempty"`
}

// UserShareAccount tracks one wallet's fractional ownership of the pool.
// Keyed by the case-normalized wallet address. Accounts are never deleted;
// a drained account keeps its history with Shares == 0.
type UserShareAccount struct {
	Wallet       string          `json:"wallet" db:"wallet"`
	Shares       decimal.Decimal `json:"shares" db:"shares"`
	CostBasisUsd decimal.Decimal `json:"cost_basis_usd" db:"cost_basis_usd"`
	JoinedAt     time.Time       `json:"joined_at" db:"joined_at"`
	LastActionAt time.Time       `json:"last_action_at" db:"last_action_at"`
	Deposits     []ShareEvent    `json:"deposits"`
	Withdrawals  []ShareEvent    `json:"withdrawals"`
}

// LedgerTransaction is an immutable record of a pool mutation.
// Once created, these are never modified or deleted. IdempotencyKey, when
// non-empty, is unique across the ledger: a retried write carrying the same
// key surfaces as a no-op replay, never a duplicate credit or debit.
type LedgerTransaction struct {
	ID             string          `json:"id" db:"id"`
	Kind           string          `json:"kind" db:"kind"`
	Wallet         string          `json:"wallet,omitempty" db:"wallet"`
	AmountUsd      decimal.Decimal `json:"amount_usd" db:"amount_usd"`
	Shares         decimal.Decimal `json:"shares" db:"shares"`
	SharePrice     decimal.Decimal `json:"share_price" db:"share_price"`
	Details        string          `json:"details,omitempty" db:"details"`
	IdempotencyKey string          `json:"idempotency_key,omitempty" db:"idempotency_key"`
	Timestamp      time.Time       `json:"timestamp" db:"timestamp"`
}

// NavSnapshot is one append-only point of pool history, the ground truth
// for the risk analytics engine.
type NavSnapshot struct {
	ID          string                `json:"id" db:"id"`
	Timestamp   time.Time             `json:"timestamp" db:"timestamp"`
	SharePrice  decimal.Decimal       `json:"share_price" db:"share_price"`
	TotalNav    decimal.Decimal       `json:"total_nav" db:"total_nav"`
	TotalShares decimal.Decimal       `json:"total_shares" db:"total_shares"`
	MemberCount int                   `json:"member_count" db:"member_count"`
	Allocations map[string]Allocation `json:"allocations"`
	Source      string                `json:"source" db:"source"` // "scheduler", "deposit", ...
}
