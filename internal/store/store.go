// Package store defines the persistence interface for the pool engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/navfund/pool-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateTransaction is returned when a ledger insert carries an
	// idempotency key that already exists. The mutation it accompanied has
	// not been applied.
	ErrDuplicateTransaction = errors.New("store: duplicate idempotency key")

	// ErrStalePool is returned when a mutation was computed from a pool
	// read that another writer has since overtaken. Nothing was applied;
	// the caller re-reads and retries.
	ErrStalePool = errors.New("store: pool state changed since read")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// The Apply* methods are the ledger's atomic units: the ledger-transaction
// insert, the pool-row write, and any account upsert commit together or not
// at all. The idempotency-key uniqueness check happens inside the same unit,
// so two concurrent retries of one external event cannot both apply.
type Store interface {
	// --- Pool state (singleton row) ---

	// GetPool returns the current pool state. A pool that has never been
	// written is returned as an empty state, not an error.
	GetPool(ctx context.Context) (*model.PoolState, error)

	// --- Atomic mutations ---

	// ApplyDeposit commits a deposit: ledger insert, pool write, account
	// upsert. Returns ErrDuplicateTransaction without mutating anything
	// when tx carries an already-used idempotency key, and ErrStalePool
	// when pool was computed from an overtaken read.
	ApplyDeposit(ctx context.Context, pool *model.PoolState, account *model.UserShareAccount, tx *model.LedgerTransaction) error

	// ApplyWithdrawal commits a withdrawal with the same discipline.
	ApplyWithdrawal(ctx context.Context, pool *model.PoolState, account *model.UserShareAccount, tx *model.LedgerTransaction) error

	// ApplyRebalance commits a new allocation. The decision record (why
	// the targets changed) and the rebalance record (what moved) land in
	// the ledger together or not at all.
	ApplyRebalance(ctx context.Context, pool *model.PoolState, decision, rebalance *model.LedgerTransaction) error

	// --- Share accounts ---

	// GetUserAccount retrieves one account by normalized wallet.
	GetUserAccount(ctx context.Context, wallet string) (*model.UserShareAccount, error)

	// ListUserAccounts returns all accounts, including drained ones.
	ListUserAccounts(ctx context.Context) ([]model.UserShareAccount, error)

	// CountActiveMembers counts accounts with a positive share balance.
	CountActiveMembers(ctx context.Context) (int, error)

	// --- Immutable ledger ---

	// GetTransactionByKey looks up a ledger transaction by idempotency key.
	GetTransactionByKey(ctx context.Context, key string) (*model.LedgerTransaction, error)

	// ListTransactions returns ledger transactions in chronological order.
	// limit <= 0 means no limit.
	ListTransactions(ctx context.Context, limit int) ([]model.LedgerTransaction, error)

	// --- NAV snapshots ---

	// InsertSnapshot appends one NAV history point.
	InsertSnapshot(ctx context.Context, snap *model.NavSnapshot) error

	// ListSnapshots returns snapshots at or after since, oldest first.
	ListSnapshots(ctx context.Context, since time.Time) ([]model.NavSnapshot, error)

	// PruneSnapshots deletes snapshots older than before and reports how
	// many rows were removed.
	PruneSnapshots(ctx context.Context, before time.Time) (int64, error)
}
