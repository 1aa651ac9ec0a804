package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/navfund/pool-engine/internal/model"
)

// MemoryStore implements Store with in-memory state. Used for testing
// and development. Not suitable for production (no persistence).
//
// A single mutex guards every method, so each Apply* call is atomic with
// respect to every other call — the same all-or-nothing guarantee the
// Postgres implementation gets from its transaction.
type MemoryStore struct {
	mu        sync.RWMutex
	pool      *model.PoolState
	accounts  map[string]*model.UserShareAccount
	ledger    []model.LedgerTransaction
	byKey     map[string]int // idempotency key → ledger index
	snapshots []model.NavSnapshot
}

// NewMemoryStore creates a new in-memory store with an empty pool.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pool:     emptyPool(),
		accounts: make(map[string]*model.UserShareAccount),
		byKey:    make(map[string]int),
	}
}

func emptyPool() *model.PoolState {
	return &model.PoolState{
		TotalValueUsd: decimal.Zero,
		TotalShares:   decimal.Zero,
		Allocations:   map[string]model.Allocation{},
		UpdatedAt:     time.Now().UTC(),
	}
}

func (s *MemoryStore) GetPool(_ context.Context) (*model.PoolState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyPool(s.pool), nil
}

func (s *MemoryStore) ApplyDeposit(_ context.Context, pool *model.PoolState, account *model.UserShareAccount, tx *model.LedgerTransaction) error {
	return s.apply(pool, account, tx)
}

func (s *MemoryStore) ApplyWithdrawal(_ context.Context, pool *model.PoolState, account *model.UserShareAccount, tx *model.LedgerTransaction) error {
	return s.apply(pool, account, tx)
}

func (s *MemoryStore) ApplyRebalance(_ context.Context, pool *model.PoolState, decision, rebalance *model.LedgerTransaction) error {
	return s.apply(pool, nil, decision, rebalance)
}

// apply is the shared atomic unit: idempotency gate, stale-read check,
// ledger appends, pool write, account upsert — all under one lock
// acquisition. The version check mirrors the Postgres row lock: a pool
// computed from an overtaken GetPool read is rejected, not committed.
func (s *MemoryStore) apply(pool *model.PoolState, account *model.UserShareAccount, txs ...*model.LedgerTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tx := range txs {
		if tx.IdempotencyKey != "" {
			if _, exists := s.byKey[tx.IdempotencyKey]; exists {
				return ErrDuplicateTransaction
			}
		}
	}
	if pool.Version != s.pool.Version {
		return ErrStalePool
	}

	for _, tx := range txs {
		s.ledger = append(s.ledger, *tx)
		if tx.IdempotencyKey != "" {
			s.byKey[tx.IdempotencyKey] = len(s.ledger) - 1
		}
	}

	s.pool = copyPool(pool)
	s.pool.Version = pool.Version + 1
	if account != nil {
		s.accounts[account.Wallet] = copyAccount(account)
	}
	return nil
}

func (s *MemoryStore) GetUserAccount(_ context.Context, walletID string) (*model.UserShareAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[walletID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAccount(acct), nil
}

func (s *MemoryStore) ListUserAccounts(_ context.Context) ([]model.UserShareAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]model.UserShareAccount, 0, len(s.accounts))
	for _, acct := range s.accounts {
		accounts = append(accounts, *copyAccount(acct))
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Wallet < accounts[j].Wallet })
	return accounts, nil
}

func (s *MemoryStore) CountActiveMembers(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, acct := range s.accounts {
		if acct.Shares.IsPositive() {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetTransactionByKey(_ context.Context, key string) (*model.LedgerTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	tx := s.ledger[idx]
	return &tx, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, limit int) ([]model.LedgerTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txs := make([]model.LedgerTransaction, len(s.ledger))
	copy(txs, s.ledger)
	sort.Slice(txs, func(i, j int) bool { return txs[i].Timestamp.Before(txs[j].Timestamp) })
	if limit > 0 && len(txs) > limit {
		txs = txs[:limit]
	}
	return txs, nil
}

func (s *MemoryStore) InsertSnapshot(_ context.Context, snap *model.NavSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots = append(s.snapshots, *snap)
	return nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context, since time.Time) ([]model.NavSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.NavSnapshot
	for _, snap := range s.snapshots {
		if !snap.Timestamp.Before(since) {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) PruneSnapshots(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.snapshots[:0]
	var removed int64
	for _, snap := range s.snapshots {
		if snap.Timestamp.Before(before) {
			removed++
			continue
		}
		kept = append(kept, snap)
	}
	s.snapshots = kept
	return removed, nil
}

// --- Copy helpers (stored state is never aliased by callers) ---

func copyPool(p *model.PoolState) *model.PoolState {
	cp := *p
	cp.Allocations = make(map[string]model.Allocation, len(p.Allocations))
	for asset, a := range p.Allocations {
		cp.Allocations[asset] = a
	}
	if p.LastDecision != nil {
		dec := *p.LastDecision
		dec.Targets = make(map[string]decimal.Decimal, len(p.LastDecision.Targets))
		for asset, pct := range p.LastDecision.Targets {
			dec.Targets[asset] = pct
		}
		cp.LastDecision = &dec
	}
	if p.LastRebalanceAt != nil {
		at := *p.LastRebalanceAt
		cp.LastRebalanceAt = &at
	}
	return &cp
}

func copyAccount(a *model.UserShareAccount) *model.UserShareAccount {
	cp := *a
	cp.Deposits = append([]model.ShareEvent(nil), a.Deposits...)
	cp.Withdrawals = append([]model.ShareEvent(nil), a.Withdrawals...)
	return &cp
}
