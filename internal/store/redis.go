package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/navfund/pool-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: the pool row and the active member count.
// Writes go to the primary store and invalidate the cache; the append-only
// ledger and snapshot history pass through uncached.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

const (
	poolKey    = "pool:state"
	membersKey = "pool:members"
)

// --- Read-through ---

func (s *CachedStore) GetPool(ctx context.Context) (*model.PoolState, error) {
	data, err := s.rdb.Get(ctx, poolKey).Bytes()
	if err == nil {
		var p model.PoolState
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPool(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, poolKey, data, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) CountActiveMembers(ctx context.Context) (int, error) {
	if v, err := s.rdb.Get(ctx, membersKey).Result(); err == nil {
		if n, err := strconv.Atoi(v); err == nil {
			return n, nil
		}
	}

	n, err := s.primary.CountActiveMembers(ctx)
	if err != nil {
		return 0, err
	}
	s.rdb.Set(ctx, membersKey, strconv.Itoa(n), s.ttl)
	return n, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) ApplyDeposit(ctx context.Context, pool *model.PoolState, account *model.UserShareAccount, ltx *model.LedgerTransaction) error {
	if err := s.primary.ApplyDeposit(ctx, pool, account, ltx); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

func (s *CachedStore) ApplyWithdrawal(ctx context.Context, pool *model.PoolState, account *model.UserShareAccount, ltx *model.LedgerTransaction) error {
	if err := s.primary.ApplyWithdrawal(ctx, pool, account, ltx); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

func (s *CachedStore) ApplyRebalance(ctx context.Context, pool *model.PoolState, decision, rebalance *model.LedgerTransaction) error {
	if err := s.primary.ApplyRebalance(ctx, pool, decision, rebalance); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

func (s *CachedStore) invalidate(ctx context.Context) {
	s.rdb.Del(ctx, poolKey, membersKey)
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetUserAccount(ctx context.Context, walletID string) (*model.UserShareAccount, error) {
	return s.primary.GetUserAccount(ctx, walletID)
}

func (s *CachedStore) ListUserAccounts(ctx context.Context) ([]model.UserShareAccount, error) {
	return s.primary.ListUserAccounts(ctx)
}

func (s *CachedStore) GetTransactionByKey(ctx context.Context, key string) (*model.LedgerTransaction, error) {
	return s.primary.GetTransactionByKey(ctx, key)
}

func (s *CachedStore) ListTransactions(ctx context.Context, limit int) ([]model.LedgerTransaction, error) {
	return s.primary.ListTransactions(ctx, limit)
}

func (s *CachedStore) InsertSnapshot(ctx context.Context, snap *model.NavSnapshot) error {
	return s.primary.InsertSnapshot(ctx, snap)
}

func (s *CachedStore) ListSnapshots(ctx context.Context, since time.Time) ([]model.NavSnapshot, error) {
	return s.primary.ListSnapshots(ctx, since)
}

func (s *CachedStore) PruneSnapshots(ctx context.Context, before time.Time) (int64, error) {
	return s.primary.PruneSnapshots(ctx, before)
}
