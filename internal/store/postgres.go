package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/navfund/pool-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Allocation maps and sub-ledgers are stored as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// schema is the four-table layout. The partial unique index on
// idempotency_key is the idempotency gate: a retried insert with the same
// key fails with a unique violation inside the same transaction that would
// have mutated the pool.
const schema = `
CREATE TABLE IF NOT EXISTS pool_state (
	id               INT PRIMARY KEY CHECK (id = 1),
	version          BIGINT NOT NULL DEFAULT 0,
	total_value_usd  NUMERIC NOT NULL,
	total_shares     NUMERIC NOT NULL,
	allocations      JSONB NOT NULL DEFAULT '{}',
	last_rebalance_at TIMESTAMPTZ,
	last_decision    JSONB,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS user_shares (
	wallet          TEXT PRIMARY KEY,
	shares          NUMERIC NOT NULL,
	cost_basis_usd  NUMERIC NOT NULL,
	joined_at       TIMESTAMPTZ NOT NULL,
	last_action_at  TIMESTAMPTZ NOT NULL,
	deposits        JSONB NOT NULL DEFAULT '[]',
	withdrawals     JSONB NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS ledger_transactions (
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	wallet          TEXT,
	amount_usd      NUMERIC NOT NULL,
	shares          NUMERIC NOT NULL,
	share_price     NUMERIC NOT NULL,
	details         TEXT,
	idempotency_key TEXT,
	ts              TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ledger_transactions_idem_key
	ON ledger_transactions (idempotency_key)
	WHERE idempotency_key IS NOT NULL;
CREATE TABLE IF NOT EXISTS nav_snapshots (
	id           TEXT PRIMARY KEY,
	ts           TIMESTAMPTZ NOT NULL,
	share_price  NUMERIC NOT NULL,
	total_nav    NUMERIC NOT NULL,
	total_shares NUMERIC NOT NULL,
	member_count INT NOT NULL,
	allocations  JSONB NOT NULL DEFAULT '{}',
	source       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS nav_snapshots_ts ON nav_snapshots (ts DESC);
`

// InitSchema creates the tables and indexes if they do not exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) GetPool(ctx context.Context) (*model.PoolState, error) {
	var p model.PoolState
	var totalValue, totalShares string
	var allocJSON, decisionJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT version, total_value_usd::TEXT, total_shares::TEXT,
		        allocations, last_rebalance_at, last_decision, updated_at
		 FROM pool_state WHERE id = 1`).
		Scan(&p.Version, &totalValue, &totalShares, &allocJSON, &p.LastRebalanceAt, &decisionJSON, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.PoolState{
			TotalValueUsd: decimal.Zero,
			TotalShares:   decimal.Zero,
			Allocations:   map[string]model.Allocation{},
			UpdatedAt:     time.Now().UTC(),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pool: %w", err)
	}

	p.TotalValueUsd, _ = decimal.NewFromString(totalValue)
	p.TotalShares, _ = decimal.NewFromString(totalShares)
	p.Allocations = map[string]model.Allocation{}
	if len(allocJSON) > 0 {
		if err := json.Unmarshal(allocJSON, &p.Allocations); err != nil {
			return nil, fmt.Errorf("get pool: decode allocations: %w", err)
		}
	}
	if len(decisionJSON) > 0 {
		var dec model.DecisionRecord
		if err := json.Unmarshal(decisionJSON, &dec); err != nil {
			return nil, fmt.Errorf("get pool: decode decision: %w", err)
		}
		p.LastDecision = &dec
	}
	return &p, nil
}

func (s *PostgresStore) ApplyDeposit(ctx context.Context, pool *model.PoolState, account *model.UserShareAccount, ltx *model.LedgerTransaction) error {
	return s.apply(ctx, pool, account, ltx)
}

func (s *PostgresStore) ApplyWithdrawal(ctx context.Context, pool *model.PoolState, account *model.UserShareAccount, ltx *model.LedgerTransaction) error {
	return s.apply(ctx, pool, account, ltx)
}

func (s *PostgresStore) ApplyRebalance(ctx context.Context, pool *model.PoolState, decision, rebalance *model.LedgerTransaction) error {
	return s.apply(ctx, pool, nil, decision, rebalance)
}

// apply runs the shared atomic unit in one database transaction: lock the
// pool row and reject a stale read, then the ledger inserts (so the
// idempotency index rejects replays before anything else happens), then
// the pool row, then the account upsert.
func (s *PostgresStore) apply(ctx context.Context, pool *model.PoolState, account *model.UserShareAccount, txs ...*model.LedgerTransaction) error {
	dbtx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer dbtx.Rollback(ctx)

	// Row lock + optimistic check: pool was computed from a GetPool read
	// outside this transaction, and another writer may have committed in
	// between. The in-process mutex cannot cover a second service instance
	// sharing this database.
	var current int64
	err = dbtx.QueryRow(ctx,
		`SELECT version FROM pool_state WHERE id = 1 FOR UPDATE`).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("lock pool: %w", err)
	}
	if err == nil && current != pool.Version {
		return ErrStalePool
	}

	for _, ltx := range txs {
		if err := insertTransaction(ctx, dbtx, ltx); err != nil {
			return err
		}
	}
	if err := upsertPool(ctx, dbtx, pool); err != nil {
		return err
	}
	if account != nil {
		if err := upsertAccount(ctx, dbtx, account); err != nil {
			return err
		}
	}
	return dbtx.Commit(ctx)
}

func insertTransaction(ctx context.Context, dbtx pgx.Tx, ltx *model.LedgerTransaction) error {
	_, err := dbtx.Exec(ctx,
		`INSERT INTO ledger_transactions
		   (id, kind, wallet, amount_usd, shares, share_price, details, idempotency_key, ts)
		 VALUES ($1, $2, NULLIF($3, ''), $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, NULLIF($7, ''), NULLIF($8, ''), $9)`,
		ltx.ID, ltx.Kind, ltx.Wallet,
		ltx.AmountUsd.String(), ltx.Shares.String(), ltx.SharePrice.String(),
		ltx.Details, ltx.IdempotencyKey, ltx.Timestamp,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateTransaction
	}
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func upsertPool(ctx context.Context, dbtx pgx.Tx, p *model.PoolState) error {
	allocJSON, err := json.Marshal(p.Allocations)
	if err != nil {
		return fmt.Errorf("encode allocations: %w", err)
	}
	var decisionJSON []byte
	if p.LastDecision != nil {
		decisionJSON, err = json.Marshal(p.LastDecision)
		if err != nil {
			return fmt.Errorf("encode decision: %w", err)
		}
	}

	_, err = dbtx.Exec(ctx,
		`INSERT INTO pool_state (id, version, total_value_usd, total_shares, allocations, last_rebalance_at, last_decision, updated_at)
		 VALUES (1, $1, $2::NUMERIC, $3::NUMERIC, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   version = EXCLUDED.version,
		   total_value_usd = EXCLUDED.total_value_usd,
		   total_shares = EXCLUDED.total_shares,
		   allocations = EXCLUDED.allocations,
		   last_rebalance_at = EXCLUDED.last_rebalance_at,
		   last_decision = EXCLUDED.last_decision,
		   updated_at = EXCLUDED.updated_at`,
		p.Version+1, p.TotalValueUsd.String(), p.TotalShares.String(),
		allocJSON, p.LastRebalanceAt, decisionJSON, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert pool: %w", err)
	}
	return nil
}

func upsertAccount(ctx context.Context, dbtx pgx.Tx, a *model.UserShareAccount) error {
	depositsJSON, err := json.Marshal(a.Deposits)
	if err != nil {
		return fmt.Errorf("encode deposits: %w", err)
	}
	withdrawalsJSON, err := json.Marshal(a.Withdrawals)
	if err != nil {
		return fmt.Errorf("encode withdrawals: %w", err)
	}

	_, err = dbtx.Exec(ctx,
		`INSERT INTO user_shares (wallet, shares, cost_basis_usd, joined_at, last_action_at, deposits, withdrawals)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5, $6, $7)
		 ON CONFLICT (wallet) DO UPDATE SET
		   shares = EXCLUDED.shares,
		   cost_basis_usd = EXCLUDED.cost_basis_usd,
		   last_action_at = EXCLUDED.last_action_at,
		   deposits = EXCLUDED.deposits,
		   withdrawals = EXCLUDED.withdrawals`,
		a.Wallet, a.Shares.String(), a.CostBasisUsd.String(),
		a.JoinedAt, a.LastActionAt, depositsJSON, withdrawalsJSON,
	)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserAccount(ctx context.Context, walletID string) (*model.UserShareAccount, error) {
	var a model.UserShareAccount
	var sharesS, costS string
	var depositsJSON, withdrawalsJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT wallet, shares::TEXT, cost_basis_usd::TEXT, joined_at, last_action_at, deposits, withdrawals
		 FROM user_shares WHERE wallet = $1`, walletID).
		Scan(&a.Wallet, &sharesS, &costS, &a.JoinedAt, &a.LastActionAt, &depositsJSON, &withdrawalsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", walletID, err)
	}

	a.Shares, _ = decimal.NewFromString(sharesS)
	a.CostBasisUsd, _ = decimal.NewFromString(costS)
	if err := json.Unmarshal(depositsJSON, &a.Deposits); err != nil {
		return nil, fmt.Errorf("get account %s: decode deposits: %w", walletID, err)
	}
	if err := json.Unmarshal(withdrawalsJSON, &a.Withdrawals); err != nil {
		return nil, fmt.Errorf("get account %s: decode withdrawals: %w", walletID, err)
	}
	return &a, nil
}

func (s *PostgresStore) ListUserAccounts(ctx context.Context) ([]model.UserShareAccount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT wallet, shares::TEXT, cost_basis_usd::TEXT, joined_at, last_action_at, deposits, withdrawals
		 FROM user_shares ORDER BY wallet`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.UserShareAccount
	for rows.Next() {
		var a model.UserShareAccount
		var sharesS, costS string
		var depositsJSON, withdrawalsJSON []byte
		if err := rows.Scan(&a.Wallet, &sharesS, &costS, &a.JoinedAt, &a.LastActionAt, &depositsJSON, &withdrawalsJSON); err != nil {
			return nil, err
		}
		a.Shares, _ = decimal.NewFromString(sharesS)
		a.CostBasisUsd, _ = decimal.NewFromString(costS)
		json.Unmarshal(depositsJSON, &a.Deposits)
		json.Unmarshal(withdrawalsJSON, &a.Withdrawals)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) CountActiveMembers(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM user_shares WHERE shares > 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count members: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) GetTransactionByKey(ctx context.Context, key string) (*model.LedgerTransaction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, kind, COALESCE(wallet, ''), amount_usd::TEXT, shares::TEXT, share_price::TEXT,
		        COALESCE(details, ''), COALESCE(idempotency_key, ''), ts
		 FROM ledger_transactions WHERE idempotency_key = $1`, key)

	ltx, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction by key: %w", err)
	}
	return ltx, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, limit int) ([]model.LedgerTransaction, error) {
	q := `SELECT id, kind, COALESCE(wallet, ''), amount_usd::TEXT, shares::TEXT, share_price::TEXT,
	             COALESCE(details, ''), COALESCE(idempotency_key, ''), ts
	      FROM ledger_transactions ORDER BY ts`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []model.LedgerTransaction
	for rows.Next() {
		ltx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *ltx)
	}
	return txs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*model.LedgerTransaction, error) {
	var ltx model.LedgerTransaction
	var amountS, sharesS, priceS string
	if err := row.Scan(&ltx.ID, &ltx.Kind, &ltx.Wallet,
		&amountS, &sharesS, &priceS,
		&ltx.Details, &ltx.IdempotencyKey, &ltx.Timestamp); err != nil {
		return nil, err
	}
	ltx.AmountUsd, _ = decimal.NewFromString(amountS)
	ltx.Shares, _ = decimal.NewFromString(sharesS)
	ltx.SharePrice, _ = decimal.NewFromString(priceS)
	return &ltx, nil
}

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap *model.NavSnapshot) error {
	allocJSON, err := json.Marshal(snap.Allocations)
	if err != nil {
		return fmt.Errorf("encode allocations: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO nav_snapshots (id, ts, share_price, total_nav, total_shares, member_count, allocations, source)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7, $8)`,
		snap.ID, snap.Timestamp,
		snap.SharePrice.String(), snap.TotalNav.String(), snap.TotalShares.String(),
		snap.MemberCount, allocJSON, snap.Source,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, since time.Time) ([]model.NavSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, ts, share_price::TEXT, total_nav::TEXT, total_shares::TEXT, member_count, allocations, source
		 FROM nav_snapshots WHERE ts >= $1 ORDER BY ts`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []model.NavSnapshot
	for rows.Next() {
		var snap model.NavSnapshot
		var priceS, navS, sharesS string
		var allocJSON []byte
		if err := rows.Scan(&snap.ID, &snap.Timestamp, &priceS, &navS, &sharesS,
			&snap.MemberCount, &allocJSON, &snap.Source); err != nil {
			return nil, err
		}
		snap.SharePrice, _ = decimal.NewFromString(priceS)
		snap.TotalNav, _ = decimal.NewFromString(navS)
		snap.TotalShares, _ = decimal.NewFromString(sharesS)
		snap.Allocations = map[string]model.Allocation{}
		json.Unmarshal(allocJSON, &snap.Allocations)
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func (s *PostgresStore) PruneSnapshots(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM nav_snapshots WHERE ts < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}
