// Package ledger implements the pooled-fund share ledger: deposits,
// withdrawals, allocation accounting, NAV computation, and snapshot capture.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Conversions floor in the pool's favor to match the on-chain contract.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/navfund/pool-engine/internal/alloc"
	"github.com/navfund/pool-engine/internal/metrics"
	"github.com/navfund/pool-engine/internal/model"
	"github.com/navfund/pool-engine/internal/oracle"
	"github.com/navfund/pool-engine/internal/shares"
	"github.com/navfund/pool-engine/internal/store"
	"github.com/navfund/pool-engine/internal/wallet"
)

var (
	// ErrAmountTooSmall is returned when a deposit is below the minimum
	// (or below the stricter first-deposit minimum on an empty pool).
	ErrAmountTooSmall = errors.New("ledger: deposit amount below minimum")

	// ErrBurnTooSmall is returned when a withdrawal burns fewer shares
	// than the minimum burn size.
	ErrBurnTooSmall = errors.New("ledger: share burn below minimum")

	// ErrInsufficientShares is returned when a wallet tries to burn more
	// shares than it holds.
	ErrInsufficientShares = errors.New("ledger: insufficient shares")

	// ErrSlippageExceeded is returned when a withdrawal would pay out less
	// than the caller's minAmountOut.
	ErrSlippageExceeded = errors.New("ledger: payout below min_amount_out")
)

// Config holds the ledger's tuning knobs.
type Config struct {
	// MinDeposit is the minimum USD deposit into a funded pool.
	MinDeposit decimal.Decimal

	// MinInitialDeposit is the stricter minimum for the very first deposit
	// into an empty pool, where the virtual offsets alone are not enough
	// protection against extreme rounding at zero supply.
	MinInitialDeposit decimal.Decimal

	// MinWithdrawShares is the minimum share burn per withdrawal.
	MinWithdrawShares decimal.Decimal

	// DustThreshold is the USD delta below which a rebalance leg is
	// ignored.
	DustThreshold decimal.Decimal

	// OracleTimeout bounds every price-oracle call.
	OracleTimeout time.Duration

	// SnapshotRetention is the NAV-history horizon; older snapshots are
	// removed by CleanupSnapshots.
	SnapshotRetention time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MinDeposit:        decimal.NewFromInt(10),
		MinInitialDeposit: decimal.NewFromInt(50),
		MinWithdrawShares: decimal.NewFromFloat(0.0001),
		DustThreshold:     decimal.NewFromInt(1),
		OracleTimeout:     5 * time.Second,
		SnapshotRetention: 2 * 365 * 24 * time.Hour,
	}
}

// Service owns the pool state and all share accounting. A single mutex
// serializes every mutating operation in-process; the store's transactional
// Apply* methods make each mutation all-or-nothing, with the idempotency
// check inside the same atomic unit as the insert.
type Service struct {
	store  store.Store
	oracle oracle.PriceOracle
	conv   *shares.Converter
	cfg    Config
	mu     sync.Mutex
	hub    *NavHub // optional WebSocket hub for NAV tick broadcasts
}

// NewService creates a ledger service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, po oracle.PriceOracle, hub *NavHub, cfg Config) *Service {
	return &Service{
		store:  st,
		oracle: po,
		conv:   shares.DefaultConverter(),
		cfg:    cfg,
		hub:    hub,
	}
}

// --- Request/Result types ---

// DepositRequest is a request to buy into the pool.
type DepositRequest struct {
	Wallet         string          `json:"wallet"`
	AmountUsd      decimal.Decimal `json:"amount_usd"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"` // e.g. an on-chain tx hash
}

// DepositResult reports a completed (or replayed) deposit.
type DepositResult struct {
	Wallet         string          `json:"wallet"`
	AmountUsd      decimal.Decimal `json:"amount_usd"`
	SharesReceived decimal.Decimal `json:"shares_received"`
	SharePrice     decimal.Decimal `json:"share_price"`
	NewTotalShares decimal.Decimal `json:"new_total_shares"`
	OwnershipPct   decimal.Decimal `json:"ownership_pct"`
	Duplicate      bool            `json:"duplicate"` // true on idempotent replay
}

// WithdrawRequest is a request to burn shares for USD.
type WithdrawRequest struct {
	Wallet         string          `json:"wallet"`
	Shares         decimal.Decimal `json:"shares"`
	MinAmountOut   decimal.Decimal `json:"min_amount_out,omitempty"` // slippage guard, 0 = none
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	// VerifiedRef marks an externally-verified transfer: the local
	// sufficient-shares pre-check is skipped (the external system is
	// authoritative) and results clamp at zero instead of going negative.
	VerifiedRef string `json:"verified_ref,omitempty"`
}

// WithdrawResult reports a completed (or replayed) withdrawal.
type WithdrawResult struct {
	Wallet          string          `json:"wallet"`
	AmountUsd       decimal.Decimal `json:"amount_usd"`
	SharesBurned    decimal.Decimal `json:"shares_burned"`
	SharePrice      decimal.Decimal `json:"share_price"`
	RemainingShares decimal.Decimal `json:"remaining_shares"`
	Duplicate       bool            `json:"duplicate"`
}

// AllocationRequest carries a target allocation decision to apply.
type AllocationRequest struct {
	Targets   map[string]decimal.Decimal `json:"targets"` // asset → %
	Reasoning string                     `json:"reasoning,omitempty"`
}

// AllocationResult reports the applied allocation and the implied trades
// for the execution layer. The ledger itself never executes trades.
type AllocationResult struct {
	Previous map[string]model.Allocation `json:"previous"`
	Next     map[string]model.Allocation `json:"next"`
	Trades   []alloc.Trade               `json:"trades"`
}

// NavView is the live NAV recomputed from oracle prices.
type NavView struct {
	TotalValueUsd decimal.Decimal             `json:"total_value_usd"`
	SharePrice    decimal.Decimal             `json:"share_price"`
	TotalShares   decimal.Decimal             `json:"total_shares"`
	Allocations   map[string]model.Allocation `json:"allocations"`
}

// Summary is the aggregate pool view for callers.
type Summary struct {
	Nav             NavView               `json:"nav"`
	MemberCount     int                   `json:"member_count"`
	LastRebalanceAt *time.Time            `json:"last_rebalance_at,omitempty"`
	LastDecision    *model.DecisionRecord `json:"last_decision,omitempty"`
}

// --- NAV ---

// markToMarket reprices every held asset through the oracle and rewrites
// the pool's allocation values, percentages, total NAV, and derived share
// price. It fails closed: any unavailable price aborts without touching
// the pool argument's totals.
func (s *Service) markToMarket(ctx context.Context, pool *model.PoolState) (map[string]decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OracleTimeout)
	defer cancel()

	assets := make([]string, 0, len(pool.Allocations))
	for asset, a := range pool.Allocations {
		if a.Amount.IsPositive() {
			assets = append(assets, asset)
		}
	}

	prices := map[string]decimal.Decimal{}
	if len(assets) > 0 {
		var err error
		prices, err = s.oracle.GetBatchPrices(ctx, assets)
		if err != nil {
			metrics.OracleFailures.Inc()
			return nil, fmt.Errorf("mark to market: %w", err)
		}
	}

	total := decimal.Zero
	for asset, a := range pool.Allocations {
		if a.Amount.IsPositive() {
			a.Price = prices[asset]
			a.ValueUsd = a.Amount.Mul(a.Price)
		} else {
			a.ValueUsd = decimal.Zero
		}
		pool.Allocations[asset] = a
		total = total.Add(pool.Allocations[asset].ValueUsd)
	}

	pool.TotalValueUsd = total
	recomputePercentages(pool)
	pool.SharePrice = s.conv.SharePrice(pool.TotalValueUsd, pool.TotalShares)
	return prices, nil
}

func recomputePercentages(pool *model.PoolState) {
	hundred := decimal.NewFromInt(100)
	for asset, a := range pool.Allocations {
		if pool.TotalValueUsd.IsPositive() {
			a.Percentage = a.ValueUsd.Div(pool.TotalValueUsd).Mul(hundred).Round(4)
		} else {
			a.Percentage = decimal.Zero
		}
		pool.Allocations[asset] = a
	}
}

// effectiveTargets returns the allocation that fresh capital follows: the
// last applied decision if there is one, else the pool's current weights,
// else 100% USDC for a brand-new pool.
func effectiveTargets(pool *model.PoolState) map[string]decimal.Decimal {
	if pool.LastDecision != nil && len(pool.LastDecision.Targets) > 0 {
		return pool.LastDecision.Targets
	}
	if pool.TotalValueUsd.IsPositive() {
		targets := make(map[string]decimal.Decimal, len(pool.Allocations))
		for asset, a := range pool.Allocations {
			if a.Percentage.IsPositive() {
				targets[asset] = a.Percentage
			}
		}
		if len(targets) > 0 {
			return targets
		}
	}
	return map[string]decimal.Decimal{"USDC": decimal.NewFromInt(100)}
}

// GetNav recomputes NAV from live oracle prices. It never serves a stored
// total: a stale total could misprice every mint and burn that follows.
func (s *Service) GetNav(ctx context.Context) (*NavView, error) {
	pool, err := s.store.GetPool(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.markToMarket(ctx, pool); err != nil {
		return nil, err
	}
	return &NavView{
		TotalValueUsd: pool.TotalValueUsd,
		SharePrice:    pool.SharePrice,
		TotalShares:   pool.TotalShares,
		Allocations:   pool.Allocations,
	}, nil
}

// GetSummary returns the aggregate pool view.
func (s *Service) GetSummary(ctx context.Context) (*Summary, error) {
	nav, err := s.GetNav(ctx)
	if err != nil {
		return nil, err
	}
	members, err := s.store.CountActiveMembers(ctx)
	if err != nil {
		return nil, err
	}
	pool, err := s.store.GetPool(ctx)
	if err != nil {
		return nil, err
	}
	return &Summary{
		Nav:             *nav,
		MemberCount:     members,
		LastRebalanceAt: pool.LastRebalanceAt,
		LastDecision:    pool.LastDecision,
	}, nil
}

// --- Deposit ---

// maxApplyRetries bounds re-reads after the store rejects a stale pool
// read. The in-process mutex makes conflicts impossible within one
// instance; retries only fire when another service instance shares the
// store.
const maxApplyRetries = 3

// Deposit mints shares for a USD contribution. A request replayed with an
// already-used idempotency key returns the originally recorded result with
// Duplicate set — state mutates exactly once.
func (s *Service) Deposit(ctx context.Context, req DepositRequest) (*DepositResult, error) {
	walletID, err := wallet.Normalize(req.Wallet)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; ; attempt++ {
		res, err := s.depositOnce(ctx, req, walletID)
		if errors.Is(err, store.ErrStalePool) && attempt < maxApplyRetries {
			continue
		}
		return res, err
	}
}

// depositOnce is one read-compute-write attempt under the service mutex.
func (s *Service) depositOnce(ctx context.Context, req DepositRequest, walletID string) (*DepositResult, error) {
	if req.IdempotencyKey != "" {
		if prior, err := s.store.GetTransactionByKey(ctx, req.IdempotencyKey); err == nil {
			return s.replayDeposit(ctx, prior)
		}
	}

	pool, err := s.store.GetPool(ctx)
	if err != nil {
		return nil, err
	}
	prices, err := s.markToMarket(ctx, pool)
	if err != nil {
		return nil, err
	}

	minimum := s.cfg.MinDeposit
	if pool.TotalShares.IsZero() {
		minimum = s.cfg.MinInitialDeposit
	}
	if req.AmountUsd.LessThan(minimum) {
		return nil, fmt.Errorf("%w: %s < %s", ErrAmountTooSmall, req.AmountUsd, minimum)
	}

	priceAtExec := pool.SharePrice
	minted, err := s.conv.ToShares(req.AmountUsd, pool.TotalValueUsd, pool.TotalShares)
	if err != nil {
		return nil, err
	}

	// Buy into each target asset proportionally at its live price.
	targets := effectiveTargets(pool)
	parts := alloc.SplitDeposit(req.AmountUsd, targets)
	if err := s.buyInto(ctx, pool, parts, prices); err != nil {
		return nil, err
	}

	pool.TotalValueUsd = pool.TotalValueUsd.Add(req.AmountUsd)
	pool.TotalShares = pool.TotalShares.Add(minted)
	recomputePercentages(pool)
	pool.SharePrice = s.conv.SharePrice(pool.TotalValueUsd, pool.TotalShares)
	pool.UpdatedAt = time.Now().UTC()

	account, err := s.store.GetUserAccount(ctx, walletID)
	if errors.Is(err, store.ErrNotFound) {
		account = &model.UserShareAccount{
			Wallet:       walletID,
			Shares:       decimal.Zero,
			CostBasisUsd: decimal.Zero,
			JoinedAt:     pool.UpdatedAt,
		}
	} else if err != nil {
		return nil, err
	}
	account.Shares = account.Shares.Add(minted)
	account.CostBasisUsd = account.CostBasisUsd.Add(req.AmountUsd)
	account.LastActionAt = pool.UpdatedAt
	account.Deposits = append(account.Deposits, model.ShareEvent{
		Timestamp:   pool.UpdatedAt,
		AmountUsd:   req.AmountUsd,
		SharesDelta: minted,
		SharePrice:  priceAtExec,
		Reference:   req.IdempotencyKey,
	})

	ltx := &model.LedgerTransaction{
		ID:             uuid.New().String(),
		Kind:           model.TxDeposit,
		Wallet:         walletID,
		AmountUsd:      req.AmountUsd,
		Shares:         minted,
		SharePrice:     priceAtExec,
		IdempotencyKey: req.IdempotencyKey,
		Timestamp:      pool.UpdatedAt,
	}

	if err := s.store.ApplyDeposit(ctx, pool, account, ltx); err != nil {
		if errors.Is(err, store.ErrDuplicateTransaction) {
			// Lost the race against another retry of the same event.
			if prior, lookupErr := s.store.GetTransactionByKey(ctx, req.IdempotencyKey); lookupErr == nil {
				return s.replayDeposit(ctx, prior)
			}
		}
		return nil, err
	}

	metrics.DepositsTotal.Inc()
	s.observePool(ctx, pool)
	s.broadcast(pool, "deposit")

	slog.Info("deposit accepted",
		"wallet", walletID,
		"amount_usd", req.AmountUsd.String(),
		"shares", minted.String(),
		"share_price", priceAtExec.String(),
		"total_shares", pool.TotalShares.String(),
	)

	return &DepositResult{
		Wallet:         walletID,
		AmountUsd:      req.AmountUsd,
		SharesReceived: minted,
		SharePrice:     priceAtExec,
		NewTotalShares: pool.TotalShares,
		OwnershipPct:   shares.OwnershipPct(account.Shares, pool.TotalShares),
	}, nil
}

// buyInto adds the per-asset USD parts to the pool's allocation at live
// prices, fetching prices for assets the pool does not hold yet.
func (s *Service) buyInto(ctx context.Context, pool *model.PoolState, parts map[string]decimal.Decimal, prices map[string]decimal.Decimal) error {
	var missing []string
	for asset := range parts {
		if _, ok := prices[asset]; !ok {
			missing = append(missing, asset)
		}
	}
	if len(missing) > 0 {
		octx, cancel := context.WithTimeout(ctx, s.cfg.OracleTimeout)
		defer cancel()
		fetched, err := s.oracle.GetBatchPrices(octx, missing)
		if err != nil {
			metrics.OracleFailures.Inc()
			return fmt.Errorf("price deposit assets: %w", err)
		}
		for asset, price := range fetched {
			prices[asset] = price
		}
	}

	for asset, part := range parts {
		price := prices[asset]
		if !price.IsPositive() {
			metrics.OracleFailures.Inc()
			return fmt.Errorf("price deposit assets: %w: %s", oracle.ErrPriceUnavailable, asset)
		}
		a := pool.Allocations[asset]
		a.Price = price
		a.Amount = a.Amount.Add(part.Div(price))
		a.ValueUsd = a.ValueUsd.Add(part)
		if pool.Allocations == nil {
			pool.Allocations = map[string]model.Allocation{}
		}
		pool.Allocations[asset] = a
	}
	return nil
}

// replayDeposit rebuilds a deposit result from the recorded transaction.
func (s *Service) replayDeposit(ctx context.Context, ltx *model.LedgerTransaction) (*DepositResult, error) {
	metrics.DuplicateReplays.Inc()
	slog.Info("deposit replayed", "wallet", ltx.Wallet, "key", ltx.IdempotencyKey)

	pool, err := s.store.GetPool(ctx)
	if err != nil {
		return nil, err
	}
	ownership := decimal.Zero
	if account, err := s.store.GetUserAccount(ctx, ltx.Wallet); err == nil {
		ownership = shares.OwnershipPct(account.Shares, pool.TotalShares)
	}
	return &DepositResult{
		Wallet:         ltx.Wallet,
		AmountUsd:      ltx.AmountUsd,
		SharesReceived: ltx.Shares,
		SharePrice:     ltx.SharePrice,
		NewTotalShares: pool.TotalShares,
		OwnershipPct:   ownership,
		Duplicate:      true,
	}, nil
}

// --- Withdraw ---

// Withdraw burns shares for USD at the current share price. The payout
// formula floors in the pool's favor; totals clamp at zero on any desync
// with an externally-verified transfer.
func (s *Service) Withdraw(ctx context.Context, req WithdrawRequest) (*WithdrawResult, error) {
	walletID, err := wallet.Normalize(req.Wallet)
	if err != nil {
		return nil, err
	}
	if req.Shares.LessThan(s.cfg.MinWithdrawShares) {
		return nil, fmt.Errorf("%w: %s < %s", ErrBurnTooSmall, req.Shares, s.cfg.MinWithdrawShares)
	}

	key := req.IdempotencyKey
	if key == "" {
		key = req.VerifiedRef
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; ; attempt++ {
		res, err := s.withdrawOnce(ctx, req, walletID, key)
		if errors.Is(err, store.ErrStalePool) && attempt < maxApplyRetries {
			continue
		}
		return res, err
	}
}

func (s *Service) withdrawOnce(ctx context.Context, req WithdrawRequest, walletID, key string) (*WithdrawResult, error) {
	if key != "" {
		if prior, err := s.store.GetTransactionByKey(ctx, key); err == nil {
			return s.replayWithdrawal(ctx, prior)
		}
	}

	account, err := s.store.GetUserAccount(ctx, walletID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown wallet %s", ErrInsufficientShares, walletID)
	}
	if err != nil {
		return nil, err
	}

	// An externally-verified transfer is authoritative: skip the local
	// pre-check and reconcile by clamping instead.
	if req.VerifiedRef == "" && account.Shares.LessThan(req.Shares) {
		return nil, fmt.Errorf("%w: have %s, want %s", ErrInsufficientShares, account.Shares, req.Shares)
	}

	pool, err := s.store.GetPool(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.markToMarket(ctx, pool); err != nil {
		return nil, err
	}

	priceAtExec := pool.SharePrice
	payout, err := s.conv.ToAssets(req.Shares, pool.TotalValueUsd, pool.TotalShares)
	if err != nil {
		return nil, err
	}
	if payout.GreaterThan(pool.TotalValueUsd) {
		payout = pool.TotalValueUsd
	}
	if req.MinAmountOut.IsPositive() && payout.LessThan(req.MinAmountOut) {
		return nil, fmt.Errorf("%w: payout %s < min %s", ErrSlippageExceeded, payout, req.MinAmountOut)
	}

	sellOff(pool, payout)

	pool.TotalValueUsd = clampZero(pool.TotalValueUsd.Sub(payout))
	pool.TotalShares = clampZero(pool.TotalShares.Sub(req.Shares))
	recomputePercentages(pool)
	pool.SharePrice = s.conv.SharePrice(pool.TotalValueUsd, pool.TotalShares)
	pool.UpdatedAt = time.Now().UTC()

	burnFraction := decimal.NewFromInt(1)
	if account.Shares.IsPositive() {
		burnFraction = req.Shares.Div(account.Shares)
		if burnFraction.GreaterThan(decimal.NewFromInt(1)) {
			burnFraction = decimal.NewFromInt(1)
		}
	}
	account.Shares = clampZero(account.Shares.Sub(req.Shares))
	account.CostBasisUsd = clampZero(account.CostBasisUsd.Sub(account.CostBasisUsd.Mul(burnFraction)))
	account.LastActionAt = pool.UpdatedAt
	account.Withdrawals = append(account.Withdrawals, model.ShareEvent{
		Timestamp:   pool.UpdatedAt,
		AmountUsd:   payout,
		SharesDelta: req.Shares.Neg(),
		SharePrice:  priceAtExec,
		Reference:   key,
	})

	ltx := &model.LedgerTransaction{
		ID:             uuid.New().String(),
		Kind:           model.TxWithdrawal,
		Wallet:         walletID,
		AmountUsd:      payout,
		Shares:         req.Shares,
		SharePrice:     priceAtExec,
		IdempotencyKey: key,
		Timestamp:      pool.UpdatedAt,
	}

	if err := s.store.ApplyWithdrawal(ctx, pool, account, ltx); err != nil {
		if errors.Is(err, store.ErrDuplicateTransaction) {
			if prior, lookupErr := s.store.GetTransactionByKey(ctx, key); lookupErr == nil {
				return s.replayWithdrawal(ctx, prior)
			}
		}
		return nil, err
	}

	metrics.WithdrawalsTotal.Inc()
	s.observePool(ctx, pool)
	s.broadcast(pool, "withdrawal")

	slog.Info("withdrawal accepted",
		"wallet", walletID,
		"shares", req.Shares.String(),
		"amount_usd", payout.String(),
		"share_price", priceAtExec.String(),
		"remaining", account.Shares.String(),
	)

	return &WithdrawResult{
		Wallet:          walletID,
		AmountUsd:       payout,
		SharesBurned:    req.Shares,
		SharePrice:      priceAtExec,
		RemainingShares: account.Shares,
	}, nil
}

// sellOff reduces every allocation proportionally by payout's share of the
// pool value, clamping at zero.
func sellOff(pool *model.PoolState, payout decimal.Decimal) {
	if !pool.TotalValueUsd.IsPositive() {
		return
	}
	fraction := payout.Div(pool.TotalValueUsd)
	if fraction.GreaterThan(decimal.NewFromInt(1)) {
		fraction = decimal.NewFromInt(1)
	}
	for asset, a := range pool.Allocations {
		a.ValueUsd = clampZero(a.ValueUsd.Sub(a.ValueUsd.Mul(fraction)))
		a.Amount = clampZero(a.Amount.Sub(a.Amount.Mul(fraction)))
		pool.Allocations[asset] = a
	}
}

func (s *Service) replayWithdrawal(ctx context.Context, ltx *model.LedgerTransaction) (*WithdrawResult, error) {
	metrics.DuplicateReplays.Inc()
	slog.Info("withdrawal replayed", "wallet", ltx.Wallet, "key", ltx.IdempotencyKey)

	remaining := decimal.Zero
	if account, err := s.store.GetUserAccount(ctx, ltx.Wallet); err == nil {
		remaining = account.Shares
	}
	return &WithdrawResult{
		Wallet:          ltx.Wallet,
		AmountUsd:       ltx.AmountUsd,
		SharesBurned:    ltx.Shares,
		SharePrice:      ltx.SharePrice,
		RemainingShares: remaining,
		Duplicate:       true,
	}, nil
}

// --- Allocation ---

// ApplyAllocation validates and persists a target allocation plus its
// decision metadata, and returns the implied trades. Execution is the
// caller's job.
func (s *Service) ApplyAllocation(ctx context.Context, req AllocationRequest) (*AllocationResult, error) {
	if err := alloc.ValidateTargets(req.Targets); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; ; attempt++ {
		res, err := s.allocateOnce(ctx, req)
		if errors.Is(err, store.ErrStalePool) && attempt < maxApplyRetries {
			continue
		}
		return res, err
	}
}

func (s *Service) allocateOnce(ctx context.Context, req AllocationRequest) (*AllocationResult, error) {
	pool, err := s.store.GetPool(ctx)
	if err != nil {
		return nil, err
	}
	prices, err := s.markToMarket(ctx, pool)
	if err != nil {
		return nil, err
	}

	previous := make(map[string]model.Allocation, len(pool.Allocations))
	for asset, a := range pool.Allocations {
		previous[asset] = a
	}

	trades := alloc.PlanRebalance(pool.Allocations, req.Targets, pool.TotalValueUsd, s.cfg.DustThreshold)

	// Reprice any target asset the pool does not hold yet.
	var missing []string
	for asset := range req.Targets {
		if _, ok := prices[asset]; !ok {
			missing = append(missing, asset)
		}
	}
	if len(missing) > 0 {
		octx, cancel := context.WithTimeout(ctx, s.cfg.OracleTimeout)
		defer cancel()
		fetched, err := s.oracle.GetBatchPrices(octx, missing)
		if err != nil {
			metrics.OracleFailures.Inc()
			return nil, fmt.Errorf("price target assets: %w", err)
		}
		for asset, price := range fetched {
			prices[asset] = price
		}
	}

	now := time.Now().UTC()
	hundred := decimal.NewFromInt(100)
	next := make(map[string]model.Allocation, len(req.Targets))
	for asset, pct := range req.Targets {
		if !pct.IsPositive() {
			continue
		}
		value := pool.TotalValueUsd.Mul(pct).Div(hundred)
		price := prices[asset]
		amount := decimal.Zero
		if price.IsPositive() {
			amount = value.Div(price)
		}
		next[asset] = model.Allocation{
			Percentage: pct,
			ValueUsd:   value,
			Amount:     amount,
			Price:      price,
		}
	}

	pool.Allocations = next
	pool.LastRebalanceAt = &now
	pool.LastDecision = &model.DecisionRecord{
		At:        now,
		Reasoning: req.Reasoning,
		Targets:   req.Targets,
	}
	pool.SharePrice = s.conv.SharePrice(pool.TotalValueUsd, pool.TotalShares)
	pool.UpdatedAt = now

	decisionDetails, _ := json.Marshal(map[string]any{
		"reasoning": req.Reasoning,
		"targets":   req.Targets,
	})
	dtx := &model.LedgerTransaction{
		ID:         uuid.New().String(),
		Kind:       model.TxDecision,
		AmountUsd:  pool.TotalValueUsd,
		Shares:     decimal.Zero,
		SharePrice: pool.SharePrice,
		Details:    string(decisionDetails),
		Timestamp:  now,
	}

	details, _ := json.Marshal(map[string]any{
		"reasoning": req.Reasoning,
		"targets":   req.Targets,
		"trades":    trades,
	})
	ltx := &model.LedgerTransaction{
		ID:         uuid.New().String(),
		Kind:       model.TxRebalance,
		AmountUsd:  pool.TotalValueUsd,
		Shares:     decimal.Zero,
		SharePrice: pool.SharePrice,
		Details:    string(details),
		Timestamp:  now,
	}

	if err := s.store.ApplyRebalance(ctx, pool, dtx, ltx); err != nil {
		return nil, err
	}

	metrics.RebalancesTotal.Inc()
	s.observePool(ctx, pool)
	s.broadcast(pool, "rebalance")

	slog.Info("allocation applied",
		"targets", len(req.Targets),
		"trades", len(trades),
		"total_value_usd", pool.TotalValueUsd.String(),
	)

	return &AllocationResult{Previous: previous, Next: next, Trades: trades}, nil
}

// --- Snapshots ---

// CaptureSnapshot recomputes NAV and appends one history point. Called by
// an external scheduler; analytics read at most one interval behind.
func (s *Service) CaptureSnapshot(ctx context.Context, source string) (*model.NavSnapshot, error) {
	nav, err := s.GetNav(ctx)
	if err != nil {
		return nil, err
	}
	members, err := s.store.CountActiveMembers(ctx)
	if err != nil {
		return nil, err
	}

	snap := &model.NavSnapshot{
		ID:          uuid.New().String(),
		Timestamp:   time.Now().UTC(),
		SharePrice:  nav.SharePrice,
		TotalNav:    nav.TotalValueUsd,
		TotalShares: nav.TotalShares,
		MemberCount: members,
		Allocations: nav.Allocations,
		Source:      source,
	}
	if err := s.store.InsertSnapshot(ctx, snap); err != nil {
		return nil, err
	}

	metrics.SnapshotsTotal.WithLabelValues(source).Inc()
	slog.Info("snapshot captured",
		"share_price", snap.SharePrice.String(),
		"total_nav", snap.TotalNav.String(),
		"members", members,
		"source", source,
	)
	return snap, nil
}

// CleanupSnapshots prunes history older than the retention horizon.
func (s *Service) CleanupSnapshots(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.SnapshotRetention)
	removed, err := s.store.PruneSnapshots(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		slog.Info("snapshots pruned", "removed", removed, "cutoff", cutoff)
	}
	return removed, nil
}

// --- Accounts ---

// AccountView is the per-wallet read model.
type AccountView struct {
	Account      model.UserShareAccount `json:"account"`
	OwnershipPct decimal.Decimal        `json:"ownership_pct"`
}

// GetAccount returns one wallet's account with its current ownership share.
func (s *Service) GetAccount(ctx context.Context, rawWallet string) (*AccountView, error) {
	walletID, err := wallet.Normalize(rawWallet)
	if err != nil {
		return nil, err
	}
	account, err := s.store.GetUserAccount(ctx, walletID)
	if err != nil {
		return nil, err
	}
	pool, err := s.store.GetPool(ctx)
	if err != nil {
		return nil, err
	}
	return &AccountView{
		Account:      *account,
		OwnershipPct: shares.OwnershipPct(account.Shares, pool.TotalShares),
	}, nil
}

// --- helpers ---

func clampZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

func (s *Service) observePool(ctx context.Context, pool *model.PoolState) {
	metrics.SharePrice.Set(pool.SharePrice.InexactFloat64())
	metrics.TotalNav.Set(pool.TotalValueUsd.InexactFloat64())
	if members, err := s.store.CountActiveMembers(ctx); err == nil {
		metrics.ActiveMembers.Set(float64(members))
	}
}

func (s *Service) broadcast(pool *model.PoolState, event string) {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast(NavTick{
		Type:        event,
		SharePrice:  pool.SharePrice.String(),
		TotalNav:    pool.TotalValueUsd.String(),
		TotalShares: pool.TotalShares.String(),
		At:          pool.UpdatedAt,
	})
}
