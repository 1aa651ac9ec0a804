// Package ledger — HTTP handlers for the operation surface.
package ledger

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/navfund/pool-engine/internal/alloc"
	"github.com/navfund/pool-engine/internal/oracle"
	"github.com/navfund/pool-engine/internal/shares"
	"github.com/navfund/pool-engine/internal/store"
	"github.com/navfund/pool-engine/internal/wallet"
)

// HandleDeposit handles POST /api/v1/deposit.
func (s *Service) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.Deposit(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleWithdraw handles POST /api/v1/withdraw.
func (s *Service) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.Withdraw(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleAllocation handles POST /api/v1/allocation.
func (s *Service) HandleAllocation(w http.ResponseWriter, r *http.Request) {
	var req AllocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.ApplyAllocation(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleNav handles GET /api/v1/nav.
func (s *Service) HandleNav(w http.ResponseWriter, r *http.Request) {
	nav, err := s.GetNav(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nav)
}

// HandleSummary handles GET /api/v1/summary.
func (s *Service) HandleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.GetSummary(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// HandleAccount handles GET /api/v1/accounts/{wallet}.
func (s *Service) HandleAccount(w http.ResponseWriter, r *http.Request) {
	view, err := s.GetAccount(r.Context(), chi.URLParam(r, "wallet"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleSnapshot handles POST /api/v1/snapshot — the scheduler's hook.
func (s *Service) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.CaptureSnapshot(r.Context(), "scheduler")
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// HandleSnapshotCleanup handles POST /api/v1/snapshot/cleanup.
func (s *Service) HandleSnapshotCleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := s.CleanupSnapshots(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

// writeDomainError maps ledger errors onto HTTP statuses: validation 400,
// missing records 404, funds/slippage conflicts 409, oracle outage 503.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, wallet.ErrInvalidAddress),
		errors.Is(err, shares.ErrNonPositiveAmount),
		errors.Is(err, shares.ErrZeroShares),
		errors.Is(err, ErrAmountTooSmall),
		errors.Is(err, ErrBurnTooSmall),
		errors.Is(err, alloc.ErrNoTargets),
		errors.Is(err, alloc.ErrNegativeTarget),
		errors.Is(err, alloc.ErrTargetSumInvalid):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrInsufficientShares),
		errors.Is(err, ErrSlippageExceeded):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, oracle.ErrPriceUnavailable):
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
