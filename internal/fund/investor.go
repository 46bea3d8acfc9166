package fund

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/moneyflow888/moneyflow-web/internal/auth"
	"github.com/moneyflow888/moneyflow-web/internal/model"
	"github.com/moneyflow888/moneyflow-web/internal/pricing"
	"github.com/moneyflow888/moneyflow-web/internal/store"
)

// AmountRequest is the JSON body for creating a deposit or withdrawal.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// AccountResponse is an investor's own account plus its current value.
type AccountResponse struct {
	model.InvestorAccount
	SharePrice  *decimal.Decimal `json:"share_price"`
	PriceSource string           `json:"price_source,omitempty"`
	Value       *decimal.Decimal `json:"value"`
}

func investor(r *http.Request) auth.Investor {
	inv, _ := auth.InvestorFrom(r.Context())
	return inv
}

// GetMyAccount handles GET /api/v1/me/account
// An investor with no settled deposits gets a zero account.
func (s *Service) GetMyAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inv := investor(r)

	acct, err := s.store.GetAccount(ctx, inv.UserID)
	if errors.Is(err, store.ErrNotFound) {
		acct = &model.InvestorAccount{UserID: inv.UserID, Email: inv.Email}
	} else if err != nil {
		writeStoreError(w, err)
		return
	}

	resp := AccountResponse{InvestorAccount: *acct}
	snap, err := s.store.LatestNavSnapshot(ctx)
	if err == nil {
		totals, err := s.store.AccountTotals(ctx)
		if err == nil {
			if q, err := pricing.Resolve(*snap, totals.Shares); err == nil {
				value := pricing.ValueOf(acct.Shares, q.Price)
				resp.SharePrice = &q.Price
				resp.PriceSource = q.Source
				resp.Value = &value
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListMyDeposits handles GET /api/v1/me/deposits
func (s *Service) ListMyDeposits(w http.ResponseWriter, r *http.Request) {
	deps, err := s.store.ListDepositsByUser(r.Context(), investor(r).UserID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if deps == nil {
		deps = []model.DepositRequest{}
	}
	writeJSON(w, http.StatusOK, deps)
}

// CreateDeposit handles POST /api/v1/me/deposits
func (s *Service) CreateDeposit(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	inv := investor(r)
	dep := &model.DepositRequest{
		ID:        uuid.New().String(),
		UserID:    inv.UserID,
		Email:     inv.Email,
		Amount:    req.Amount,
		Status:    model.DepositPending,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateDeposit(r.Context(), dep); err != nil {
		writeStoreError(w, err)
		return
	}

	slog.Info("deposit requested", "id", dep.ID, "user", dep.UserID, "amount", dep.Amount.String())
	writeJSON(w, http.StatusCreated, dep)
}

// CancelDeposit handles POST /api/v1/me/deposits/{id}/cancel
// Cancelling anything but a PENDING deposit is a no-op.
func (s *Service) CancelDeposit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled, err := s.store.CancelDeposit(r.Context(), id, investor(r).UserID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if cancelled {
		slog.Info("deposit cancelled", "id", id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "cancelled": cancelled})
}

// ListMyWithdrawals handles GET /api/v1/me/withdrawals
func (s *Service) ListMyWithdrawals(w http.ResponseWriter, r *http.Request) {
	wds, err := s.store.ListWithdrawalsByUser(r.Context(), investor(r).UserID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if wds == nil {
		wds = []model.WithdrawRequest{}
	}
	writeJSON(w, http.StatusOK, wds)
}

// CreateWithdrawal handles POST /api/v1/me/withdrawals
// The amount is reserved in the account's pending_withdraw until the
// request settles or is cancelled.
func (s *Service) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	wd := &model.WithdrawRequest{
		ID:        uuid.New().String(),
		UserID:    investor(r).UserID,
		Amount:    req.Amount,
		Status:    model.WithdrawPending,
		CreatedAt: s.now(),
	}
	err := s.store.CreateWithdraw(r.Context(), wd)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "no investor account to withdraw from", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}

	slog.Info("withdrawal requested", "id", wd.ID, "user", wd.UserID, "amount", wd.Amount.String())
	writeJSON(w, http.StatusCreated, wd)
}

// CancelWithdrawal handles POST /api/v1/me/withdrawals/{id}/cancel
func (s *Service) CancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled, err := s.store.CancelWithdraw(r.Context(), id, investor(r).UserID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if cancelled {
		slog.Info("withdrawal cancelled", "id", id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "cancelled": cancelled})
}
