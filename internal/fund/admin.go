package fund

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/moneyflow888/moneyflow-web/internal/auth"
	"github.com/moneyflow888/moneyflow-web/internal/guard"
	"github.com/moneyflow888/moneyflow-web/internal/model"
	"github.com/moneyflow888/moneyflow-web/internal/period"
	"github.com/moneyflow888/moneyflow-web/internal/pricing"
	"github.com/moneyflow888/moneyflow-web/internal/settlement"
	"github.com/moneyflow888/moneyflow-web/internal/store"
)

// LoginRequest is the JSON body for POST /admin/login.
type LoginRequest struct {
	Token string `json:"token"`
}

// SessionResponse describes the current admin session.
type SessionResponse struct {
	Admin     bool      `json:"admin"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AdminLogin handles POST /api/v1/admin/login
func (s *Service) AdminLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	exp, err := s.sessions.Login(w, req.Token)
	if err != nil {
		writeError(w, err.Error(), http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{Admin: true, ExpiresAt: exp})
}

// AdminLogout handles POST /api/v1/admin/logout
func (s *Service) AdminLogout(w http.ResponseWriter, _ *http.Request) {
	s.sessions.ClearCookie(w)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// AdminMe handles GET /api/v1/admin/me
func (s *Service) AdminMe(w http.ResponseWriter, r *http.Request) {
	exp, _ := auth.AdminExpiry(r.Context())
	writeJSON(w, http.StatusOK, SessionResponse{Admin: true, ExpiresAt: exp})
}

// ExecuteDeposits handles POST /api/v1/admin/execute-deposits
func (s *Service) ExecuteDeposits(w http.ResponseWriter, r *http.Request) {
	res, err := s.settler.ExecuteDeposits(r.Context())
	if err != nil {
		writeSettlementError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ExecuteWithdrawals handles POST /api/v1/admin/execute-withdrawals
func (s *Service) ExecuteWithdrawals(w http.ResponseWriter, r *http.Request) {
	res, err := s.settler.ExecuteWithdrawals(r.Context())
	if err != nil {
		writeSettlementError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeSettlementError(w http.ResponseWriter, err error) {
	slog.Error("settlement batch failed", "err", err)
	switch {
	case errors.Is(err, pricing.ErrPriceUnavailable):
		writeErrorCode(w, err.Error(), CodePriceUnavailable, http.StatusInternalServerError)
	case errors.Is(err, settlement.ErrMissingSnapshotTimestamp):
		writeErrorCode(w, err.Error(), CodeMissingSnapshotTimestamp, http.StatusInternalServerError)
	default:
		writeErrorCode(w, err.Error(), CodeBackendFailure, http.StatusInternalServerError)
	}
}

// WithdrawQueue handles GET /api/v1/admin/withdraw-queue
// Returns PENDING and UNPAID withdrawals, oldest first.
func (s *Service) WithdrawQueue(w http.ResponseWriter, r *http.Request) {
	queue, err := s.store.ListWithdrawQueue(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if queue == nil {
		queue = []model.WithdrawRequest{}
	}
	writeJSON(w, http.StatusOK, queue)
}

// MarkWithdrawPaid handles POST /api/v1/admin/withdrawals/{id}/paid
// Only UNPAID withdrawals move to PAID; anything else is a no-op.
func (s *Service) MarkWithdrawPaid(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	paid, err := s.store.MarkWithdrawPaid(r.Context(), id, s.now())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if paid {
		slog.Info("withdrawal paid", "id", id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "paid": paid})
}

// ListWtdAdjustments handles GET /api/v1/admin/wtd-adjustments
func (s *Service) ListWtdAdjustments(w http.ResponseWriter, r *http.Request) {
	adjs, err := s.store.ListWtdAdjustments(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if adjs == nil {
		adjs = []model.WtdAdjustment{}
	}
	writeJSON(w, http.StatusOK, adjs)
}

// CreateWtdAdjustment handles POST /api/v1/admin/wtd-adjustments
// An empty week defaults to the current one.
func (s *Service) CreateWtdAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Week == "" {
		req.Week = period.WeekOf(s.now())
	}
	if _, err := period.ParseWeek(req.Week); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Delta.IsZero() {
		writeError(w, "delta must be non-zero", http.StatusBadRequest)
		return
	}

	adj := &model.WtdAdjustment{
		ID:        uuid.New().String(),
		Week:      req.Week,
		Delta:     req.Delta,
		Note:      req.Note,
		CreatedAt: s.now(),
	}
	if err := s.store.InsertWtdAdjustment(r.Context(), adj); err != nil {
		writeStoreError(w, err)
		return
	}

	slog.Info("wtd adjustment recorded", "id", adj.ID, "week", adj.Week, "delta", adj.Delta.String())
	writeJSON(w, http.StatusCreated, adj)
}

// NavSnapshotRequest is the JSON body for POST /admin/nav-snapshots.
type NavSnapshotRequest struct {
	TotalNAV    decimal.Decimal     `json:"total_nav"`
	TotalShares decimal.NullDecimal `json:"total_shares"`
	SharePrice  decimal.NullDecimal `json:"share_price"`
	CreatedAt   *time.Time          `json:"created_at,omitempty"`
}

// CreateNavSnapshot handles POST /api/v1/admin/nav-snapshots
// This is the manual path for recording a valuation; normally an external
// job writes snapshots straight into the store.
func (s *Service) CreateNavSnapshot(w http.ResponseWriter, r *http.Request) {
	var req NavSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TotalNAV.IsNegative() {
		writeError(w, "total_nav must not be negative", http.StatusBadRequest)
		return
	}
	if req.TotalShares.Valid && req.TotalShares.Decimal.IsNegative() {
		writeError(w, "total_shares must not be negative", http.StatusBadRequest)
		return
	}
	if req.SharePrice.Valid && req.SharePrice.Decimal.IsNegative() {
		writeError(w, "share_price must not be negative", http.StatusBadRequest)
		return
	}

	snap := &model.NavSnapshot{
		ID:          uuid.New().String(),
		TotalNAV:    req.TotalNAV,
		TotalShares: req.TotalShares,
		SharePrice:  req.SharePrice,
		CreatedAt:   s.now(),
	}
	if req.CreatedAt != nil {
		snap.CreatedAt = req.CreatedAt.UTC()
	}
	if err := s.store.InsertNavSnapshot(r.Context(), snap); err != nil {
		writeStoreError(w, err)
		return
	}

	slog.Info("nav snapshot recorded", "id", snap.ID, "total_nav", snap.TotalNAV.String())
	if s.hub != nil {
		s.hub.Publish(settlement.Event{Type: "nav_snapshot", SharePrice: snapshotPrice(*snap)})
	}
	writeJSON(w, http.StatusCreated, snap)
}

func snapshotPrice(snap model.NavSnapshot) string {
	q, err := pricing.Resolve(snap, decimal.Zero)
	if err != nil {
		return ""
	}
	return q.Price.String()
}

// AccountsResponse is the body of GET /admin/accounts.
// DepositHeadroom is how much more principal the next deposit batch could
// admit at the latest NAV; it is absent before the first snapshot.
type AccountsResponse struct {
	Accounts        []model.InvestorAccount `json:"accounts"`
	Totals          model.AccountTotals     `json:"totals"`
	DepositHeadroom *decimal.Decimal        `json:"deposit_headroom,omitempty"`
}

// ListAccounts handles GET /api/v1/admin/accounts
func (s *Service) ListAccounts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accts, err := s.store.ListAccounts(ctx)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if accts == nil {
		accts = []model.InvestorAccount{}
	}
	totals, err := s.store.AccountTotals(ctx)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	resp := AccountsResponse{Accounts: accts, Totals: totals}
	snap, err := s.store.LatestNavSnapshot(ctx)
	switch {
	case err == nil:
		room := guard.NewPrincipalCap(snap.TotalNAV, totals.Principal, decimal.Zero).Headroom()
		resp.DepositHeadroom = &room
	case !errors.Is(err, store.ErrNotFound):
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
