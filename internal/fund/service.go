// Package fund provides the HTTP handlers for the fund API: the public
// overview, the admin settlement console and the investor request endpoints.
//
// All monetary values use shopspring/decimal, never float64.
package fund

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/moneyflow888/moneyflow-web/internal/auth"
	"github.com/moneyflow888/moneyflow-web/internal/model"
	"github.com/moneyflow888/moneyflow-web/internal/period"
	"github.com/moneyflow888/moneyflow-web/internal/report"
	"github.com/moneyflow888/moneyflow-web/internal/settlement"
	"github.com/moneyflow888/moneyflow-web/internal/store"
)

// Error codes carried in the JSON error body.
const (
	CodeUnauthorized             = "Unauthorized"
	CodeInvalidInput             = "InvalidInput"
	CodeNotFound                 = "NotFound"
	CodePriceUnavailable         = "PriceUnavailable"
	CodeMissingSnapshotTimestamp = "MissingSnapshotTimestamp"
	CodeBackendFailure           = "BackendFailure"
)

const (
	defaultHistoryLimit = 90
	maxHistoryLimit     = 1000
)

// Options configures a Service.
type Options struct {
	Currency     string
	HistoryLimit int // default points in the overview NAV series
}

// Service serves the fund API. Settlement batches are serialized by the
// store's settlement lock, not by the handlers.
type Service struct {
	store    store.Store
	settler  *settlement.Service
	sessions *auth.Sessions
	hub      *WSHub // optional WebSocket hub for settlement events
	opts     Options
	now      func() time.Time
}

// NewService creates a new fund service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, settler *settlement.Service, sessions *auth.Sessions, hub *WSHub, opts Options) *Service {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.Currency == "" {
		opts.Currency = "USD"
	}
	return &Service{
		store:    st,
		settler:  settler,
		sessions: sessions,
		hub:      hub,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Routes mounts every API route on r, which is expected to sit under
// /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Get("/overview", s.GetOverview)
	r.Get("/principal", s.ListPrincipal)
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Route("/admin", func(r chi.Router) {
		r.Post("/login", s.AdminLogin)
		r.Post("/logout", s.AdminLogout)

		r.Group(func(r chi.Router) {
			r.Use(s.sessions.RequireAdmin)
			r.Get("/me", s.AdminMe)
			r.Post("/execute-deposits", s.ExecuteDeposits)
			r.Post("/execute-withdrawals", s.ExecuteWithdrawals)
			r.Get("/withdraw-queue", s.WithdrawQueue)
			r.Post("/withdrawals/{id}/paid", s.MarkWithdrawPaid)
			r.Get("/wtd-adjustments", s.ListWtdAdjustments)
			r.Post("/wtd-adjustments", s.CreateWtdAdjustment)
			r.Post("/nav-snapshots", s.CreateNavSnapshot)
			r.Get("/accounts", s.ListAccounts)
		})
	})

	r.With(s.sessions.RequireAdmin).Post("/principal", s.CreatePrincipal)

	r.Route("/me", func(r chi.Router) {
		r.Use(auth.RequireInvestor)
		r.Get("/account", s.GetMyAccount)
		r.Get("/deposits", s.ListMyDeposits)
		r.Post("/deposits", s.CreateDeposit)
		r.Post("/deposits/{id}/cancel", s.CancelDeposit)
		r.Get("/withdrawals", s.ListMyWithdrawals)
		r.Post("/withdrawals", s.CreateWithdrawal)
		r.Post("/withdrawals/{id}/cancel", s.CancelWithdrawal)
	})
}

// --- Public handlers ---

// GetOverview handles GET /api/v1/overview
// Loads its inputs concurrently and never fails on an unresolvable price.
func (s *Service) GetOverview(w http.ResponseWriter, r *http.Request) {
	limit := s.opts.HistoryLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	in := report.Inputs{
		Now:          s.now(),
		Currency:     s.opts.Currency,
		HistoryLimit: limit,
	}

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		// Fetch the full window so period baselines are available even
		// when the requested series is short.
		snaps, err := s.store.ListNavSnapshots(ctx, maxHistoryLimit)
		in.History = snaps
		return err
	})
	g.Go(func() error {
		totals, err := s.store.AccountTotals(ctx)
		in.Totals = totals
		return err
	})
	g.Go(func() error {
		adjs, err := s.store.ListPrincipalAdjustments(ctx)
		in.PrincipalAdjustments = adjs
		return err
	})
	g.Go(func() error {
		adjs, err := s.store.ListWtdAdjustments(ctx)
		in.WeekToDateAdjustments = adjs
		return err
	})
	if err := g.Wait(); err != nil {
		slog.Error("overview load failed", "err", err)
		writeErrorCode(w, err.Error(), CodeBackendFailure, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, report.Build(in))
}

// MonthTotal is the net principal change booked in one month.
type MonthTotal struct {
	Month string          `json:"month"`
	Total decimal.Decimal `json:"total"`
}

// PrincipalResponse is the body of GET /api/v1/principal.
type PrincipalResponse struct {
	Adjustments []model.PrincipalAdjustment `json:"adjustments"`
	Months      []MonthTotal                `json:"months"`
}

// ListPrincipal handles GET /api/v1/principal
func (s *Service) ListPrincipal(w http.ResponseWriter, r *http.Request) {
	adjs, err := s.store.ListPrincipalAdjustments(r.Context())
	if err != nil {
		writeErrorCode(w, err.Error(), CodeBackendFailure, http.StatusInternalServerError)
		return
	}
	if adjs == nil {
		adjs = []model.PrincipalAdjustment{}
	}

	byMonth := make(map[string]decimal.Decimal)
	for _, a := range adjs {
		byMonth[a.Month] = byMonth[a.Month].Add(a.Delta)
	}
	months := make([]MonthTotal, 0, len(byMonth))
	for m, total := range byMonth {
		months = append(months, MonthTotal{Month: m, Total: total})
	}
	sort.Slice(months, func(i, j int) bool { return months[i].Month < months[j].Month })

	writeJSON(w, http.StatusOK, PrincipalResponse{Adjustments: adjs, Months: months})
}

// AdjustmentRequest is the body for principal and week-to-date adjustments.
// Month is used by the principal ledger, Week by the week-to-date ledger.
type AdjustmentRequest struct {
	Month string          `json:"month,omitempty"`
	Week  string          `json:"week,omitempty"`
	Delta decimal.Decimal `json:"delta"`
	Note  string          `json:"note"`
}

// CreatePrincipal handles POST /api/v1/principal (admin)
func (s *Service) CreatePrincipal(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Month == "" {
		req.Month = period.MonthOf(s.now())
	}
	if _, err := period.ParseMonth(req.Month); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Delta.IsZero() {
		writeError(w, "delta must be non-zero", http.StatusBadRequest)
		return
	}

	adj := &model.PrincipalAdjustment{
		ID:        uuid.New().String(),
		Month:     req.Month,
		Delta:     req.Delta,
		Note:      req.Note,
		CreatedAt: s.now(),
	}
	if err := s.store.InsertPrincipalAdjustment(r.Context(), adj); err != nil {
		writeErrorCode(w, err.Error(), CodeBackendFailure, http.StatusInternalServerError)
		return
	}

	slog.Info("principal adjustment recorded", "id", adj.ID, "month", adj.Month, "delta", adj.Delta.String())
	writeJSON(w, http.StatusCreated, adj)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response with the code implied by status.
func writeError(w http.ResponseWriter, message string, status int) {
	code := CodeBackendFailure
	switch status {
	case http.StatusBadRequest:
		code = CodeInvalidInput
	case http.StatusUnauthorized:
		code = CodeUnauthorized
	case http.StatusNotFound:
		code = CodeNotFound
	}
	writeErrorCode(w, message, code, status)
}

func writeErrorCode(w http.ResponseWriter, message, code string, status int) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}

// writeStoreError maps store sentinels to HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	writeErrorCode(w, err.Error(), CodeBackendFailure, http.StatusInternalServerError)
}
