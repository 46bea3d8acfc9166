package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/moneyflow888/moneyflow-web/internal/guard"
	"github.com/moneyflow888/moneyflow-web/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots []model.NavSnapshot
	accounts  map[string]*model.InvestorAccount
	deposits  map[string]*model.DepositRequest
	withdraws map[string]*model.WithdrawRequest
	principal []model.PrincipalAdjustment
	wtd       []model.WtdAdjustment

	// settleSem is a single-slot semaphore so LockSettlement can honour ctx.
	settleSem chan struct{}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*model.InvestorAccount),
		deposits:  make(map[string]*model.DepositRequest),
		withdraws: make(map[string]*model.WithdrawRequest),
		settleSem: make(chan struct{}, 1),
	}
}

// PutAccount seeds or replaces an account. Test and development helper.
func (s *MemoryStore) PutAccount(acct model.InvestorAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acct.UserID] = &acct
}

// GetDeposit returns a copy of one deposit request.
func (s *MemoryStore) GetDeposit(id string) (*model.DepositRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deposits[id]
	if !ok {
		return nil, fmt.Errorf("deposit %s: %w", id, ErrNotFound)
	}
	copy := *d
	return &copy, nil
}

// GetWithdraw returns a copy of one withdrawal request.
func (s *MemoryStore) GetWithdraw(id string) (*model.WithdrawRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.withdraws[id]
	if !ok {
		return nil, fmt.Errorf("withdrawal %s: %w", id, ErrNotFound)
	}
	copy := *w
	return &copy, nil
}

// --- NAV snapshots ---

func (s *MemoryStore) LatestNavSnapshot(_ context.Context) (*model.NavSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.snapshots) == 0 {
		return nil, fmt.Errorf("latest nav snapshot: %w", ErrNotFound)
	}
	latest := s.snapshots[0]
	for _, snap := range s.snapshots[1:] {
		if snap.CreatedAt.After(latest.CreatedAt) {
			latest = snap
		}
	}
	return &latest, nil
}

func (s *MemoryStore) ListNavSnapshots(_ context.Context, limit int) ([]model.NavSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.NavSnapshot, len(s.snapshots))
	copy(out, s.snapshots)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) InsertNavSnapshot(_ context.Context, snap *model.NavSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.snapshots {
		if existing.ID == snap.ID {
			return fmt.Errorf("nav snapshot %s already exists", snap.ID)
		}
	}
	s.snapshots = append(s.snapshots, *snap)
	return nil
}

// --- Investor accounts ---

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.InvestorAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]model.InvestorAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]model.InvestorAccount, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, *a)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].UserID < accounts[j].UserID })
	return accounts, nil
}

func (s *MemoryStore) AccountTotals(_ context.Context) (model.AccountTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var totals model.AccountTotals
	for _, a := range s.accounts {
		totals.Investors++
		totals.Shares = totals.Shares.Add(a.Shares)
		totals.Principal = totals.Principal.Add(a.Principal)
		totals.PendingWithdraw = totals.PendingWithdraw.Add(a.PendingWithdraw)
	}
	return totals, nil
}

// --- Deposit requests ---

func (s *MemoryStore) CreateDeposit(_ context.Context, req *model.DepositRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.deposits[req.ID]; exists {
		return fmt.Errorf("deposit %s already exists", req.ID)
	}
	copy := *req
	s.deposits[req.ID] = &copy
	return nil
}

func (s *MemoryStore) ListPendingDeposits(_ context.Context) ([]model.DepositRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.DepositRequest
	for _, d := range s.deposits {
		if d.Status == model.DepositPending {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return depositBefore(out[i], out[j]) })
	return out, nil
}

func (s *MemoryStore) ListDepositsByUser(_ context.Context, userID string) ([]model.DepositRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.DepositRequest
	for _, d := range s.deposits {
		if d.UserID == userID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return depositBefore(out[j], out[i]) })
	return out, nil
}

func (s *MemoryStore) CancelDeposit(_ context.Context, id, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deposits[id]
	if !ok || d.UserID != userID {
		return false, fmt.Errorf("deposit %s: %w", id, ErrNotFound)
	}
	if d.Status != model.DepositPending {
		return false, nil
	}
	d.Status = model.DepositCancelled
	return true, nil
}

// SettleDeposit validates every precondition before mutating anything, so
// a failure leaves no partial write behind.
func (s *MemoryStore) SettleDeposit(_ context.Context, st DepositSettlement) (*model.InvestorAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deposits[st.DepositID]
	if !ok {
		return nil, fmt.Errorf("deposit %s: %w", st.DepositID, ErrNotFound)
	}
	if d.Status != model.DepositPending {
		return nil, fmt.Errorf("deposit %s: %w", st.DepositID, ErrNotPending)
	}

	acct, ok := s.accounts[st.UserID]
	if !ok {
		acct = &model.InvestorAccount{UserID: st.UserID}
		s.accounts[st.UserID] = acct
	}
	if st.Email != "" {
		acct.Email = st.Email
	}
	acct.Shares = acct.Shares.Add(st.MintedShares)
	acct.Principal = acct.Principal.Add(st.Amount)
	acct.UpdatedAt = st.ExecutedAt

	executedAt := st.ExecutedAt
	d.Status = model.DepositMinted
	d.ExecutedAt = &executedAt
	d.SharePriceUsed = decimal.NewNullDecimal(st.SharePrice)
	d.MintedShares = decimal.NewNullDecimal(st.MintedShares)

	s.principal = append(s.principal, st.Adjustment)

	copy := *acct
	return &copy, nil
}

// --- Withdrawal requests ---

func (s *MemoryStore) CreateWithdraw(_ context.Context, req *model.WithdrawRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.withdraws[req.ID]; exists {
		return fmt.Errorf("withdrawal %s already exists", req.ID)
	}
	acct, ok := s.accounts[req.UserID]
	if !ok {
		return fmt.Errorf("account %s: %w", req.UserID, ErrNotFound)
	}
	acct.PendingWithdraw = acct.PendingWithdraw.Add(req.Amount)
	acct.UpdatedAt = req.CreatedAt

	copy := *req
	s.withdraws[req.ID] = &copy
	return nil
}

func (s *MemoryStore) ListPendingWithdrawals(_ context.Context) ([]model.WithdrawRequest, error) {
	return s.filterWithdrawals(func(w *model.WithdrawRequest) bool {
		return w.Status == model.WithdrawPending
	}, false), nil
}

func (s *MemoryStore) ListWithdrawQueue(_ context.Context) ([]model.WithdrawRequest, error) {
	return s.filterWithdrawals(func(w *model.WithdrawRequest) bool {
		return w.Status == model.WithdrawPending || w.Status == model.WithdrawUnpaid
	}, false), nil
}

func (s *MemoryStore) ListWithdrawalsByUser(_ context.Context, userID string) ([]model.WithdrawRequest, error) {
	return s.filterWithdrawals(func(w *model.WithdrawRequest) bool {
		return w.UserID == userID
	}, true), nil
}

func (s *MemoryStore) filterWithdrawals(keep func(*model.WithdrawRequest) bool, newestFirst bool) []model.WithdrawRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.WithdrawRequest
	for _, w := range s.withdraws {
		if keep(w) {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return withdrawBefore(out[j], out[i])
		}
		return withdrawBefore(out[i], out[j])
	})
	return out
}

func (s *MemoryStore) CancelWithdraw(_ context.Context, id, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.withdraws[id]
	if !ok || w.UserID != userID {
		return false, fmt.Errorf("withdrawal %s: %w", id, ErrNotFound)
	}
	if w.Status != model.WithdrawPending {
		return false, nil
	}
	w.Status = model.WithdrawCancelled
	if acct, ok := s.accounts[w.UserID]; ok {
		acct.PendingWithdraw = floorZero(acct.PendingWithdraw.Sub(w.Amount))
	}
	return true, nil
}

func (s *MemoryStore) SettleWithdraw(_ context.Context, st WithdrawSettlement) (*model.InvestorAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.withdraws[st.WithdrawID]
	if !ok {
		return nil, fmt.Errorf("withdrawal %s: %w", st.WithdrawID, ErrNotFound)
	}
	if w.Status != model.WithdrawPending {
		return nil, fmt.Errorf("withdrawal %s: %w", st.WithdrawID, ErrNotPending)
	}
	acct, ok := s.accounts[st.UserID]
	if !ok || !guard.CoversBurn(acct.Shares, st.BurnedShares, st.Epsilon) {
		return nil, fmt.Errorf("withdrawal %s: %w", st.WithdrawID, ErrInsufficientShares)
	}

	acct.Shares = floorZero(acct.Shares.Sub(st.BurnedShares))
	acct.PendingWithdraw = floorZero(acct.PendingWithdraw.Sub(st.Amount))
	acct.UpdatedAt = st.ExecutedAt

	executedAt := st.ExecutedAt
	w.Status = model.WithdrawUnpaid
	w.ExecutedAt = &executedAt
	w.SharePriceUsed = decimal.NewNullDecimal(st.SharePrice)
	w.BurnedShares = decimal.NewNullDecimal(st.BurnedShares)

	copy := *acct
	return &copy, nil
}

func (s *MemoryStore) MarkWithdrawPaid(_ context.Context, id string, paidAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.withdraws[id]
	if !ok {
		return false, fmt.Errorf("withdrawal %s: %w", id, ErrNotFound)
	}
	if w.Status != model.WithdrawUnpaid {
		return false, nil
	}
	w.Status = model.WithdrawPaid
	w.PaidAt = &paidAt
	return true, nil
}

// --- P&L adjustment ledgers ---

func (s *MemoryStore) ListPrincipalAdjustments(_ context.Context) ([]model.PrincipalAdjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.PrincipalAdjustment, len(s.principal))
	copy(out, s.principal)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) InsertPrincipalAdjustment(_ context.Context, adj *model.PrincipalAdjustment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principal = append(s.principal, *adj)
	return nil
}

func (s *MemoryStore) ListWtdAdjustments(_ context.Context) ([]model.WtdAdjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.WtdAdjustment, len(s.wtd))
	copy(out, s.wtd)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) InsertWtdAdjustment(_ context.Context, adj *model.WtdAdjustment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wtd = append(s.wtd, *adj)
	return nil
}

// --- Coordination ---

func (s *MemoryStore) LockSettlement(ctx context.Context) (func(), error) {
	select {
	case s.settleSem <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-s.settleSem }) }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire settlement lock: %w", ctx.Err())
	}
}

// depositBefore orders by created_at, then id for a stable tie-break.
func depositBefore(a, b model.DepositRequest) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func withdrawBefore(a, b model.WithdrawRequest) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
