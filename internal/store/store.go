// Package store defines the persistence interface for the fund backend.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/moneyflow888/moneyflow-web/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrNotPending is returned when a settlement targets a request that is
	// no longer PENDING (already settled or cancelled).
	ErrNotPending = errors.New("store: request is not pending")

	// ErrInsufficientShares is returned when a withdrawal would burn more
	// shares than the account holds.
	ErrInsufficientShares = errors.New("store: insufficient shares")
)

// DepositSettlement carries everything written when one deposit is minted.
// Implementations apply it atomically.
type DepositSettlement struct {
	DepositID    string
	UserID       string
	Email        string // empty keeps the stored email
	Amount       decimal.Decimal
	SharePrice   decimal.Decimal
	MintedShares decimal.Decimal
	ExecutedAt   time.Time

	// Adjustment is appended to the principal ledger in the same unit of work.
	Adjustment model.PrincipalAdjustment
}

// WithdrawSettlement carries everything written when one withdrawal is burned.
type WithdrawSettlement struct {
	WithdrawID   string
	UserID       string
	Amount       decimal.Decimal
	SharePrice   decimal.Decimal
	BurnedShares decimal.Decimal
	ExecutedAt   time.Time
	Epsilon      decimal.Decimal
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- NAV snapshots ---

	// LatestNavSnapshot returns the newest snapshot by created_at, or ErrNotFound.
	LatestNavSnapshot(ctx context.Context) (*model.NavSnapshot, error)

	// ListNavSnapshots returns up to limit snapshots, newest first.
	ListNavSnapshots(ctx context.Context, limit int) ([]model.NavSnapshot, error)

	// InsertNavSnapshot appends an immutable snapshot.
	InsertNavSnapshot(ctx context.Context, snap *model.NavSnapshot) error

	// --- Investor accounts ---

	// GetAccount returns one investor account, or ErrNotFound.
	GetAccount(ctx context.Context, userID string) (*model.InvestorAccount, error)

	// ListAccounts returns all investor accounts.
	ListAccounts(ctx context.Context) ([]model.InvestorAccount, error)

	// AccountTotals sums shares, principal and pending withdrawals.
	AccountTotals(ctx context.Context) (model.AccountTotals, error)

	// --- Deposit requests ---

	// CreateDeposit persists a new PENDING deposit request.
	CreateDeposit(ctx context.Context, req *model.DepositRequest) error

	// ListPendingDeposits returns PENDING deposits, oldest first.
	ListPendingDeposits(ctx context.Context) ([]model.DepositRequest, error)

	// ListDepositsByUser returns a user's deposits, newest first.
	ListDepositsByUser(ctx context.Context, userID string) ([]model.DepositRequest, error)

	// CancelDeposit cancels the user's deposit if it is still PENDING. It
	// reports whether a row changed.
	CancelDeposit(ctx context.Context, id, userID string) (bool, error)

	// SettleDeposit credits the account, marks the deposit MINTED and appends
	// the principal adjustment as one unit of work. Returns the updated account.
	SettleDeposit(ctx context.Context, s DepositSettlement) (*model.InvestorAccount, error)

	// --- Withdrawal requests ---

	// CreateWithdraw persists a new PENDING withdrawal and adds its amount to
	// the account's pending_withdraw.
	CreateWithdraw(ctx context.Context, req *model.WithdrawRequest) error

	// ListPendingWithdrawals returns PENDING withdrawals, oldest first.
	ListPendingWithdrawals(ctx context.Context) ([]model.WithdrawRequest, error)

	// ListWithdrawQueue returns PENDING and UNPAID withdrawals, oldest first.
	ListWithdrawQueue(ctx context.Context) ([]model.WithdrawRequest, error)

	// ListWithdrawalsByUser returns a user's withdrawals, newest first.
	ListWithdrawalsByUser(ctx context.Context, userID string) ([]model.WithdrawRequest, error)

	// CancelWithdraw cancels the user's withdrawal if it is still PENDING and
	// releases its pending_withdraw reservation.
	CancelWithdraw(ctx context.Context, id, userID string) (bool, error)

	// SettleWithdraw burns shares, releases pending_withdraw and marks the
	// withdrawal UNPAID as one unit of work.
	SettleWithdraw(ctx context.Context, s WithdrawSettlement) (*model.InvestorAccount, error)

	// MarkWithdrawPaid moves an UNPAID withdrawal to PAID.
	MarkWithdrawPaid(ctx context.Context, id string, paidAt time.Time) (bool, error)

	// --- P&L adjustment ledgers ---

	ListPrincipalAdjustments(ctx context.Context) ([]model.PrincipalAdjustment, error)
	InsertPrincipalAdjustment(ctx context.Context, adj *model.PrincipalAdjustment) error
	ListWtdAdjustments(ctx context.Context) ([]model.WtdAdjustment, error)
	InsertWtdAdjustment(ctx context.Context, adj *model.WtdAdjustment) error

	// --- Coordination ---

	// LockSettlement blocks until the caller holds the settlement lock or ctx
	// is done. The returned func releases it.
	LockSettlement(ctx context.Context) (func(), error)
}

// floorZero clamps negative values to zero.
func floorZero(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
