// Package model defines the core domain types shared across the fund backend.
// All monetary values and share counts use shopspring/decimal; never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Deposit request statuses.
const (
	DepositPending   = "PENDING"
	DepositMinted    = "MINTED"
	DepositCancelled = "CANCELLED"
)

// Withdrawal request statuses. UNPAID means shares were burned but cash
// has not been sent yet.
const (
	WithdrawPending   = "PENDING"
	WithdrawUnpaid    = "UNPAID"
	WithdrawPaid      = "PAID"
	WithdrawCancelled = "CANCELLED"
)

// NavSnapshot is an immutable point-in-time valuation of the fund, written
// by the snapshot job. The newest row by CreatedAt is authoritative.
type NavSnapshot struct {
	ID          string              `json:"id" db:"id"`
	TotalNAV    decimal.Decimal     `json:"total_nav" db:"total_nav"`
	TotalShares decimal.NullDecimal `json:"total_shares" db:"total_shares"` // optional
	SharePrice  decimal.NullDecimal `json:"share_price" db:"share_price"`   // optional
	CreatedAt   time.Time           `json:"created_at" db:"created_at"`
}

// InvestorAccount is the per-investor accounting row.
type InvestorAccount struct {
	UserID          string          `json:"user_id" db:"user_id"`
	Email           string          `json:"email,omitempty" db:"email"`
	Principal       decimal.Decimal `json:"principal" db:"principal"` // cumulative net deposited
	Shares          decimal.Decimal `json:"shares" db:"shares"`
	PendingWithdraw decimal.Decimal `json:"pending_withdraw" db:"pending_withdraw"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// AccountTotals aggregates all investor accounts.
type AccountTotals struct {
	Investors       int             `json:"investors"`
	Shares          decimal.Decimal `json:"shares"`
	Principal       decimal.Decimal `json:"principal"`
	PendingWithdraw decimal.Decimal `json:"pending_withdraw"`
}

// DepositRequest moves PENDING → MINTED on settlement or PENDING → CANCELLED
// on investor cancellation.
type DepositRequest struct {
	ID             string              `json:"id" db:"id"`
	UserID         string              `json:"user_id" db:"user_id"`
	Email          string              `json:"email,omitempty" db:"email"` // investor identity at request time
	Amount         decimal.Decimal     `json:"amount" db:"amount"`
	Status         string              `json:"status" db:"status"`
	SharePriceUsed decimal.NullDecimal `json:"share_price_used" db:"share_price_used"`
	MintedShares   decimal.NullDecimal `json:"minted_shares" db:"minted_shares"`
	CreatedAt      time.Time           `json:"created_at" db:"created_at"`
	ExecutedAt     *time.Time          `json:"executed_at,omitempty" db:"executed_at"`
}

// WithdrawRequest moves PENDING → UNPAID on settlement, UNPAID → PAID once
// cash is sent, or PENDING → CANCELLED.
type WithdrawRequest struct {
	ID             string              `json:"id" db:"id"`
	UserID         string              `json:"user_id" db:"user_id"`
	Amount         decimal.Decimal     `json:"amount" db:"amount"`
	Status         string              `json:"status" db:"status"`
	SharePriceUsed decimal.NullDecimal `json:"share_price_used" db:"share_price_used"`
	BurnedShares   decimal.NullDecimal `json:"burned_shares" db:"burned_shares"`
	CreatedAt      time.Time           `json:"created_at" db:"created_at"`
	ExecutedAt     *time.Time          `json:"executed_at,omitempty" db:"executed_at"`
	PaidAt         *time.Time          `json:"paid_at,omitempty" db:"paid_at"`
}

// PrincipalAdjustment is a side-ledger entry used only for P&L display.
// Deposit settlement writes one per minted deposit so new capital is not
// reported as performance.
type PrincipalAdjustment struct {
	ID        string          `json:"id" db:"id"`
	Month     string          `json:"month" db:"month"` // YYYY-MM
	Delta     decimal.Decimal `json:"delta" db:"delta"`
	Note      string          `json:"note" db:"note"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// WtdAdjustment is the week-to-date counterpart of PrincipalAdjustment.
type WtdAdjustment struct {
	ID        string          `json:"id" db:"id"`
	Week      string          `json:"week" db:"week"` // Monday, YYYY-MM-DD
	Delta     decimal.Decimal `json:"delta" db:"delta"`
	Note      string          `json:"note" db:"note"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
