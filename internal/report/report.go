// Package report builds the public fund overview from already-loaded data.
// It does no I/O, so the handler can load inputs concurrently and tests can
// feed fixtures directly.
package report

import (
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"github.com/moneyflow888/moneyflow-web/internal/model"
	"github.com/moneyflow888/moneyflow-web/internal/period"
	"github.com/moneyflow888/moneyflow-web/internal/pricing"
)

// Inputs is everything the overview needs.
type Inputs struct {
	Now      time.Time
	Currency string

	// History holds NAV snapshots newest first; History[0] is the latest.
	// It should reach back past the start of the current month so the
	// period baselines can be found.
	History      []model.NavSnapshot
	HistoryLimit int

	Totals                model.AccountTotals
	PrincipalAdjustments  []model.PrincipalAdjustment
	WeekToDateAdjustments []model.WtdAdjustment
}

// Point is one entry of the NAV series.
type Point struct {
	At         time.Time        `json:"at"`
	NAV        decimal.Decimal  `json:"nav"`
	SharePrice *decimal.Decimal `json:"share_price,omitempty"`
}

// PeriodPnL is profit and loss since the start of a period, net of
// principal flows booked in that period.
type PeriodPnL struct {
	Key         string          `json:"key"`
	BaselineNAV decimal.Decimal `json:"baseline_nav"`
	BaselineAt  time.Time       `json:"baseline_at"`
	Flows       decimal.Decimal `json:"flows"`
	PnL         decimal.Decimal `json:"pnl"`
}

// Overview is the public fund summary.
type Overview struct {
	Currency        string           `json:"currency"`
	NAV             *decimal.Decimal `json:"nav"`
	NAVDisplay      string           `json:"nav_display,omitempty"`
	NAVAt           *time.Time       `json:"nav_at"`
	SharePrice      *decimal.Decimal `json:"share_price"`
	PriceSource     string           `json:"price_source"`
	TotalShares     decimal.Decimal  `json:"total_shares"`
	TotalPrincipal  decimal.Decimal  `json:"total_principal"`
	PendingWithdraw decimal.Decimal  `json:"pending_withdraw"`
	Investors       int              `json:"investors"`
	LifetimePnL     *decimal.Decimal `json:"lifetime_pnl"`
	MonthToDate     *PeriodPnL       `json:"mtd"`
	WeekToDate      *PeriodPnL       `json:"wtd"`
	History         []Point          `json:"history"`
}

// Build computes the overview. A missing snapshot or an unresolvable price
// leaves the related fields empty; it never fails.
func Build(in Inputs) Overview {
	now := in.Now.UTC()
	ov := Overview{
		Currency:        in.Currency,
		TotalShares:     in.Totals.Shares,
		TotalPrincipal:  in.Totals.Principal,
		PendingWithdraw: in.Totals.PendingWithdraw,
		Investors:       in.Totals.Investors,
		History:         series(in.History, in.HistoryLimit),
	}
	if len(in.History) == 0 {
		return ov
	}

	latest := in.History[0]
	nav := latest.TotalNAV
	at := latest.CreatedAt
	ov.NAV = &nav
	ov.NAVAt = &at
	ov.NAVDisplay = FormatMoney(nav, in.Currency)

	if q, err := pricing.Resolve(latest, in.Totals.Shares); err == nil {
		ov.SharePrice = &q.Price
		ov.PriceSource = q.Source
	}

	lifetime := nav.Sub(in.Totals.Principal)
	ov.LifetimePnL = &lifetime

	monthKey := period.MonthOf(now)
	var monthFlows decimal.Decimal
	for _, a := range in.PrincipalAdjustments {
		if a.Month == monthKey {
			monthFlows = monthFlows.Add(a.Delta)
		}
	}
	ov.MonthToDate = periodPnL(in.History, monthKey, period.MonthStart(now), monthFlows)

	weekKey := period.WeekOf(now)
	weekStart := period.WeekStart(now)
	var weekFlows decimal.Decimal
	for _, a := range in.PrincipalAdjustments {
		if !a.CreatedAt.Before(weekStart) {
			weekFlows = weekFlows.Add(a.Delta)
		}
	}
	for _, a := range in.WeekToDateAdjustments {
		if a.Week == weekKey {
			weekFlows = weekFlows.Add(a.Delta)
		}
	}
	ov.WeekToDate = periodPnL(in.History, weekKey, weekStart, weekFlows)

	return ov
}

// periodPnL returns nil when no snapshot can serve as baseline.
func periodPnL(history []model.NavSnapshot, key string, start time.Time, flows decimal.Decimal) *PeriodPnL {
	base, ok := Baseline(history, start)
	if !ok {
		return nil
	}
	return &PeriodPnL{
		Key:         key,
		BaselineNAV: base.TotalNAV,
		BaselineAt:  base.CreatedAt,
		Flows:       flows,
		PnL:         history[0].TotalNAV.Sub(base.TotalNAV).Sub(flows),
	}
}

// Baseline picks the latest snapshot strictly before start, or failing that
// the earliest snapshot at or after start. history is newest first.
func Baseline(history []model.NavSnapshot, start time.Time) (model.NavSnapshot, bool) {
	for _, s := range history {
		if s.CreatedAt.Before(start) {
			return s, true
		}
	}
	if len(history) == 0 {
		return model.NavSnapshot{}, false
	}
	return history[len(history)-1], true
}

func series(history []model.NavSnapshot, limit int) []Point {
	if limit > 0 && len(history) > limit {
		history = history[:limit]
	}
	out := make([]Point, 0, len(history))
	// Oldest first for charting.
	for i := len(history) - 1; i >= 0; i-- {
		s := history[i]
		p := Point{At: s.CreatedAt, NAV: s.TotalNAV}
		if q, err := pricing.Resolve(s, decimal.Zero); err == nil {
			price := q.Price
			p.SharePrice = &price
		}
		out = append(out, p)
	}
	return out
}

// FormatMoney renders amount in the currency's display format, e.g.
// "$1,234.56". Unknown currencies fall back to the plain decimal string.
func FormatMoney(amount decimal.Decimal, currency string) string {
	cur := money.GetCurrency(currency)
	if cur == nil {
		return amount.StringFixed(2)
	}
	minor := amount.Shift(int32(cur.Fraction)).Round(0)
	return cur.Formatter().Format(minor.IntPart())
}
