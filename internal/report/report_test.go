package report

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moneyflow888/moneyflow-web/internal/model"
	"github.com/moneyflow888/moneyflow-web/internal/pricing"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(m time.Month, d int) time.Time {
	return time.Date(2026, m, d, 16, 0, 0, 0, time.UTC)
}

// now is Friday 2026-10-16; the week starts Monday 2026-10-12.
var now = day(time.October, 16)

func fixture() Inputs {
	return Inputs{
		Now:      now,
		Currency: "USD",
		History: []model.NavSnapshot{
			{ID: "s4", TotalNAV: dec("1300"), CreatedAt: day(time.October, 15)},
			{ID: "s3", TotalNAV: dec("1250"), CreatedAt: day(time.October, 13)},
			{ID: "s2", TotalNAV: dec("1200"), CreatedAt: day(time.October, 9)},
			{ID: "s1", TotalNAV: dec("1000"), CreatedAt: day(time.September, 30)},
		},
		Totals: model.AccountTotals{
			Investors: 3,
			Shares:    dec("100"),
			Principal: dec("1150"),
		},
		PrincipalAdjustments: []model.PrincipalAdjustment{
			{Month: "2026-09", Delta: dec("1000"), CreatedAt: day(time.September, 2)},
			{Month: "2026-10", Delta: dec("100"), CreatedAt: day(time.October, 5)},
			{Month: "2026-10", Delta: dec("50"), CreatedAt: day(time.October, 14)},
		},
		WeekToDateAdjustments: []model.WtdAdjustment{
			{Week: "2026-10-12", Delta: dec("20")},
			{Week: "2026-10-05", Delta: dec("999")},
		},
	}
}

func TestBuild_Overview(t *testing.T) {
	ov := Build(fixture())

	require.NotNil(t, ov.NAV)
	assert.True(t, ov.NAV.Equal(dec("1300")))
	assert.Equal(t, "$1,300.00", ov.NAVDisplay)
	assert.Equal(t, 3, ov.Investors)

	require.NotNil(t, ov.SharePrice)
	assert.True(t, ov.SharePrice.Equal(dec("13")))
	assert.Equal(t, pricing.SourceLiveSum, ov.PriceSource)

	require.NotNil(t, ov.LifetimePnL)
	assert.True(t, ov.LifetimePnL.Equal(dec("150")), "lifetime %s", ov.LifetimePnL)
}

func TestBuild_MonthToDate(t *testing.T) {
	ov := Build(fixture())

	require.NotNil(t, ov.MonthToDate)
	mtd := ov.MonthToDate
	assert.Equal(t, "2026-10", mtd.Key)
	assert.True(t, mtd.BaselineNAV.Equal(dec("1000")), "baseline %s", mtd.BaselineNAV)
	assert.True(t, mtd.Flows.Equal(dec("150")))
	// 1300 - 1000 - 150
	assert.True(t, mtd.PnL.Equal(dec("150")), "mtd pnl %s", mtd.PnL)
}

func TestBuild_WeekToDate(t *testing.T) {
	ov := Build(fixture())

	require.NotNil(t, ov.WeekToDate)
	wtd := ov.WeekToDate
	assert.Equal(t, "2026-10-12", wtd.Key)
	assert.True(t, wtd.BaselineNAV.Equal(dec("1200")))
	// principal booked this week (50) plus this week's manual adjustment (20)
	assert.True(t, wtd.Flows.Equal(dec("70")), "flows %s", wtd.Flows)
	assert.True(t, wtd.PnL.Equal(dec("30")), "wtd pnl %s", wtd.PnL)
}

func TestBuild_HistorySeries(t *testing.T) {
	in := fixture()
	in.HistoryLimit = 2
	ov := Build(in)

	require.Len(t, ov.History, 2)
	assert.Equal(t, day(time.October, 13), ov.History[0].At, "oldest first")
	assert.Equal(t, day(time.October, 15), ov.History[1].At)
	assert.Nil(t, ov.History[1].SharePrice, "no stored price or share count")
}

func TestBuild_NoSnapshots(t *testing.T) {
	ov := Build(Inputs{Now: now, Currency: "USD"})

	assert.Nil(t, ov.NAV)
	assert.Nil(t, ov.SharePrice)
	assert.Empty(t, ov.PriceSource)
	assert.Nil(t, ov.MonthToDate)
	assert.Nil(t, ov.WeekToDate)
	assert.NotNil(t, ov.History)
	assert.Empty(t, ov.History)
}

func TestBuild_PriceUnavailableDoesNotFail(t *testing.T) {
	in := fixture()
	in.Totals.Shares = decimal.Zero

	ov := Build(in)
	assert.NotNil(t, ov.NAV)
	assert.Nil(t, ov.SharePrice)
	assert.Empty(t, ov.PriceSource)
}

func TestBaseline_FallsBackToEarliestInPeriod(t *testing.T) {
	history := []model.NavSnapshot{
		{ID: "b", CreatedAt: day(time.October, 10)},
		{ID: "a", CreatedAt: day(time.October, 3)},
	}
	got, ok := Baseline(history, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, "a", got.ID)

	_, ok = Baseline(nil, now)
	assert.False(t, ok)
}

func TestFormatMoney(t *testing.T) {
	assert.Equal(t, "$1,234.57", FormatMoney(dec("1234.567"), "USD"))
	assert.Equal(t, "¥1,235", FormatMoney(dec("1234.5"), "JPY"))
	assert.Equal(t, "12.50", FormatMoney(dec("12.5"), "NOPE"))
}
