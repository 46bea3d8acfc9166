package pricing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/moneyflow888/moneyflow-web/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func nd(f float64) decimal.NullDecimal {
	return decimal.NewNullDecimal(d(f))
}

func snapshot(nav float64) model.NavSnapshot {
	return model.NavSnapshot{ID: "snap", TotalNAV: d(nav), CreatedAt: time.Now().UTC()}
}

func TestResolve_UsesStoredPriceVerbatim(t *testing.T) {
	snap := snapshot(1000)
	snap.SharePrice = nd(12.3456789)
	snap.TotalShares = nd(100) // would give 10 if recomputed

	q, err := Resolve(snap, d(50))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.Price.Equal(d(12.3456789)) {
		t.Errorf("expected stored price 12.3456789, got %s", q.Price)
	}
	if q.Source != SourceSnapshotPrice {
		t.Errorf("expected source %q, got %q", SourceSnapshotPrice, q.Source)
	}
}

func TestResolve_NonPositiveStoredPriceFallsThrough(t *testing.T) {
	snap := snapshot(1000)
	snap.SharePrice = nd(0)
	snap.TotalShares = nd(100)

	q, err := Resolve(snap, decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.Price.Equal(d(10)) || q.Source != SourceSnapshotRatio {
		t.Errorf("expected 10 from ratio, got %s (%s)", q.Price, q.Source)
	}
}

func TestResolve_SnapshotRatio(t *testing.T) {
	snap := snapshot(1000)
	snap.TotalShares = nd(100)

	q, err := Resolve(snap, d(1)) // live sum must be ignored
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.Price.Equal(d(10)) {
		t.Errorf("expected 10, got %s", q.Price)
	}
	if q.Source != SourceSnapshotRatio {
		t.Errorf("expected source %q, got %q", SourceSnapshotRatio, q.Source)
	}
}

func TestResolve_RatioRequiresPositiveNAV(t *testing.T) {
	snap := snapshot(0)
	snap.TotalShares = nd(100)

	if _, err := Resolve(snap, decimal.Zero); err != ErrPriceUnavailable {
		t.Errorf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestResolve_LiveSumFallback(t *testing.T) {
	q, err := Resolve(snapshot(500), d(25))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.Price.Equal(d(20)) {
		t.Errorf("expected 20, got %s", q.Price)
	}
	if q.Source != SourceLiveSum {
		t.Errorf("expected source %q, got %q", SourceLiveSum, q.Source)
	}
}

func TestResolve_Unavailable(t *testing.T) {
	tests := []struct {
		name string
		snap model.NavSnapshot
		live decimal.Decimal
	}{
		{"no shares anywhere", snapshot(1000), decimal.Zero},
		{"negative live sum", snapshot(1000), d(-5)},
		{"zero nav with live shares", snapshot(0), d(10)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Resolve(tt.snap, tt.live); err != ErrPriceUnavailable {
				t.Errorf("expected ErrPriceUnavailable, got %v", err)
			}
		})
	}
}

func TestSharesFor_And_ValueOf(t *testing.T) {
	shares := SharesFor(d(200), d(10))
	if !shares.Equal(d(20)) {
		t.Errorf("expected 20 shares, got %s", shares)
	}
	if v := ValueOf(shares, d(10)); !v.Equal(d(200)) {
		t.Errorf("expected value 200, got %s", v)
	}
}
