package guard

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheck_WithinCap(t *testing.T) {
	pc := NewPrincipalCap(d(1000), decimal.Zero, decimal.Zero)

	if err := pc.Check(d(600)); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if !pc.Committed.IsZero() {
		t.Errorf("Check must not commit, committed=%s", pc.Committed)
	}
}

func TestCheck_ExactlyAtCap(t *testing.T) {
	pc := NewPrincipalCap(d(1000), d(400), decimal.Zero)

	if err := pc.Check(d(600)); err != nil {
		t.Errorf("principal equal to NAV should be allowed, got %v", err)
	}
}

func TestCheck_WithinEpsilon(t *testing.T) {
	pc := NewPrincipalCap(d(1000), decimal.Zero, decimal.Zero)

	if err := pc.Check(d(1000.0000005)); err != nil {
		t.Errorf("overshoot below epsilon should be allowed, got %v", err)
	}
	if err := pc.Check(d(1000.00001)); err != ErrPrincipalExceedsNav {
		t.Errorf("expected ErrPrincipalExceedsNav, got %v", err)
	}
}

func TestCommit_LaterRequestsSeeEarlierOnes(t *testing.T) {
	pc := NewPrincipalCap(d(1000), decimal.Zero, decimal.Zero)

	// Two deposits of 600: each fits alone, together they do not.
	if err := pc.Check(d(600)); err != nil {
		t.Fatalf("first deposit should fit: %v", err)
	}
	pc.Commit(d(600))

	if err := pc.Check(d(600)); err != ErrPrincipalExceedsNav {
		t.Errorf("expected ErrPrincipalExceedsNav for second deposit, got %v", err)
	}
	// A smaller one still fits in the remaining headroom.
	if err := pc.Check(d(400)); err != nil {
		t.Errorf("expected 400 to fit, got %v", err)
	}
	if !pc.Headroom().Equal(d(400)) {
		t.Errorf("expected headroom 400, got %s", pc.Headroom())
	}
}

func TestHeadroom_FlooredAtZero(t *testing.T) {
	pc := NewPrincipalCap(d(100), d(150), decimal.Zero)
	if !pc.Headroom().IsZero() {
		t.Errorf("expected zero headroom, got %s", pc.Headroom())
	}
}

func TestCheckForwardPricing(t *testing.T) {
	snapAt := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

	if err := CheckForwardPricing(snapAt, snapAt.Add(-time.Hour)); err != nil {
		t.Errorf("older request should pass, got %v", err)
	}
	if err := CheckForwardPricing(snapAt, snapAt); err != nil {
		t.Errorf("request at snapshot time should pass, got %v", err)
	}
	if err := CheckForwardPricing(snapAt, snapAt.Add(time.Second)); err != ErrForwardPricingViolation {
		t.Errorf("expected ErrForwardPricingViolation, got %v", err)
	}
}

func TestCoversBurn(t *testing.T) {
	if CoversBurn(d(3), d(5), decimal.Zero) {
		t.Error("3 shares must not cover a burn of 5")
	}
	if !CoversBurn(d(5), d(5), decimal.Zero) {
		t.Error("5 shares must cover a burn of 5")
	}
	if !CoversBurn(d(4.9999995), d(5), decimal.Zero) {
		t.Error("shortfall below epsilon should be covered")
	}
}
