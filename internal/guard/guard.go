// Package guard implements the admission checks applied to each request in
// a settlement batch: the principal-vs-NAV cap and forward pricing.
package guard

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrPrincipalExceedsNav is returned when admitting a deposit would push
	// aggregate investor principal above the latest NAV.
	ErrPrincipalExceedsNav = errors.New("guard: principal would exceed NAV")

	// ErrForwardPricingViolation is returned when a request is newer than the
	// NAV snapshot that would price it.
	ErrForwardPricingViolation = errors.New("guard: nav snapshot is older than request")

	// DefaultEpsilon is the tolerance used for NAV and share comparisons.
	DefaultEpsilon = decimal.New(1, -6)
)

// PrincipalCap tracks the running principal total of a settlement batch
// against the NAV it was priced at.
//
// Committed starts at the sum of principal across all accounts and is
// advanced after each successful deposit, so later requests in the batch
// see the effect of earlier ones. Requests must be checked in creation
// order for the outcome to be deterministic.
type PrincipalCap struct {
	// NAV is the total_nav of the snapshot used for the batch.
	NAV decimal.Decimal

	// Epsilon is the tolerance above NAV still accepted.
	Epsilon decimal.Decimal

	// Committed is the principal already held, including this batch.
	Committed decimal.Decimal
}

// NewPrincipalCap creates a cap for a batch. A non-positive epsilon selects
// DefaultEpsilon.
func NewPrincipalCap(nav, committed, epsilon decimal.Decimal) *PrincipalCap {
	if !epsilon.IsPositive() {
		epsilon = DefaultEpsilon
	}
	return &PrincipalCap{
		NAV:       nav,
		Epsilon:   epsilon,
		Committed: committed,
	}
}

// Check reports whether amount fits under the cap without committing it.
func (c *PrincipalCap) Check(amount decimal.Decimal) error {
	if c.Committed.Add(amount).GreaterThan(c.NAV.Add(c.Epsilon)) {
		return ErrPrincipalExceedsNav
	}
	return nil
}

// Commit records amount as settled.
func (c *PrincipalCap) Commit(amount decimal.Decimal) {
	c.Committed = c.Committed.Add(amount)
}

// Headroom returns how much principal can still be admitted, floored at zero.
func (c *PrincipalCap) Headroom() decimal.Decimal {
	room := c.NAV.Sub(c.Committed)
	if room.IsNegative() {
		return decimal.Zero
	}
	return room
}

// CheckForwardPricing enforces that a request is priced with NAV information
// at least as new as the request itself.
func CheckForwardPricing(snapshotAt, requestAt time.Time) error {
	if snapshotAt.Before(requestAt) {
		return ErrForwardPricingViolation
	}
	return nil
}

// CoversBurn reports whether held shares cover burn within epsilon.
func CoversBurn(held, burn, epsilon decimal.Decimal) bool {
	if !epsilon.IsPositive() {
		epsilon = DefaultEpsilon
	}
	return held.GreaterThanOrEqual(burn.Sub(epsilon))
}
