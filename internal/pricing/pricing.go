// Package pricing resolves the fund's share price from a NAV snapshot.
//
// The price recorded by the snapshot job is preferred over anything derived
// from live account rows: the job captures NAV and share count together,
// before any settlement mutates share balances, so every request settled in
// one batch sees the same price.
//
// All monetary values use shopspring/decimal; never float64 for money.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/moneyflow888/moneyflow-web/internal/model"
)

// Price sources, in resolution order.
const (
	SourceSnapshotPrice = "snapshot.share_price"
	SourceSnapshotRatio = "snapshot.total_nav/total_shares"
	SourceLiveSum       = "fallback live sum"
)

var (
	// ErrPriceUnavailable is returned when no positive share price can be
	// derived from the snapshot or the live share count.
	ErrPriceUnavailable = errors.New("pricing: share price unavailable")
)

// Quote is a resolved share price and where it came from.
type Quote struct {
	Price  decimal.Decimal `json:"share_price"`
	Source string          `json:"price_source"`
}

// Resolve derives one positive share price. liveShares is the current sum of
// shares across all investor accounts and is only consulted when the
// snapshot carries neither a price nor a share count.
func Resolve(snap model.NavSnapshot, liveShares decimal.Decimal) (Quote, error) {
	if snap.SharePrice.Valid && snap.SharePrice.Decimal.IsPositive() {
		return Quote{Price: snap.SharePrice.Decimal, Source: SourceSnapshotPrice}, nil
	}

	if snap.TotalShares.Valid && snap.TotalShares.Decimal.IsPositive() && snap.TotalNAV.IsPositive() {
		return Quote{
			Price:  snap.TotalNAV.Div(snap.TotalShares.Decimal),
			Source: SourceSnapshotRatio,
		}, nil
	}

	if liveShares.IsPositive() {
		price := snap.TotalNAV.Div(liveShares)
		if price.IsPositive() {
			return Quote{Price: price, Source: SourceLiveSum}, nil
		}
	}

	return Quote{}, ErrPriceUnavailable
}

// SharesFor converts a cash amount into shares at price.
func SharesFor(amount, price decimal.Decimal) decimal.Decimal {
	return amount.Div(price)
}

// ValueOf converts shares into cash at price.
func ValueOf(shares, price decimal.Decimal) decimal.Decimal {
	return shares.Mul(price)
}
