// Package commission computes the platform cut of a marketplace sale.
//
// The calculator is a pure function of (unit price, quantity, seller tier):
// no state, no side effects, safe to call for quoting before a purchase is
// confirmed. Rates are tiered percentages with a per-transaction floor and
// ceiling, clamped so commission never exceeds the transaction total.
package commission

import (
	"errors"
	"math/big"

	"github.com/itembazaar/bazaar/internal/points"
)

var ErrInvalidAmount = errors.New("invalid amount")

// Tier is a seller's commission tier.
type Tier string

const (
	TierStandard Tier = "standard"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

// Commission rates in basis points per tier.
const (
	rateStandardBps = 1000 // 10%
	rateSilverBps   = 800  // 8%
	rateGoldBps     = 500  // 5%
	ratePlatinumBps = 300  // 3%
)

// Per-transaction bounds on the commission, as point amounts.
const (
	FloorPoints   = "1.00"
	CeilingPoints = "500.00"
)

// RateBps returns the commission rate for a tier in basis points.
// Unknown tiers fall back to the standard rate.
func RateBps(tier Tier) int64 {
	switch tier {
	case TierPlatinum:
		return ratePlatinumBps
	case TierGold:
		return rateGoldBps
	case TierSilver:
		return rateSilverBps
	default:
		return rateStandardBps
	}
}

// Quote returns (total, commission) for a sale of qty units at unitPrice,
// both formatted as point amounts. The commission is
// total * rate, then clamped to [floor, ceiling], then capped at total.
func Quote(unitPrice string, qty int, tier Tier) (total, fee string, err error) {
	if qty < 1 {
		return "", "", ErrInvalidAmount
	}
	price, ok := points.Parse(unitPrice)
	if !ok || price.Sign() <= 0 {
		return "", "", ErrInvalidAmount
	}

	totalUnits := new(big.Int).Mul(price, big.NewInt(int64(qty)))

	// fee = total * bps / 10000, integer floor division in smallest units
	feeUnits := new(big.Int).Mul(totalUnits, big.NewInt(RateBps(tier)))
	feeUnits.Quo(feeUnits, big.NewInt(10_000))

	floor, _ := points.Parse(FloorPoints)
	ceiling, _ := points.Parse(CeilingPoints)
	if feeUnits.Cmp(floor) < 0 {
		feeUnits = floor
	}
	if feeUnits.Cmp(ceiling) > 0 {
		feeUnits = ceiling
	}
	// The floor can exceed the total on very small sales.
	if feeUnits.Cmp(totalUnits) > 0 {
		feeUnits = totalUnits
	}

	return points.Format(totalUnits), points.Format(feeUnits), nil
}
