// Package pricefeed converts amounts between assets using two oracle
// observations that share a precision, and derives slippage floors.
package pricefeed

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"cron-keeper/errs"
)

// MaxBps is 100% expressed in basis points.
const MaxBps = 10000

// Feed is an oracle reporting the price of one asset in a common unit.
type Feed interface {
	LatestPrice(ctx context.Context) (Observation, error)
}

// Observation is a single price reading.
type Observation struct {
	Price     *uint256.Int
	Precision uint8
}

// String renders the price with its precision applied, e.g. "5.00000000".
func (o Observation) String() string {
	if o.Price == nil {
		return "<nil>"
	}
	return decimal.NewFromBigInt(o.Price.ToBig(), -int32(o.Precision)).StringFixed(int32(o.Precision))
}

// Convert returns amount * a.Price / b.Price. Both observations must share
// the same precision, so the scale cancels out and the product is taken in
// full 512-bit width before the single division.
func Convert(amount *uint256.Int, a, b Observation) (*uint256.Int, error) {
	if a.Precision != b.Precision {
		return nil, fmt.Errorf("%w: %d != %d", errs.ErrPriceFeedMismatch, a.Precision, b.Precision)
	}
	if amount == nil {
		return nil, errs.InvalidParam("amount")
	}
	if a.Price == nil || a.Price.IsZero() {
		return nil, errs.InvalidParam("price")
	}
	if b.Price == nil || b.Price.IsZero() {
		return nil, errs.InvalidParam("price")
	}
	out, overflow := new(uint256.Int).MulDivOverflow(amount, a.Price, b.Price)
	if overflow {
		return nil, errs.InvalidParam("amount")
	}
	return out, nil
}

// MinimumOutput floors expected * (10000 - toleranceBps) / 10000.
func MinimumOutput(expected *uint256.Int, toleranceBps uint64) (*uint256.Int, error) {
	if toleranceBps > MaxBps {
		return nil, errs.InvalidParam("slippageToleranceBps")
	}
	if expected == nil {
		return nil, errs.InvalidParam("expected")
	}
	out, overflow := new(uint256.Int).MulDivOverflow(
		expected,
		uint256.NewInt(MaxBps-toleranceBps),
		uint256.NewInt(MaxBps),
	)
	if overflow {
		return nil, errs.InvalidParam("expected")
	}
	return out, nil
}
