package pricefeed

import "cron-keeper/errs"

// SwapParams bounds a swap: the slippage tolerance and the routing path
// handed to the exchange.
type SwapParams struct {
	ToleranceBps uint64
	Path         []byte
}

func (p SwapParams) Validate() error {
	if p.ToleranceBps > MaxBps {
		return errs.InvalidParam("slippageToleranceBps")
	}
	if len(p.Path) == 0 {
		return errs.InvalidParam("path")
	}
	return nil
}
