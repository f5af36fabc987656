package treasury

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AccrualSource is a vesting stream paying into the treasury.
type AccrualSource interface {
	// Unlocked returns the amount claimable now.
	Unlocked(ctx context.Context, stream common.Hash) (*uint256.Int, error)
	// Claim moves up to amount into the treasury and returns what moved.
	Claim(ctx context.Context, stream common.Hash, amount *uint256.Int) (*uint256.Int, error)
}

// Vault reports the source asset the treasury already holds.
type Vault interface {
	IdleBalance(ctx context.Context) (*uint256.Int, error)
}

// Exchange swaps the source asset for the payment token. It must fail with
// errs.ErrSwapBelowMinimum rather than fill below minOut.
type Exchange interface {
	Swap(ctx context.Context, amountIn, minOut *uint256.Int, path []byte) (*uint256.Int, error)
}

// AccountRegistry holds the operating balance in the payment token.
type AccountRegistry interface {
	Balance(ctx context.Context, account common.Hash) (*uint256.Int, error)
	TopUp(ctx context.Context, account common.Hash, amount *uint256.Int) error
}

// SurplusSink takes the part of an accrual stream above the per-refill cap,
// pulling it from the stream itself.
type SurplusSink interface {
	Absorb(ctx context.Context, stream common.Hash, amount *uint256.Int) error
}
