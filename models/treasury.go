package models

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// TreasuryParams are the administrable refill settings.
type TreasuryParams struct {
	Threshold       *uint256.Int  `json:"threshold"`         // minimum operating balance, in source units
	MaxDeposit      *uint256.Int  `json:"max_deposit"`       // cap on a single claim
	MinWithdraw     *uint256.Int  `json:"min_withdraw"`      // floor below which a refill is skipped
	ToleranceBps    uint64        `json:"slippage_bps"`      // swap slippage tolerance
	Path            hexutil.Bytes `json:"path"`              // exchange routing path
	UpkeepID        common.Hash   `json:"upkeep_id"`         // operating account
	StreamID        common.Hash   `json:"stream_id"`         // accrual stream
	AllowIdleRefill bool          `json:"allow_idle_refill"` // idle balance alone may trigger a refill
}
