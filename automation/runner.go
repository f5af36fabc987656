// Package automation drives an upkeep the way an external automation registry
// would: on every tick it moves the chain forward, asks the upkeep whether
// work is due and, if so, performs it and meters a fee.
package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"cron-keeper/errs"
	"cron-keeper/logger"
)

type Upkeep interface {
	Evaluate(ctx context.Context, checkData []byte) (bool, []byte, error)
	Execute(ctx context.Context, performData []byte) error
}

// Chain is the block source and fee ledger.
type Chain interface {
	AdvanceBlocks(n uint64) uint64
	Charge(account common.Hash, amount *uint256.Int) error
}

type Config struct {
	Interval      time.Duration
	BlocksPerTick uint64
	UpkeepID      common.Hash
	Fee           *uint256.Int // charged per successful perform, nil or zero for none
	CheckData     []byte
}

type Stats struct {
	Ticks     uint64 `json:"ticks"`
	Performed uint64 `json:"performed"`
	Stale     uint64 `json:"stale"`
	Failed    uint64 `json:"failed"`
	Block     uint64 `json:"block"`
}

type Runner struct {
	upkeep Upkeep
	chain  Chain
	cfg    Config

	mux   sync.Mutex
	stats Stats
}

func NewRunner(upkeep Upkeep, chain Chain, cfg Config) (*Runner, error) {
	switch {
	case upkeep == nil:
		return nil, errs.InvalidParam("upkeep")
	case chain == nil:
		return nil, errs.InvalidParam("chain")
	case cfg.Interval <= 0:
		return nil, errs.InvalidParam("interval")
	case cfg.BlocksPerTick == 0:
		return nil, errs.InvalidParam("blocksPerTick")
	}
	if cfg.Fee != nil && !cfg.Fee.IsZero() && cfg.UpkeepID == (common.Hash{}) {
		return nil, errs.InvalidParam("upkeepId")
	}
	return &Runner{upkeep: upkeep, chain: chain, cfg: cfg}, nil
}

// Run ticks every Interval until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	logger.Logger.Info("Automation runner started",
		zap.Duration("interval", r.cfg.Interval), zap.Uint64("blocks_per_tick", r.cfg.BlocksPerTick))
	for {
		select {
		case <-ctx.Done():
			logger.Logger.Info("Automation runner stopped")
			return
		case <-ticker.C:
			if _, err := r.Tick(ctx); err != nil && !errors.Is(err, errs.ErrActionNoLongerValid) {
				logger.Logger.Error("Upkeep tick failed", zap.Error(err))
			}
		}
	}
}

// Tick advances the chain once and performs the due action, if any. It
// reports whether an action was performed.
func (r *Runner) Tick(ctx context.Context) (bool, error) {
	block := r.chain.AdvanceBlocks(r.cfg.BlocksPerTick)
	r.record(func(s *Stats) { s.Ticks++; s.Block = block })

	needed, performData, err := r.upkeep.Evaluate(ctx, r.cfg.CheckData)
	if err != nil {
		r.record(func(s *Stats) { s.Failed++ })
		return false, fmt.Errorf("check upkeep at block %d: %w", block, err)
	}
	if !needed {
		return false, nil
	}

	if err := r.upkeep.Execute(ctx, performData); err != nil {
		if errors.Is(err, errs.ErrActionNoLongerValid) {
			r.record(func(s *Stats) { s.Stale++ })
			logger.Logger.Info("Upkeep action went stale", zap.Uint64("block", block), zap.Error(err))
		} else {
			r.record(func(s *Stats) { s.Failed++ })
		}
		return false, fmt.Errorf("perform upkeep at block %d: %w", block, err)
	}
	r.record(func(s *Stats) { s.Performed++ })

	if r.cfg.Fee != nil && !r.cfg.Fee.IsZero() {
		if err := r.chain.Charge(r.cfg.UpkeepID, r.cfg.Fee); err != nil {
			return true, fmt.Errorf("charge upkeep %s: %w", r.cfg.UpkeepID, err)
		}
	}
	logger.Logger.Debug("Upkeep performed", zap.Uint64("block", block))
	return true, nil
}

func (r *Runner) Stats() Stats {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.stats
}

func (r *Runner) record(fn func(*Stats)) {
	r.mux.Lock()
	fn(&r.stats)
	r.mux.Unlock()
}
