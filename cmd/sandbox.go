package main

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"cron-keeper/config"
	"cron-keeper/jobs"
	"cron-keeper/ledger"
	"cron-keeper/logger"
	"cron-keeper/pricefeed"
	"cron-keeper/repository"
	"cron-keeper/treasury"
)

const (
	sourceFeed = "source"
	targetFeed = "target"
)

var (
	treasuryAccount = common.BytesToAddress(crypto.Keccak256([]byte("keeper.treasury"))[12:])
	sourceToken     = common.BytesToAddress(crypto.Keccak256([]byte("keeper.token.source"))[12:])
	paymentToken    = common.BytesToAddress(crypto.Keccak256([]byte("keeper.token.payment"))[12:])
)

type sandbox struct {
	chain  *ledger.Chain
	jobs   *jobs.Registry
	engine *treasury.Engine
}

// newSandbox builds the in-process chain from cfg and the treasury engine
// that runs against it.
func newSandbox(ctx context.Context, cfg *config.Config, repo *repository.Repository) (*sandbox, error) {
	sc := cfg.Sandbox
	chain := ledger.NewChain(sc.StartBlock)

	sourcePrice, err := config.Amount("sandbox.source_price", sc.SourcePrice)
	if err != nil {
		return nil, err
	}
	targetPrice, err := config.Amount("sandbox.target_price", sc.TargetPrice)
	if err != nil {
		return nil, err
	}
	total, err := config.Amount("sandbox.stream_total", sc.StreamTotal)
	if err != nil {
		return nil, err
	}
	balance, err := config.Amount("sandbox.upkeep_balance", sc.UpkeepBalance)
	if err != nil {
		return nil, err
	}
	chain.SetPrice(sourceFeed, pricefeed.Observation{Price: sourcePrice, Precision: sc.Decimals})
	chain.SetPrice(targetFeed, pricefeed.Observation{Price: targetPrice, Precision: sc.Decimals})

	pair, err := pricefeed.NewPair(ctx, chain.Feed(sourceFeed), chain.Feed(targetFeed))
	if err != nil {
		return nil, err
	}
	defaults, err := cfg.Treasury.Params()
	if err != nil {
		return nil, err
	}
	deps := treasury.Deps{
		Pair:    pair,
		Accrual: chain.Accrual(),
		Vault:   chain.Vault(sourceToken, treasuryAccount),
		Exchange: chain.Router(ledger.RouterConfig{
			Account:  treasuryAccount,
			TokenIn:  sourceToken,
			TokenOut: paymentToken,
			FeedIn:   sourceFeed,
			FeedOut:  targetFeed,
			FeeBps:   sc.SwapFeeBps,
		}),
		Accounts: chain.Registry(paymentToken, treasuryAccount),
	}
	if cfg.Treasury.SurplusAccount != "" {
		deps.Surplus = chain.SurplusSink(common.HexToAddress(cfg.Treasury.SurplusAccount))
	}
	engine, err := treasury.NewEngine(repo, deps, defaults)
	if err != nil {
		return nil, err
	}

	// stored params may name other ids than the config, so seed from the engine
	params := engine.Params()
	if err := chain.CreateStream(params.StreamID, ledger.Stream{
		Beneficiary: treasuryAccount,
		Token:       sourceToken,
		Total:       total,
		Start:       sc.StartBlock,
		Duration:    sc.StreamDuration,
	}); err != nil {
		return nil, err
	}
	chain.OpenAccount(params.UpkeepID, balance)

	registry := jobs.NewRegistry()
	timers := jobs.NewTimers(chain)
	for _, j := range sc.Jobs {
		job, err := timers.New(j.MaxDuration)
		if err != nil {
			return nil, err
		}
		if err := registry.Add(common.HexToAddress(j.Handle), job); err != nil {
			return nil, fmt.Errorf("job %s: %w", j.Handle, err)
		}
	}

	logger.Logger.Info("Sandbox chain ready",
		zap.Uint64("block", chain.BlockNumber()),
		zap.Stringer("source_price", pricefeed.Observation{Price: sourcePrice, Precision: sc.Decimals}),
		zap.Stringer("target_price", pricefeed.Observation{Price: targetPrice, Precision: sc.Decimals}),
		zap.Stringer("treasury", treasuryAccount),
		zap.Int("jobs", registry.Len()))
	return &sandbox{chain: chain, jobs: registry, engine: engine}, nil
}
