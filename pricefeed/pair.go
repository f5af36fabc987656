package pricefeed

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"cron-keeper/errs"
)

// Pair binds the source asset feed to the target asset feed. The precision
// check happens once, when the pair is built; conversions trust it.
type Pair struct {
	source    Feed
	target    Feed
	precision uint8
}

// NewPair reads both feeds and rejects them unless their precisions match.
func NewPair(ctx context.Context, source, target Feed) (*Pair, error) {
	if source == nil {
		return nil, errs.InvalidParam("sourceFeed")
	}
	if target == nil {
		return nil, errs.InvalidParam("targetFeed")
	}
	s, err := source.LatestPrice(ctx)
	if err != nil {
		return nil, errs.Collaborator("source feed", err)
	}
	t, err := target.LatestPrice(ctx)
	if err != nil {
		return nil, errs.Collaborator("target feed", err)
	}
	if s.Precision != t.Precision {
		return nil, fmt.Errorf("%w: source %d, target %d", errs.ErrPriceFeedMismatch, s.Precision, t.Precision)
	}
	return &Pair{source: source, target: target, precision: s.Precision}, nil
}

func (p *Pair) Precision() uint8 {
	return p.precision
}

// Prices returns the latest source and target observations.
func (p *Pair) Prices(ctx context.Context) (Observation, Observation, error) {
	s, err := p.source.LatestPrice(ctx)
	if err != nil {
		return Observation{}, Observation{}, errs.Collaborator("source feed", err)
	}
	t, err := p.target.LatestPrice(ctx)
	if err != nil {
		return Observation{}, Observation{}, errs.Collaborator("target feed", err)
	}
	return s, t, nil
}

// SourceToTarget converts an amount of the source asset into the target asset.
func (p *Pair) SourceToTarget(ctx context.Context, amount *uint256.Int) (*uint256.Int, error) {
	s, t, err := p.Prices(ctx)
	if err != nil {
		return nil, err
	}
	return Convert(amount, s, t)
}

// TargetToSource converts an amount of the target asset into the source asset.
func (p *Pair) TargetToSource(ctx context.Context, amount *uint256.Int) (*uint256.Int, error) {
	s, t, err := p.Prices(ctx)
	if err != nil {
		return nil, err
	}
	return Convert(amount, t, s)
}
