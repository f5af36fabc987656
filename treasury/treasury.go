// Package treasury keeps the operating account funded. When the operating
// balance, valued in the source asset, drops below a threshold it claims
// accrued funds, swaps them for the payment token under a slippage floor and
// tops the account up.
package treasury

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"cron-keeper/errs"
	"cron-keeper/logger"
	"cron-keeper/models"
	"cron-keeper/pricefeed"
	"cron-keeper/repository"
)

// RefillResult describes a completed refill.
type RefillResult struct {
	AmountConverted *uint256.Int // source asset swapped
	AmountReceived  *uint256.Int // payment token added to the operating balance
	MinimumOut      *uint256.Int // floor the swap had to meet
	Claimed         *uint256.Int // drawn from the accrual stream by this call
	Surplus         *uint256.Int // handed to the surplus sink, zero when none
	Stream          common.Hash  // accrual stream the funds came from
}

// Deps are the collaborators of an Engine. Surplus may be nil.
type Deps struct {
	Pair     *pricefeed.Pair
	Accrual  AccrualSource
	Vault    Vault
	Exchange Exchange
	Accounts AccountRegistry
	Surplus  SurplusSink
}

func (d Deps) validate() error {
	switch {
	case d.Pair == nil:
		return errs.InvalidParam("pair")
	case d.Accrual == nil:
		return errs.InvalidParam("accrual")
	case d.Vault == nil:
		return errs.InvalidParam("vault")
	case d.Exchange == nil:
		return errs.InvalidParam("exchange")
	case d.Accounts == nil:
		return errs.InvalidParam("accounts")
	}
	return nil
}

type Engine struct {
	mux    sync.Mutex
	repo   repository.TreasuryRepositoryInterface
	deps   Deps
	params models.TreasuryParams
}

// NewEngine builds an engine. Parameters already stored in repo win over
// defaults; otherwise defaults are validated and stored.
func NewEngine(repo repository.TreasuryRepositoryInterface, deps Deps, defaults models.TreasuryParams) (*Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	params := defaults
	stored, err := repo.GetTreasuryParams()
	switch {
	case err == nil:
		params = *stored
	case errors.Is(err, errs.ErrNotFound):
		if err := ValidateParams(defaults); err != nil {
			return nil, err
		}
		if err := repo.PutTreasuryParams(&defaults); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	if err := ValidateParams(params); err != nil {
		return nil, err
	}
	return &Engine{repo: repo, deps: deps, params: cloneParams(params)}, nil
}

// ValidateParams rejects empty or out of range refill settings.
func ValidateParams(p models.TreasuryParams) error {
	if p.Threshold == nil || p.Threshold.IsZero() {
		return errs.InvalidParam("threshold")
	}
	if p.MaxDeposit == nil || p.MaxDeposit.IsZero() {
		return errs.InvalidParam("maxDeposit")
	}
	// a floor above the cap could never be met by a claim
	if p.MinWithdraw == nil || p.MinWithdraw.IsZero() || p.MinWithdraw.Gt(p.MaxDeposit) {
		return errs.InvalidParam("minWithdraw")
	}
	if err := (pricefeed.SwapParams{ToleranceBps: p.ToleranceBps, Path: p.Path}).Validate(); err != nil {
		return err
	}
	if p.UpkeepID == (common.Hash{}) {
		return errs.InvalidParam("upkeepId")
	}
	if p.StreamID == (common.Hash{}) {
		return errs.InvalidParam("streamId")
	}
	return nil
}

func (e *Engine) Params() models.TreasuryParams {
	e.mux.Lock()
	defer e.mux.Unlock()
	return cloneParams(e.params)
}

// SetParams validates and persists new refill settings.
func (e *Engine) SetParams(p models.TreasuryParams) error {
	if err := ValidateParams(p); err != nil {
		return err
	}
	p = cloneParams(p)

	e.mux.Lock()
	defer e.mux.Unlock()
	if err := e.repo.PutTreasuryParams(&p); err != nil {
		return err
	}
	e.params = p

	logger.Logger.Info("Treasury params updated",
		zap.Stringer("threshold", p.Threshold),
		zap.Stringer("max_deposit", p.MaxDeposit),
		zap.Stringer("min_withdraw", p.MinWithdraw),
		zap.Uint64("slippage_bps", p.ToleranceBps),
		zap.Bool("allow_idle_refill", p.AllowIdleRefill))
	return nil
}

// SetPair replaces the price feeds. The pair has already checked precision.
func (e *Engine) SetPair(pair *pricefeed.Pair) error {
	if pair == nil {
		return errs.InvalidParam("pair")
	}
	e.mux.Lock()
	e.deps.Pair = pair
	e.mux.Unlock()
	return nil
}

func (e *Engine) SetExchange(x Exchange) error {
	if x == nil {
		return errs.InvalidParam("exchange")
	}
	e.mux.Lock()
	e.deps.Exchange = x
	e.mux.Unlock()
	return nil
}

func (e *Engine) SetAccountRegistry(r AccountRegistry) error {
	if r == nil {
		return errs.InvalidParam("accounts")
	}
	e.mux.Lock()
	e.deps.Accounts = r
	e.mux.Unlock()
	return nil
}

// SetSurplusSink routes accrual above the cap to s; nil leaves it unclaimed.
func (e *Engine) SetSurplusSink(s SurplusSink) {
	e.mux.Lock()
	e.deps.Surplus = s
	e.mux.Unlock()
}

// BufferSize is the operating balance valued in the source asset.
func (e *Engine) BufferSize(ctx context.Context) (*uint256.Int, error) {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.bufferSizeLocked(ctx)
}

func (e *Engine) bufferSizeLocked(ctx context.Context) (*uint256.Int, error) {
	balance, err := e.deps.Accounts.Balance(ctx, e.params.UpkeepID)
	if err != nil {
		return nil, errs.Collaborator("account registry", err)
	}
	return e.deps.Pair.TargetToSource(ctx, balance)
}

// ShouldRefill reports whether the buffer is below the threshold and there is
// at least the minimum withdrawal to work with, either unlocked in the stream
// or, when idle refills are allowed, already held.
func (e *Engine) ShouldRefill(ctx context.Context) (bool, error) {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.shouldRefillLocked(ctx)
}

func (e *Engine) shouldRefillLocked(ctx context.Context) (bool, error) {
	buffer, err := e.bufferSizeLocked(ctx)
	if err != nil {
		return false, err
	}
	if !buffer.Lt(e.params.Threshold) {
		return false, nil
	}

	unlocked, err := e.deps.Accrual.Unlocked(ctx, e.params.StreamID)
	if err != nil {
		return false, errs.Collaborator("accrual source", err)
	}
	if !unlocked.Lt(e.params.MinWithdraw) {
		return true, nil
	}

	if !e.params.AllowIdleRefill {
		return false, nil
	}
	idle, err := e.deps.Vault.IdleBalance(ctx)
	if err != nil {
		return false, errs.Collaborator("vault", err)
	}
	return !idle.Lt(e.params.MinWithdraw), nil
}

// Refill claims, swaps and tops up. Any collaborator failure aborts the whole
// refill; the caller is expected to run it inside a revertible scope.
func (e *Engine) Refill(ctx context.Context) (RefillResult, error) {
	e.mux.Lock()
	defer e.mux.Unlock()

	should, err := e.shouldRefillLocked(ctx)
	if err != nil {
		return RefillResult{}, err
	}
	if !should {
		return RefillResult{}, errs.ErrRefillNotNeeded
	}
	p := e.params
	res := RefillResult{Claimed: new(uint256.Int), Surplus: new(uint256.Int), Stream: p.StreamID}

	unlocked, err := e.deps.Accrual.Unlocked(ctx, p.StreamID)
	if err != nil {
		return RefillResult{}, errs.Collaborator("accrual source", err)
	}
	claim := unlocked.Clone()
	if claim.Gt(p.MaxDeposit) {
		claim.Set(p.MaxDeposit)
		if e.deps.Surplus != nil {
			surplus := new(uint256.Int).Sub(unlocked, p.MaxDeposit)
			if err := e.deps.Surplus.Absorb(ctx, p.StreamID, surplus); err != nil {
				return RefillResult{}, errs.Collaborator("surplus sink", err)
			}
			res.Surplus = surplus
		}
	}
	if !claim.IsZero() {
		claimed, err := e.deps.Accrual.Claim(ctx, p.StreamID, claim)
		if err != nil {
			return RefillResult{}, errs.Collaborator("accrual source", err)
		}
		if claimed.Gt(claim) {
			return RefillResult{}, fmt.Errorf("%w: accrual source paid %s, asked for %s",
				errs.ErrCollaborator, claimed, claim)
		}
		res.Claimed = claimed
	}

	available, err := e.deps.Vault.IdleBalance(ctx)
	if err != nil {
		return RefillResult{}, errs.Collaborator("vault", err)
	}
	if available.Lt(p.MinWithdraw) {
		return RefillResult{}, fmt.Errorf("%w: %s available, minimum withdrawal is %s",
			errs.ErrRefillNotNeeded, available, p.MinWithdraw)
	}

	expected, err := e.deps.Pair.SourceToTarget(ctx, available)
	if err != nil {
		return RefillResult{}, err
	}
	minOut, err := pricefeed.MinimumOutput(expected, p.ToleranceBps)
	if err != nil {
		return RefillResult{}, err
	}

	out, err := e.deps.Exchange.Swap(ctx, available, minOut, p.Path)
	if err != nil {
		return RefillResult{}, errs.Collaborator("exchange", err)
	}
	if out.Lt(minOut) {
		return RefillResult{}, fmt.Errorf("%w: received %s, minimum %s", errs.ErrSwapBelowMinimum, out, minOut)
	}

	if err := e.deps.Accounts.TopUp(ctx, p.UpkeepID, out); err != nil {
		return RefillResult{}, errs.Collaborator("account registry", err)
	}

	res.AmountConverted = available
	res.AmountReceived = out
	res.MinimumOut = minOut

	logger.Logger.Info("Treasury refilled",
		zap.Stringer("claimed", res.Claimed),
		zap.Stringer("surplus", res.Surplus),
		zap.Stringer("amount_converted", available),
		zap.Stringer("expected", expected),
		zap.Stringer("minimum_out", minOut),
		zap.Stringer("amount_received", out))
	return res, nil
}

func cloneParams(p models.TreasuryParams) models.TreasuryParams {
	out := p
	out.Threshold = cloneInt(p.Threshold)
	out.MaxDeposit = cloneInt(p.MaxDeposit)
	out.MinWithdraw = cloneInt(p.MinWithdraw)
	out.Path = append([]byte(nil), p.Path...)
	return out
}

func cloneInt(x *uint256.Int) *uint256.Int {
	if x == nil {
		return nil
	}
	return x.Clone()
}
