package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cron-keeper/errs"
	"cron-keeper/pricefeed"
)

// Feed reads one named price feed.
type Feed struct {
	chain *Chain
	name  string
}

func (c *Chain) Feed(name string) *Feed {
	return &Feed{chain: c, name: name}
}

func (f *Feed) LatestPrice(context.Context) (pricefeed.Observation, error) {
	return f.chain.price(f.name)
}

// Accrual pays claims from vesting streams to each stream's beneficiary.
type Accrual struct {
	chain *Chain
}

func (c *Chain) Accrual() *Accrual {
	return &Accrual{chain: c}
}

func (a *Accrual) Unlocked(_ context.Context, stream common.Hash) (*uint256.Int, error) {
	c := a.chain
	c.mux.Lock()
	defer c.mux.Unlock()
	s, ok := c.streams[stream]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, stream)
	}
	return c.unlockedLocked(s), nil
}

func (a *Accrual) Claim(_ context.Context, stream common.Hash, amount *uint256.Int) (*uint256.Int, error) {
	c := a.chain
	c.mux.Lock()
	defer c.mux.Unlock()
	s, ok := c.streams[stream]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, stream)
	}
	return c.claimLocked(stream, s.Beneficiary, amount)
}

// SurplusSink claims a stream's excess straight into its own account.
type SurplusSink struct {
	chain   *Chain
	account common.Address
}

func (c *Chain) SurplusSink(account common.Address) *SurplusSink {
	return &SurplusSink{chain: c, account: account}
}

func (s *SurplusSink) Absorb(_ context.Context, stream common.Hash, amount *uint256.Int) error {
	c := s.chain
	c.mux.Lock()
	defer c.mux.Unlock()
	_, err := c.claimLocked(stream, s.account, amount)
	return err
}

// Vault is a token balance viewed as idle treasury funds.
type Vault struct {
	chain   *Chain
	token   common.Address
	account common.Address
}

func (c *Chain) Vault(token, account common.Address) *Vault {
	return &Vault{chain: c, token: token, account: account}
}

func (v *Vault) IdleBalance(context.Context) (*uint256.Int, error) {
	return v.chain.BalanceOf(v.token, v.account), nil
}

// Router swaps tokenIn held by account for tokenOut at the oracle rate less
// a fee. It never fills below the requested minimum.
type Router struct {
	chain     *Chain
	account   common.Address
	tokenIn   common.Address
	tokenOut  common.Address
	feedIn    string
	feedOut   string
	feeBps    uint64
	lastPath  []byte
	lastInput *uint256.Int
}

type RouterConfig struct {
	Account  common.Address
	TokenIn  common.Address
	TokenOut common.Address
	FeedIn   string
	FeedOut  string
	FeeBps   uint64
}

func (c *Chain) Router(cfg RouterConfig) *Router {
	return &Router{
		chain:    c,
		account:  cfg.Account,
		tokenIn:  cfg.TokenIn,
		tokenOut: cfg.TokenOut,
		feedIn:   cfg.FeedIn,
		feedOut:  cfg.FeedOut,
		feeBps:   cfg.FeeBps,
	}
}

// SetFee changes the fee charged on every swap.
func (r *Router) SetFee(bps uint64) {
	r.chain.mux.Lock()
	r.feeBps = bps
	r.chain.mux.Unlock()
}

func (r *Router) Swap(_ context.Context, amountIn, minOut *uint256.Int, path []byte) (*uint256.Int, error) {
	if len(path) == 0 {
		return nil, errs.InvalidParam("path")
	}
	in, err := r.chain.price(r.feedIn)
	if err != nil {
		return nil, err
	}
	out, err := r.chain.price(r.feedOut)
	if err != nil {
		return nil, err
	}
	gross, err := pricefeed.Convert(amountIn, in, out)
	if err != nil {
		return nil, err
	}

	c := r.chain
	c.mux.Lock()
	defer c.mux.Unlock()

	net, _ := new(uint256.Int).MulDivOverflow(gross,
		uint256.NewInt(pricefeed.MaxBps-min(r.feeBps, pricefeed.MaxBps)), uint256.NewInt(pricefeed.MaxBps))
	if net.Lt(minOut) {
		return nil, fmt.Errorf("%w: would receive %s, minimum %s", errs.ErrSwapBelowMinimum, net, minOut)
	}
	if err := c.subLocked(r.tokenIn, r.account, amountIn); err != nil {
		return nil, err
	}
	c.addLocked(r.tokenOut, r.account, net)
	prevPath, prevInput := r.lastPath, r.lastInput
	r.lastPath = append([]byte(nil), path...)
	r.lastInput = amountIn.Clone()
	c.record(func() { r.lastPath, r.lastInput = prevPath, prevInput })
	return net, nil
}

// Registry funds operating accounts from account's payment token balance.
type Registry struct {
	chain   *Chain
	account common.Address
	token   common.Address
}

func (c *Chain) Registry(token, payer common.Address) *Registry {
	return &Registry{chain: c, token: token, account: payer}
}

func (r *Registry) Balance(_ context.Context, id common.Hash) (*uint256.Int, error) {
	c := r.chain
	c.mux.Lock()
	defer c.mux.Unlock()
	bal, ok := c.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	return bal.Clone(), nil
}

func (r *Registry) TopUp(_ context.Context, id common.Hash, amount *uint256.Int) error {
	c := r.chain
	c.mux.Lock()
	defer c.mux.Unlock()
	bal, ok := c.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	if err := c.subLocked(r.token, r.account, amount); err != nil {
		return err
	}
	c.setAccountLocked(id, new(uint256.Int).Add(bal, amount))
	return nil
}

// LastSwap returns the path and input of the most recent committed swap.
func (r *Router) LastSwap() ([]byte, *uint256.Int) {
	r.chain.mux.Lock()
	defer r.chain.mux.Unlock()
	return r.lastPath, r.lastInput
}
