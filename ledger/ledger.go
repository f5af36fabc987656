// Package ledger is an in-process chain used by the sandbox and by tests. It
// keeps token balances, vesting streams, operating accounts and oracle prices,
// and journals writes made inside an open snapshot so a failed action can be
// rolled back the way a reverted transaction would be.
package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cron-keeper/pricefeed"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnknownStream       = errors.New("unknown stream")
	ErrUnknownAccount      = errors.New("unknown account")
	ErrUnknownFeed         = errors.New("unknown feed")
)

type balanceKey struct {
	token   common.Address
	account common.Address
}

// Stream vests Total linearly over Duration blocks starting at Start.
type Stream struct {
	Beneficiary common.Address
	Token       common.Address
	Total       *uint256.Int
	Start       uint64
	Duration    uint64
	Claimed     *uint256.Int
}

type Chain struct {
	mux      sync.Mutex
	block    uint64
	balances map[balanceKey]*uint256.Int
	streams  map[common.Hash]*Stream
	accounts map[common.Hash]*uint256.Int
	feeds    map[string]pricefeed.Observation

	journal   []func()
	revisions []revision
	nextRevID int
}

// revision marks where a snapshot starts in the journal.
type revision struct {
	id           int
	journalIndex int
}

func NewChain(block uint64) *Chain {
	return &Chain{
		block:    block,
		balances: make(map[balanceKey]*uint256.Int),
		streams:  make(map[common.Hash]*Stream),
		accounts: make(map[common.Hash]*uint256.Int),
		feeds:    make(map[string]pricefeed.Observation),
	}
}

// Snapshot opens a revertible scope and returns its id. Writes are journaled
// only while at least one snapshot is open.
func (c *Chain) Snapshot() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	id := c.nextRevID
	c.nextRevID++
	c.revisions = append(c.revisions, revision{id: id, journalIndex: len(c.journal)})
	return id
}

// RevertToSnapshot undoes every write made after snapshot id was taken and
// closes it together with any snapshot opened after it.
func (c *Chain) RevertToSnapshot(id int) {
	c.mux.Lock()
	defer c.mux.Unlock()
	idx := c.revisionLocked(id)
	start := c.revisions[idx].journalIndex
	for i := len(c.journal) - 1; i >= start; i-- {
		c.journal[i]()
	}
	c.journal = c.journal[:start]
	c.closeLocked(idx)
}

// DiscardSnapshot commits the writes made since snapshot id. Closing the
// outermost snapshot releases the journal.
func (c *Chain) DiscardSnapshot(id int) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.closeLocked(c.revisionLocked(id))
}

// JournalLen reports how many undo entries are held.
func (c *Chain) JournalLen() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return len(c.journal)
}

func (c *Chain) revisionLocked(id int) int {
	for i := len(c.revisions) - 1; i >= 0; i-- {
		if c.revisions[i].id == id {
			return i
		}
	}
	panic(fmt.Errorf("snapshot %d is not open", id))
}

func (c *Chain) closeLocked(idx int) {
	c.revisions = c.revisions[:idx]
	if len(c.revisions) == 0 {
		c.journal = nil
	}
}

func (c *Chain) BlockNumber() uint64 {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.block
}

// AdvanceBlocks moves the chain forward. Block production is not journaled.
func (c *Chain) AdvanceBlocks(n uint64) uint64 {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.block += n
	return c.block
}

func (c *Chain) BalanceOf(token, account common.Address) *uint256.Int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.balanceLocked(token, account).Clone()
}

// Mint credits account out of thin air.
func (c *Chain) Mint(token, account common.Address, amount *uint256.Int) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.addLocked(token, account, amount)
}

// CreateStream registers a vesting stream under id.
func (c *Chain) CreateStream(id common.Hash, s Stream) error {
	if s.Duration == 0 || s.Total == nil {
		return fmt.Errorf("stream %s: duration and total are required", id)
	}
	c.mux.Lock()
	defer c.mux.Unlock()
	if _, ok := c.streams[id]; ok {
		return fmt.Errorf("stream %s already exists", id)
	}
	stream := s
	stream.Total = s.Total.Clone()
	stream.Claimed = new(uint256.Int)
	c.streams[id] = &stream
	c.record(func() { delete(c.streams, id) })
	return nil
}

// OpenAccount creates an operating account with an initial balance.
func (c *Chain) OpenAccount(id common.Hash, balance *uint256.Int) {
	c.mux.Lock()
	defer c.mux.Unlock()
	prev, existed := c.accounts[id]
	c.accounts[id] = balance.Clone()
	c.record(func() {
		if existed {
			c.accounts[id] = prev
		} else {
			delete(c.accounts, id)
		}
	})
}

// Charge debits an operating account, as the automation registry does for
// every perform.
func (c *Chain) Charge(id common.Hash, amount *uint256.Int) error {
	c.mux.Lock()
	defer c.mux.Unlock()
	bal, ok := c.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	if bal.Lt(amount) {
		return fmt.Errorf("%w: account %s has %s, needs %s", ErrInsufficientBalance, id, bal, amount)
	}
	c.setAccountLocked(id, new(uint256.Int).Sub(bal, amount))
	return nil
}

// SetPrice publishes a new price on the named feed. Prices are oracle input
// and are not journaled.
func (c *Chain) SetPrice(feed string, obs pricefeed.Observation) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.feeds[feed] = pricefeed.Observation{Price: obs.Price.Clone(), Precision: obs.Precision}
}

func (c *Chain) price(feed string) (pricefeed.Observation, error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	obs, ok := c.feeds[feed]
	if !ok {
		return pricefeed.Observation{}, fmt.Errorf("%w: %s", ErrUnknownFeed, feed)
	}
	return pricefeed.Observation{Price: obs.Price.Clone(), Precision: obs.Precision}, nil
}

func (c *Chain) record(undo func()) {
	if len(c.revisions) == 0 {
		return
	}
	c.journal = append(c.journal, undo)
}

func (c *Chain) balanceLocked(token, account common.Address) *uint256.Int {
	if bal, ok := c.balances[balanceKey{token, account}]; ok {
		return bal
	}
	return new(uint256.Int)
}

func (c *Chain) setBalanceLocked(token, account common.Address, amount *uint256.Int) {
	key := balanceKey{token, account}
	prev, existed := c.balances[key]
	c.balances[key] = amount
	c.record(func() {
		if existed {
			c.balances[key] = prev
		} else {
			delete(c.balances, key)
		}
	})
}

func (c *Chain) addLocked(token, account common.Address, amount *uint256.Int) {
	c.setBalanceLocked(token, account, new(uint256.Int).Add(c.balanceLocked(token, account), amount))
}

func (c *Chain) subLocked(token, account common.Address, amount *uint256.Int) error {
	bal := c.balanceLocked(token, account)
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s of %s, needs %s", ErrInsufficientBalance, account, bal, token, amount)
	}
	c.setBalanceLocked(token, account, new(uint256.Int).Sub(bal, amount))
	return nil
}

func (c *Chain) setAccountLocked(id common.Hash, amount *uint256.Int) {
	prev := c.accounts[id]
	c.accounts[id] = amount
	c.record(func() { c.accounts[id] = prev })
}

func (c *Chain) unlockedLocked(s *Stream) *uint256.Int {
	if c.block <= s.Start {
		return new(uint256.Int)
	}
	elapsed := c.block - s.Start
	vested := s.Total.Clone()
	if elapsed < s.Duration {
		vested, _ = new(uint256.Int).MulDivOverflow(s.Total, uint256.NewInt(elapsed), uint256.NewInt(s.Duration))
	}
	if vested.Lt(s.Claimed) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(vested, s.Claimed)
}

// claimLocked pays up to amount of the stream's unlocked funds to to.
func (c *Chain) claimLocked(id common.Hash, to common.Address, amount *uint256.Int) (*uint256.Int, error) {
	s, ok := c.streams[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, id)
	}
	pay := c.unlockedLocked(s)
	if amount.Lt(pay) {
		pay.Set(amount)
	}
	prev := s.Claimed
	s.Claimed = new(uint256.Int).Add(prev, pay)
	c.record(func() { s.Claimed = prev })
	c.addLocked(s.Token, to, pay)
	return pay, nil
}
