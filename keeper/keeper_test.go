package keeper

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cron-keeper/db"
	"cron-keeper/errs"
	"cron-keeper/events"
	"cron-keeper/jobs"
	"cron-keeper/ledger"
	"cron-keeper/models"
	"cron-keeper/pricefeed"
	"cron-keeper/repository"
	"cron-keeper/sequencer"
	"cron-keeper/treasury"
)

var (
	dai          = common.HexToAddress("0xda1")
	link         = common.HexToAddress("0x11c")
	treasuryAddr = common.HexToAddress("0x7e5")
	streamID     = common.HexToHash("0x01")
	upkeepID     = common.HexToHash("0x02")
	timerHandle  = common.HexToAddress("0x100")
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

type recordingSink struct {
	events []events.Event
	err    error
}

func (r *recordingSink) Emit(_ context.Context, evs ...events.Event) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, evs...)
	return nil
}

func (r *recordingSink) kinds() []string {
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

type sandbox struct {
	chain    *ledger.Chain
	seq      *sequencer.Sequencer
	registry *jobs.Registry
	timer    *jobs.TimerJob
	engine   *treasury.Engine
	router   *ledger.Router
	sink     *recordingSink
	repo     *repository.Repository
	keeper   *Keeper
}

// newSandbox builds a keeper for network "a", which shares the rotation
// with "b" in windows of 10 ticks. The chain starts at block 100, where "a"
// leads, the timer job is due and 1000 of the source asset has vested.
// The operating account holds 50 payment tokens worth 250.
func newSandbox(t *testing.T) *sandbox {
	t.Helper()
	ctx := context.Background()

	ldb, err := db.NewMemLevelDB()
	require.NoError(t, err)
	t.Cleanup(func() { ldb.Close() })
	repo := repository.NewRepository(ldb)

	chain := ledger.NewChain(100)
	chain.SetPrice("dai", pricefeed.Observation{Price: u(1_0000_0000), Precision: 8})
	chain.SetPrice("link", pricefeed.Observation{Price: u(5_0000_0000), Precision: 8})
	require.NoError(t, chain.CreateStream(streamID, ledger.Stream{
		Beneficiary: treasuryAddr,
		Token:       dai,
		Total:       u(10000),
		Start:       0,
		Duration:    1000,
	}))
	chain.OpenAccount(upkeepID, u(50))

	seq, err := sequencer.NewSequencer(repo, 10)
	require.NoError(t, err)
	require.NoError(t, seq.AddNetwork("a", 10))
	require.NoError(t, seq.AddNetwork("b", 10))

	registry := jobs.NewRegistry()
	timer, err := jobs.NewTimers(chain).New(5)
	require.NoError(t, err)
	require.NoError(t, registry.Add(timerHandle, timer))

	pair, err := pricefeed.NewPair(ctx, chain.Feed("dai"), chain.Feed("link"))
	require.NoError(t, err)
	router := chain.Router(ledger.RouterConfig{
		Account: treasuryAddr, TokenIn: dai, TokenOut: link, FeedIn: "dai", FeedOut: "link",
	})
	engine, err := treasury.NewEngine(repo, treasury.Deps{
		Pair:     pair,
		Accrual:  chain.Accrual(),
		Vault:    chain.Vault(dai, treasuryAddr),
		Exchange: router,
		Accounts: chain.Registry(link, treasuryAddr),
	}, models.TreasuryParams{
		Threshold:       u(1000),
		MaxDeposit:      u(5000),
		MinWithdraw:     u(100),
		ToleranceBps:    200,
		Path:            []byte{0x01},
		UpkeepID:        upkeepID,
		StreamID:        streamID,
		AllowIdleRefill: true,
	})
	require.NoError(t, err)

	sink := &recordingSink{}
	k, err := New(Config{
		Network:   "a",
		Sequencer: seq,
		Jobs:      registry,
		Refiller:  engine,
		Clock:     chain,
		Journal:   chain,
		Events:    sink,
	})
	require.NoError(t, err)

	return &sandbox{
		chain: chain, seq: seq, registry: registry, timer: timer, engine: engine,
		router: router, sink: sink, repo: repo, keeper: k,
	}
}

func (s *sandbox) evaluate(t *testing.T) Action {
	t.Helper()
	ok, data, err := s.keeper.Evaluate(context.Background(), nil)
	require.NoError(t, err)
	if !ok {
		assert.Nil(t, data)
		return Action{}
	}
	action, err := DecodeAction(data)
	require.NoError(t, err)
	return action
}

func (s *sandbox) perform(t *testing.T, a Action) error {
	t.Helper()
	data, err := a.Encode()
	require.NoError(t, err)
	return s.keeper.Execute(context.Background(), data)
}

func TestActionCodec(t *testing.T) {
	run := Action{Kind: ActionRunJob, Job: timerHandle, Args: []byte("args")}
	data, err := run.Encode()
	require.NoError(t, err)
	assert.Equal(t, runJobSelector, data[:4])
	got, err := DecodeAction(data)
	require.NoError(t, err)
	assert.Equal(t, run, got)

	data, err = Action{Kind: ActionRefill}.Encode()
	require.NoError(t, err)
	assert.Len(t, data, 4)
	got, err = DecodeAction(data)
	require.NoError(t, err)
	assert.Equal(t, ActionRefill, got.Kind)

	_, err = Action{}.Encode()
	assert.ErrorIs(t, err, errs.ErrInvalidParam)

	for _, bad := range [][]byte{nil, {0x01, 0x02}, {0xde, 0xad, 0xbe, 0xef}, append(data, 0x00)} {
		_, err := DecodeAction(bad)
		assert.ErrorIs(t, err, errs.ErrInvalidParam)
	}
}

func TestEvaluateNotLeader(t *testing.T) {
	s := newSandbox(t)
	s.chain.AdvanceBlocks(10)

	assert.Equal(t, ActionNone, s.evaluate(t).Kind, "b holds ticks 110-119")
	assert.ErrorIs(t, s.perform(t, Action{Kind: ActionRunJob, Job: timerHandle}), errs.ErrActionNoLongerValid)
	assert.ErrorIs(t, s.perform(t, Action{Kind: ActionRefill}), errs.ErrActionNoLongerValid)
	assert.Empty(t, s.sink.events)
}

func TestPriorityJobThenRefillThenNothing(t *testing.T) {
	s := newSandbox(t)

	action := s.evaluate(t)
	require.Equal(t, ActionRunJob, action.Kind, "a due job wins over a needed refill")
	assert.Equal(t, timerHandle, action.Job)
	require.NoError(t, s.perform(t, action))
	last, ran := s.timer.Last()
	assert.True(t, ran)
	assert.Equal(t, uint64(100), last)

	action = s.evaluate(t)
	require.Equal(t, ActionRefill, action.Kind)
	require.NoError(t, s.perform(t, action))

	bal, err := s.chain.Registry(link, treasuryAddr).Balance(context.Background(), upkeepID)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), bal.Uint64(), "1000 claimed and swapped at 5 for 200")
	assert.True(t, s.chain.BalanceOf(dai, treasuryAddr).IsZero())

	assert.Equal(t, ActionNone, s.evaluate(t).Kind)

	require.Equal(t, []string{models.EventExecutedJob, models.EventSwapped, models.EventRefillCompleted}, s.sink.kinds())
	executed := s.sink.events[0].Data.(events.ExecutedJob)
	assert.Equal(t, "a", executed.Network)
	assert.Equal(t, uint64(100), executed.Tick)
	swapped := s.sink.events[1].Data.(events.Swapped)
	assert.Equal(t, uint64(1000), swapped.AmountIn.Uint64())
	assert.Equal(t, uint64(200), swapped.AmountOut.Uint64())
	assert.Equal(t, uint64(196), swapped.MinimumOut.Uint64())

	s.chain.AdvanceBlocks(5)
	assert.Equal(t, ActionRunJob, s.evaluate(t).Kind, "cooldown elapsed")
}

func TestEvaluateIsReadOnly(t *testing.T) {
	s := newSandbox(t)
	first := s.evaluate(t)
	second := s.evaluate(t)
	assert.Equal(t, first, second)
	_, ran := s.timer.Last()
	assert.False(t, ran)
	assert.Empty(t, s.sink.events)
}

func TestExecuteStaleAction(t *testing.T) {
	s := newSandbox(t)
	action := s.evaluate(t)
	require.Equal(t, ActionRunJob, action.Kind)
	require.NoError(t, s.perform(t, action))

	err := s.perform(t, action)
	assert.ErrorIs(t, err, errs.ErrActionNoLongerValid, "job already ran")

	require.NoError(t, s.registry.Remove(timerHandle))
	err = s.perform(t, action)
	assert.ErrorIs(t, err, errs.ErrActionNoLongerValid, "job was removed")

	// fill the account so no refill is needed
	s.chain.OpenAccount(upkeepID, u(1000))
	assert.Equal(t, ActionNone, s.evaluate(t).Kind)
	assert.ErrorIs(t, s.perform(t, Action{Kind: ActionRefill}), errs.ErrActionNoLongerValid)

	assert.Equal(t, []string{models.EventExecutedJob}, s.sink.kinds())
}

type failingJob struct {
	chain *ledger.Chain
}

func (failingJob) IsDue(context.Context, string) (bool, []byte, error) { return true, []byte{0x2a}, nil }

func (j failingJob) Execute(_ context.Context, _ string, args []byte) error {
	j.chain.Mint(link, treasuryAddr, u(uint64(args[0])))
	return errors.New("boom")
}

func TestExecuteRevertsFailedJob(t *testing.T) {
	s := newSandbox(t)
	require.NoError(t, s.registry.Remove(timerHandle))
	handle := common.HexToAddress("0xbad")
	require.NoError(t, s.registry.Add(handle, failingJob{chain: s.chain}))

	action := s.evaluate(t)
	require.Equal(t, ActionRunJob, action.Kind)
	assert.Equal(t, []byte{0x2a}, action.Args)

	err := s.perform(t, action)
	assert.ErrorIs(t, err, errs.ErrCollaborator)
	assert.ErrorContains(t, err, "boom")
	assert.True(t, s.chain.BalanceOf(link, treasuryAddr).IsZero(), "mint reverted")
	assert.Empty(t, s.sink.events)
}

func TestExecuteRevertsFailedRefill(t *testing.T) {
	s := newSandbox(t)
	require.NoError(t, s.registry.Remove(timerHandle))
	s.router.SetFee(500) // 200 less 5% is 190, below the floor of 196

	action := s.evaluate(t)
	require.Equal(t, ActionRefill, action.Kind)
	err := s.perform(t, action)
	assert.ErrorIs(t, err, errs.ErrSwapBelowMinimum)

	ctx := context.Background()
	assert.True(t, s.chain.BalanceOf(dai, treasuryAddr).IsZero(), "claim reverted")
	unlocked, err := s.chain.Accrual().Unlocked(ctx, streamID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), unlocked.Uint64())
	bal, _ := s.chain.Registry(link, treasuryAddr).Balance(ctx, upkeepID)
	assert.Equal(t, uint64(50), bal.Uint64())
	assert.Empty(t, s.sink.events)

	s.router.SetFee(100)
	require.NoError(t, s.perform(t, action))
	bal, _ = s.chain.Registry(link, treasuryAddr).Balance(ctx, upkeepID)
	assert.Equal(t, uint64(248), bal.Uint64())
}

func TestExecuteReleasesJournal(t *testing.T) {
	s := newSandbox(t)
	require.Zero(t, s.chain.JournalLen())

	action := s.evaluate(t)
	require.Equal(t, ActionRunJob, action.Kind)
	require.NoError(t, s.perform(t, action))
	assert.Zero(t, s.chain.JournalLen(), "committed job")

	s.router.SetFee(500)
	action = s.evaluate(t)
	require.Equal(t, ActionRefill, action.Kind)
	require.ErrorIs(t, s.perform(t, action), errs.ErrSwapBelowMinimum)
	assert.Zero(t, s.chain.JournalLen(), "reverted refill")

	s.router.SetFee(100)
	require.NoError(t, s.perform(t, action))
	assert.Zero(t, s.chain.JournalLen(), "committed refill")

	_, err := s.keeper.Refill(context.Background())
	assert.ErrorIs(t, err, errs.ErrRefillNotNeeded)
	assert.Zero(t, s.chain.JournalLen(), "manual refill")
}

func TestSurplusEvent(t *testing.T) {
	s := newSandbox(t)
	require.NoError(t, s.registry.Remove(timerHandle))
	vow := common.HexToAddress("0x704")
	s.engine.SetSurplusSink(s.chain.SurplusSink(vow))
	p := s.engine.Params()
	p.MaxDeposit = u(600)
	require.NoError(t, s.engine.SetParams(p))

	require.NoError(t, s.perform(t, Action{Kind: ActionRefill}))
	require.Equal(t, []string{models.EventSurplusRouted, models.EventSwapped, models.EventRefillCompleted}, s.sink.kinds())
	surplus := s.sink.events[0].Data.(events.SurplusRouted)
	assert.Equal(t, streamID, surplus.Stream)
	assert.Equal(t, uint64(400), surplus.Amount.Uint64())
	assert.Equal(t, uint64(400), s.chain.BalanceOf(dai, vow).Uint64())
}

func TestEmitFailureDoesNotFailExecute(t *testing.T) {
	s := newSandbox(t)
	s.sink.err = errors.New("disk full")
	action := s.evaluate(t)
	require.NoError(t, s.perform(t, action))
	_, ran := s.timer.Last()
	assert.True(t, ran)
}

func TestEventsArePersisted(t *testing.T) {
	s := newSandbox(t)
	k, err := New(Config{
		Network: "a", Sequencer: s.seq, Jobs: s.registry, Refiller: s.engine,
		Clock: s.chain, Journal: s.chain, Events: events.NewStore(s.repo),
	})
	require.NoError(t, err)

	ok, data, err := k.Evaluate(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, k.Execute(context.Background(), data))

	stored, err := s.repo.GetEvents(10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, models.EventExecutedJob, stored[0].Kind)
	assert.Contains(t, string(stored[0].Data), `"network":"a"`)
}

func TestManualRefill(t *testing.T) {
	s := newSandbox(t)
	ctx := context.Background()

	res, err := s.keeper.Refill(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), res.AmountReceived.Uint64())

	_, err = s.keeper.Refill(ctx)
	assert.ErrorIs(t, err, errs.ErrRefillNotNeeded)
	assert.Equal(t, []string{models.EventSwapped, models.EventRefillCompleted}, s.sink.kinds())
}

func TestNewAndSetters(t *testing.T) {
	s := newSandbox(t)

	_, err := New(Config{Sequencer: s.seq, Jobs: s.registry, Clock: s.chain})
	assert.Equal(t, "network", fieldOf(err))
	_, err = New(Config{Network: "a", Jobs: s.registry, Clock: s.chain})
	assert.Equal(t, "sequencer", fieldOf(err))

	assert.Equal(t, "network", fieldOf(s.keeper.SetNetwork("")))
	assert.Equal(t, "sequencer", fieldOf(s.keeper.SetSequencer(nil)))
	assert.Equal(t, "refiller", fieldOf(s.keeper.SetRefiller(nil)))

	require.NoError(t, s.keeper.SetNetwork("b"))
	assert.Equal(t, "b", s.keeper.Network())
	assert.Equal(t, ActionNone, s.evaluate(t).Kind, "b does not lead at 100")
	s.chain.AdvanceBlocks(10)
	assert.Equal(t, ActionRunJob, s.evaluate(t).Kind)
}

func TestNoRefillerNeverSelectsRefill(t *testing.T) {
	s := newSandbox(t)
	require.NoError(t, s.registry.Remove(timerHandle))
	k, err := New(Config{Network: "a", Sequencer: s.seq, Jobs: s.registry, Clock: s.chain})
	require.NoError(t, err)

	ok, _, err := k.Evaluate(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = k.Refill(context.Background())
	assert.ErrorIs(t, err, errs.ErrRefillNotNeeded)
}

func fieldOf(err error) string {
	f, _ := errs.Field(err)
	return f
}
