// Package keeper decides, for the network it represents, whether one unit of
// work is due, and performs exactly that unit when asked.
//
// Evaluate is read only. In strict priority it reports nothing when the
// network does not hold the turn, otherwise the first due job in registration
// order, otherwise a treasury refill when one is needed. Execute re-checks
// the predicate behind the action it is given and fails with
// errs.ErrActionNoLongerValid when the predicate no longer holds.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"cron-keeper/errs"
	"cron-keeper/events"
	"cron-keeper/jobs"
	"cron-keeper/logger"
	"cron-keeper/models"
	"cron-keeper/treasury"
)

type Scheduler interface {
	IsLeader(network string, tick uint64) bool
}

type JobSource interface {
	FirstDue(ctx context.Context, network string) (jobs.DueJob, bool, error)
	IsDue(ctx context.Context, handle common.Address, network string) (bool, []byte, error)
	Get(handle common.Address) (jobs.Job, bool)
}

type Refiller interface {
	ShouldRefill(ctx context.Context) (bool, error)
	Refill(ctx context.Context) (treasury.RefillResult, error)
}

type Clock interface {
	BlockNumber() uint64
}

// Journal lets Execute undo collaborator writes when an action fails part way.
// Every snapshot is closed by exactly one RevertToSnapshot or DiscardSnapshot.
type Journal interface {
	Snapshot() int
	RevertToSnapshot(id int)
	DiscardSnapshot(id int)
}

type noJournal struct{}

func (noJournal) Snapshot() int { return 0 }
func (noJournal) RevertToSnapshot(int) {}
func (noJournal) DiscardSnapshot(int) {}

type Config struct {
	Network   string
	Sequencer Scheduler
	Jobs      JobSource
	Refiller  Refiller // optional; without it refills are never selected
	Clock     Clock
	Journal   Journal     // optional
	Events    events.Sink // optional
}

type Keeper struct {
	mux       sync.Mutex
	network   string
	sequencer Scheduler
	jobs      JobSource
	refiller  Refiller
	clock     Clock
	journal   Journal
	events    events.Sink
}

func New(cfg Config) (*Keeper, error) {
	switch {
	case cfg.Network == "":
		return nil, errs.InvalidParam("network")
	case cfg.Sequencer == nil:
		return nil, errs.InvalidParam("sequencer")
	case cfg.Jobs == nil:
		return nil, errs.InvalidParam("jobs")
	case cfg.Clock == nil:
		return nil, errs.InvalidParam("clock")
	}
	k := &Keeper{
		network:   cfg.Network,
		sequencer: cfg.Sequencer,
		jobs:      cfg.Jobs,
		refiller:  cfg.Refiller,
		clock:     cfg.Clock,
		journal:   cfg.Journal,
		events:    cfg.Events,
	}
	if k.journal == nil {
		k.journal = noJournal{}
	}
	if k.events == nil {
		k.events = events.Discard{}
	}
	return k, nil
}

func (k *Keeper) Network() string {
	k.mux.Lock()
	defer k.mux.Unlock()
	return k.network
}

func (k *Keeper) SetNetwork(name string) error {
	if name == "" {
		return errs.InvalidParam("network")
	}
	k.mux.Lock()
	k.network = name
	k.mux.Unlock()
	logger.Logger.Info("Keeper network updated", zap.String("network", name))
	return nil
}

func (k *Keeper) SetSequencer(s Scheduler) error {
	if s == nil {
		return errs.InvalidParam("sequencer")
	}
	k.mux.Lock()
	k.sequencer = s
	k.mux.Unlock()
	return nil
}

func (k *Keeper) SetRefiller(r Refiller) error {
	if r == nil {
		return errs.InvalidParam("refiller")
	}
	k.mux.Lock()
	k.refiller = r
	k.mux.Unlock()
	return nil
}

// Select runs the priority rules and returns the chosen action, or
// ActionNone. Nothing is cached between calls.
func (k *Keeper) Select(ctx context.Context) (Action, error) {
	k.mux.Lock()
	defer k.mux.Unlock()
	return k.selectLocked(ctx)
}

func (k *Keeper) selectLocked(ctx context.Context) (Action, error) {
	tick := k.clock.BlockNumber()
	if !k.sequencer.IsLeader(k.network, tick) {
		return Action{}, nil
	}

	job, ok, err := k.jobs.FirstDue(ctx, k.network)
	if err != nil {
		return Action{}, err
	}
	if ok {
		return Action{Kind: ActionRunJob, Job: job.Handle, Args: job.Args}, nil
	}

	if k.refiller == nil {
		return Action{}, nil
	}
	should, err := k.refiller.ShouldRefill(ctx)
	if err != nil {
		return Action{}, err
	}
	if should {
		return Action{Kind: ActionRefill}, nil
	}
	return Action{}, nil
}

// Evaluate reports whether an action is due and its encoded form. checkData
// is accepted for compatibility with automation registries and not used.
func (k *Keeper) Evaluate(ctx context.Context, checkData []byte) (bool, []byte, error) {
	action, err := k.Select(ctx)
	if err != nil {
		return false, nil, err
	}
	if action.Kind == ActionNone {
		return false, nil, nil
	}
	data, err := action.Encode()
	if err != nil {
		return false, nil, err
	}
	return true, data, nil
}

// Execute performs the encoded action. Collaborator writes made before a
// failure are reverted through the journal.
func (k *Keeper) Execute(ctx context.Context, performData []byte) error {
	action, err := DecodeAction(performData)
	if err != nil {
		return err
	}

	k.mux.Lock()
	defer k.mux.Unlock()

	var evs []events.Event
	err = k.atomically(func() error {
		tick := k.clock.BlockNumber()
		if !k.sequencer.IsLeader(k.network, tick) {
			return fmt.Errorf("%w: network %q does not hold the turn at tick %d",
				errs.ErrActionNoLongerValid, k.network, tick)
		}
		var err error
		switch action.Kind {
		case ActionRunJob:
			evs, err = k.runJobLocked(ctx, action, tick)
		case ActionRefill:
			evs, err = k.refillLocked(ctx)
		}
		return err
	})
	if err != nil {
		logger.Logger.Warn("Action failed",
			zap.Stringer("action", action.Kind), zap.Stringer("job", action.Job), zap.Error(err))
		return err
	}
	k.emit(ctx, evs)
	return nil
}

// Refill runs a refill outside the keeper rotation, for administrators. It
// fails with errs.ErrRefillNotNeeded when there is nothing to do.
func (k *Keeper) Refill(ctx context.Context) (treasury.RefillResult, error) {
	k.mux.Lock()
	defer k.mux.Unlock()

	if k.refiller == nil {
		return treasury.RefillResult{}, fmt.Errorf("no refill engine: %w", errs.ErrRefillNotNeeded)
	}
	var res treasury.RefillResult
	var evs []events.Event
	err := k.atomically(func() error {
		var err error
		res, err = k.refiller.Refill(ctx)
		if err != nil {
			return err
		}
		evs = refillEvents(res)
		return nil
	})
	if err != nil {
		return treasury.RefillResult{}, err
	}
	k.emit(ctx, evs)
	return res, nil
}

func (k *Keeper) runJobLocked(ctx context.Context, action Action, tick uint64) ([]events.Event, error) {
	due, _, err := k.jobs.IsDue(ctx, action.Job, k.network)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", errs.ErrActionNoLongerValid, err)
		}
		return nil, errs.Collaborator("job "+action.Job.Hex(), err)
	}
	if !due {
		return nil, fmt.Errorf("%w: job %s is not due", errs.ErrActionNoLongerValid, action.Job)
	}
	job, ok := k.jobs.Get(action.Job)
	if !ok {
		return nil, fmt.Errorf("%w: job %s: %w", errs.ErrActionNoLongerValid, action.Job, errs.ErrNotFound)
	}
	if err := job.Execute(ctx, k.network, action.Args); err != nil {
		return nil, errs.Collaborator("job "+action.Job.Hex(), err)
	}

	logger.Logger.Info("Executed job",
		zap.Stringer("job", action.Job), zap.String("network", k.network), zap.Uint64("tick", tick))
	return []events.Event{{
		Kind: models.EventExecutedJob,
		Data: events.ExecutedJob{Job: action.Job, Network: k.network, Tick: tick},
	}}, nil
}

func (k *Keeper) refillLocked(ctx context.Context) ([]events.Event, error) {
	if k.refiller == nil {
		return nil, fmt.Errorf("%w: no refill engine configured", errs.ErrActionNoLongerValid)
	}
	should, err := k.refiller.ShouldRefill(ctx)
	if err != nil {
		return nil, err
	}
	if !should {
		return nil, fmt.Errorf("%w: refill no longer needed", errs.ErrActionNoLongerValid)
	}
	res, err := k.refiller.Refill(ctx)
	if err != nil {
		return nil, err
	}
	return refillEvents(res), nil
}

// atomically runs fn, reverting the journal if it fails and committing it
// otherwise.
func (k *Keeper) atomically(fn func() error) error {
	snap := k.journal.Snapshot()
	if err := fn(); err != nil {
		k.journal.RevertToSnapshot(snap)
		return err
	}
	k.journal.DiscardSnapshot(snap)
	return nil
}

func (k *Keeper) emit(ctx context.Context, evs []events.Event) {
	if err := k.events.Emit(ctx, evs...); err != nil {
		logger.Logger.Error("Failed to record events", zap.Int("count", len(evs)), zap.Error(err))
	}
}

func refillEvents(res treasury.RefillResult) []events.Event {
	var evs []events.Event
	if res.Surplus != nil && !res.Surplus.IsZero() {
		evs = append(evs, events.Event{
			Kind: models.EventSurplusRouted,
			Data: events.SurplusRouted{Stream: res.Stream, Amount: res.Surplus},
		})
	}
	return append(evs,
		events.Event{
			Kind: models.EventSwapped,
			Data: events.Swapped{AmountIn: res.AmountConverted, AmountOut: res.AmountReceived, MinimumOut: res.MinimumOut},
		},
		events.Event{
			Kind: models.EventRefillCompleted,
			Data: events.RefillCompleted{AmountConverted: res.AmountConverted, AmountReceived: res.AmountReceived},
		},
	)
}
