package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cron-keeper/errs"
)

var ErrTimerNotElapsed = errors.New("timer hasn't elapsed")

// Clock reports the current tick (block number).
type Clock interface {
	BlockNumber() uint64
}

type timerState struct {
	maxDuration uint64
	last        uint64
	ran         bool
}

// Timers owns the cooldown state of every timer job it hands out. Jobs are
// indices into the arena, so the state lives in one place and is never
// shared through globals.
type Timers struct {
	mux    sync.Mutex
	clock  Clock
	states []timerState
}

func NewTimers(clock Clock) *Timers {
	return &Timers{clock: clock}
}

// New allocates a job that becomes due every maxDuration ticks.
func (t *Timers) New(maxDuration uint64) (*TimerJob, error) {
	if maxDuration == 0 {
		return nil, errs.InvalidParam("maxDuration")
	}
	t.mux.Lock()
	defer t.mux.Unlock()
	t.states = append(t.states, timerState{maxDuration: maxDuration})
	return &TimerJob{arena: t, idx: len(t.states) - 1}, nil
}

// TimerJob runs at most once per maxDuration ticks.
type TimerJob struct {
	arena *Timers
	idx   int
}

func (j *TimerJob) IsDue(_ context.Context, _ string) (bool, []byte, error) {
	j.arena.mux.Lock()
	defer j.arena.mux.Unlock()
	return j.arena.dueLocked(j.idx), nil, nil
}

func (j *TimerJob) Execute(_ context.Context, network string, _ []byte) error {
	a := j.arena
	a.mux.Lock()
	defer a.mux.Unlock()
	if !a.dueLocked(j.idx) {
		return fmt.Errorf("%s: %w", network, ErrTimerNotElapsed)
	}
	a.states[j.idx].last = a.clock.BlockNumber()
	a.states[j.idx].ran = true
	return nil
}

// Last returns the tick of the last execution and whether it ever ran.
func (j *TimerJob) Last() (uint64, bool) {
	j.arena.mux.Lock()
	defer j.arena.mux.Unlock()
	s := j.arena.states[j.idx]
	return s.last, s.ran
}

func (t *Timers) dueLocked(idx int) bool {
	s := t.states[idx]
	return !s.ran || t.clock.BlockNumber() >= s.last+s.maxDuration
}
