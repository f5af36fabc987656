package sequencer

import (
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"cron-keeper/errs"
	"cron-keeper/logger"
	"cron-keeper/models"
	"cron-keeper/repository"
)

// Sequencer implements round-robin leader election over registered networks.
// Each network owns a contiguous range of the rotation sized by its window;
// the leader at a tick is the owner of tick mod the total window.
type Sequencer struct {
	repo          repository.NetworkRepositoryInterface
	mux           sync.RWMutex
	networks      []models.Network
	defaultWindow uint64
}

// NewSequencer loads the persisted rotation.
func NewSequencer(repo repository.NetworkRepositoryInterface, defaultWindow uint64) (*Sequencer, error) {
	if defaultWindow == 0 {
		return nil, errs.InvalidParam("window")
	}
	stored, err := repo.GetAllNetworks()
	if err != nil {
		return nil, err
	}
	s := &Sequencer{repo: repo, defaultWindow: defaultWindow}
	for _, n := range stored {
		s.networks = append(s.networks, *n)
	}
	return s, nil
}

func (s *Sequencer) DefaultWindow() uint64 {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.defaultWindow
}

// SetDefaultWindow changes the window given to networks added without one.
func (s *Sequencer) SetDefaultWindow(window uint64) error {
	if window == 0 {
		return errs.InvalidParam("window")
	}
	s.mux.Lock()
	s.defaultWindow = window
	s.mux.Unlock()
	return nil
}

// AddNetwork appends a network to the end of the rotation.
func (s *Sequencer) AddNetwork(name string, window uint64) error {
	if name == "" {
		return errs.InvalidParam("network")
	}
	if window == 0 {
		return errs.InvalidParam("window")
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	if s.indexOf(name) >= 0 {
		return fmt.Errorf("network %q: %w", name, errs.ErrAlreadyRegistered)
	}
	if _, ok := sumWindows(s.networks, window); !ok {
		return errs.InvalidParam("window")
	}

	n := models.Network{Name: name, Window: window, Seq: s.nextSeq()}
	if err := s.repo.PutNetwork(&n); err != nil {
		return err
	}
	s.networks = append(s.networks, n)

	logger.Logger.Info("Network added",
		zap.String("network", name), zap.Uint64("window", window))
	return nil
}

// AddNetworkDefault adds a network using the shared default window.
func (s *Sequencer) AddNetworkDefault(name string) error {
	return s.AddNetwork(name, s.DefaultWindow())
}

// RemoveNetwork drops a network; the mapping changes for every later tick.
func (s *Sequencer) RemoveNetwork(name string) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	i := s.indexOf(name)
	if i < 0 {
		return fmt.Errorf("network %q: %w", name, errs.ErrNotFound)
	}
	if err := s.repo.DeleteNetwork(name); err != nil {
		return err
	}
	s.networks = append(s.networks[:i:i], s.networks[i+1:]...)

	logger.Logger.Info("Network removed", zap.String("network", name))
	return nil
}

// SetWindow updates the window of a registered network in place.
func (s *Sequencer) SetWindow(name string, window uint64) error {
	if window == 0 {
		return errs.InvalidParam("window")
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	i := s.indexOf(name)
	if i < 0 {
		return fmt.Errorf("network %q: %w", name, errs.ErrNotFound)
	}
	others := append(s.networks[:i:i], s.networks[i+1:]...)
	if _, ok := sumWindows(others, window); !ok {
		return errs.InvalidParam("window")
	}

	n := s.networks[i]
	n.Window = window
	if err := s.repo.PutNetwork(&n); err != nil {
		return err
	}
	s.networks[i] = n

	logger.Logger.Info("Network window updated",
		zap.String("network", name), zap.Uint64("window", window))
	return nil
}

// Leader returns the network holding the turn at tick. ok is false when no
// network is registered.
func (s *Sequencer) Leader(tick uint64) (string, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	total, _ := sumWindows(s.networks, 0)
	if total == 0 {
		return "", false
	}
	pos := tick % total
	var start uint64
	for _, n := range s.networks {
		if pos < start+n.Window {
			return n.Name, true
		}
		start += n.Window
	}
	// unreachable: the ranges partition [0, total)
	return "", false
}

// IsLeader reports whether name holds the turn at tick.
func (s *Sequencer) IsLeader(name string, tick uint64) bool {
	leader, ok := s.Leader(tick)
	return ok && leader == name
}

// Networks returns a copy of the rotation in order.
func (s *Sequencer) Networks() []models.Network {
	s.mux.RLock()
	defer s.mux.RUnlock()
	out := make([]models.Network, len(s.networks))
	copy(out, s.networks)
	return out
}

func (s *Sequencer) TotalWindow() uint64 {
	s.mux.RLock()
	defer s.mux.RUnlock()
	total, _ := sumWindows(s.networks, 0)
	return total
}

func (s *Sequencer) indexOf(name string) int {
	for i, n := range s.networks {
		if n.Name == name {
			return i
		}
	}
	return -1
}

func (s *Sequencer) nextSeq() uint64 {
	if len(s.networks) == 0 {
		return 1
	}
	return s.networks[len(s.networks)-1].Seq + 1
}

// sumWindows adds extra to the windows of networks, reporting false on overflow.
func sumWindows(networks []models.Network, extra uint64) (uint64, bool) {
	total := extra
	for _, n := range networks {
		if n.Window > math.MaxUint64-total {
			return 0, false
		}
		total += n.Window
	}
	return total, true
}
