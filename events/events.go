// Package events records what the keeper did. Events are emitted only after
// an action has fully applied.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"cron-keeper/logger"
	"cron-keeper/models"
	"cron-keeper/repository"
)

type ExecutedJob struct {
	Job     common.Address `json:"job"`
	Network string         `json:"network"`
	Tick    uint64         `json:"tick"`
}

type Swapped struct {
	AmountIn   *uint256.Int `json:"amount_in"`
	AmountOut  *uint256.Int `json:"amount_out"`
	MinimumOut *uint256.Int `json:"minimum_out"`
}

type RefillCompleted struct {
	AmountConverted *uint256.Int `json:"amount_converted"`
	AmountReceived  *uint256.Int `json:"amount_received"`
}

type SurplusRouted struct {
	Stream common.Hash  `json:"stream"`
	Amount *uint256.Int `json:"amount"`
}

// Event pairs a kind from models with its payload.
type Event struct {
	Kind string
	Data any
}

type Sink interface {
	Emit(ctx context.Context, evs ...Event) error
}

// Store persists events through the repository, one transaction per Emit.
type Store struct {
	repo repository.EventRepositoryInterface
	now  func() time.Time
}

func NewStore(repo repository.EventRepositoryInterface) *Store {
	return &Store{repo: repo, now: time.Now}
}

func (s *Store) Emit(_ context.Context, evs ...Event) error {
	if len(evs) == 0 {
		return nil
	}
	ts := s.now().UnixMilli()
	records := make([]*models.Event, 0, len(evs))
	for _, e := range evs {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return err
		}
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		records = append(records, &models.Event{
			ID:        id.String(),
			Kind:      e.Kind,
			Data:      data,
			CreatedAt: ts,
		})
		logger.Logger.Info("Event emitted",
			zap.String("kind", e.Kind), zap.String("id", id.String()), zap.ByteString("data", data))
	}
	return s.repo.PutEvents(records)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(context.Context, ...Event) error { return nil }
