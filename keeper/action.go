package keeper

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"cron-keeper/errs"
)

type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionRunJob
	ActionRefill
)

func (k ActionKind) String() string {
	switch k {
	case ActionRunJob:
		return "run_job"
	case ActionRefill:
		return "refill"
	default:
		return "none"
	}
}

var (
	runJobSelector = crypto.Keccak256([]byte("runJob(address,bytes)"))[:4]
	refillSelector = crypto.Keccak256([]byte("refill()"))[:4]
)

// Action is the single unit of work selected by Evaluate.
type Action struct {
	Kind ActionKind
	Job  common.Address
	Args []byte
}

type runJobPayload struct {
	Job  common.Address
	Args []byte
}

// Encode returns the perform data for a: a four byte selector, followed for
// RunJob by the RLP encoded job handle and arguments.
func (a Action) Encode() ([]byte, error) {
	switch a.Kind {
	case ActionRunJob:
		payload, err := rlp.EncodeToBytes(runJobPayload{Job: a.Job, Args: a.Args})
		if err != nil {
			return nil, err
		}
		return append(bytes.Clone(runJobSelector), payload...), nil
	case ActionRefill:
		return bytes.Clone(refillSelector), nil
	default:
		return nil, errs.InvalidParam("action")
	}
}

// DecodeAction parses perform data produced by Encode.
func DecodeAction(data []byte) (Action, error) {
	if len(data) < 4 {
		return Action{}, errs.InvalidParam("performData")
	}
	selector, rest := data[:4], data[4:]
	switch {
	case bytes.Equal(selector, runJobSelector):
		var p runJobPayload
		if err := rlp.DecodeBytes(rest, &p); err != nil {
			return Action{}, fmt.Errorf("%w: %v", errs.InvalidParam("performData"), err)
		}
		return Action{Kind: ActionRunJob, Job: p.Job, Args: p.Args}, nil
	case bytes.Equal(selector, refillSelector):
		if len(rest) != 0 {
			return Action{}, errs.InvalidParam("performData")
		}
		return Action{Kind: ActionRefill}, nil
	default:
		return Action{}, errs.InvalidParam("performData")
	}
}
