package models

import "encoding/json"

const (
	EventExecutedJob     = "executed_job"
	EventRefillCompleted = "refill_completed"
	EventSwapped         = "swapped"
	EventSurplusRouted   = "surplus_routed"
)

type Event struct {
	ID        string          `json:"id"`         // uuid
	Kind      string          `json:"kind"`       // one of the Event* constants
	Data      json.RawMessage `json:"data"`       // kind specific payload
	CreatedAt int64           `json:"created_at"` // unix timestamp in ms
}
