package models

type Network struct {
	Name   string `json:"name"`   // network identifier
	Window uint64 `json:"window"` // turn length in ticks
	Seq    uint64 `json:"seq"`    // insertion order, defines the rotation
}
