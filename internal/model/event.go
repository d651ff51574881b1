package model

import "encoding/json"

// Event record kinds.
const (
	EventKindStatus = "status"
	EventKindEngine = "engine"
)

// EventRecord is one structured record parsed from the engine's output
// stream. Counter values are assigned per job starting at 0 and are stable
// once persisted. StartLine and EndLine are offsets into the raw stdout
// capture. The payload is opaque to the orchestration core.
type EventRecord struct {
	Counter   int             `json:"counter"`
	Kind      string          `json:"kind"`
	UUID      string          `json:"uuid"`
	StartLine int             `json:"start_line"`
	EndLine   int             `json:"end_line"`
	Payload   json.RawMessage `json:"payload"`
}
