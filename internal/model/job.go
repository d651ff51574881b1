package model

import "time"

// Job status constants.
const (
	StatusUnstarted  = "unstarted"
	StatusStarting   = "starting"
	StatusRunning    = "running"
	StatusSuccessful = "successful"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
	StatusTimeout    = "timeout"
)

// Isolation mode constants.
const (
	IsolationNone      = "none"
	IsolationContainer = "container"
)

// terminalStatuses is the set of statuses a job can never leave.
var terminalStatuses = map[string]bool{
	StatusSuccessful: true,
	StatusFailed:     true,
	StatusCanceled:   true,
	StatusTimeout:    true,
}

// TerminalStatus reports whether the given status is terminal.
func TerminalStatus(s string) bool {
	return terminalStatuses[s]
}

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusUnstarted: {
		StatusStarting: true,
	},
	StatusStarting: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusSuccessful: true,
		StatusFailed:     true,
		StatusCanceled:   true,
		StatusTimeout:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Job is the persisted record of one execution.
type Job struct {
	Ident       string     `json:"ident"`
	Status      string     `json:"status"`
	Isolation   string     `json:"isolation"`
	Image       string     `json:"image,omitempty"`
	RC          *int       `json:"rc,omitempty"`
	Error       string     `json:"error,omitempty"`
	ArtifactDir string     `json:"artifact_dir,omitempty"`
	DurationMS  *int       `json:"duration_ms,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// StatusRecord is the snapshot of run metadata handed to status observers on
// every transition.
type StatusRecord struct {
	Ident      string               `json:"ident"`
	Status     string               `json:"status"`
	RC         *int                 `json:"rc,omitempty"`
	Timestamps map[string]time.Time `json:"timestamps"`
}
