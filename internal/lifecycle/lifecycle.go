// Package lifecycle defines the daemon's service states and the status
// snapshot reported to clients.
package lifecycle

import (
	"errors"
	"fmt"
	"time"
)

// State is the supervisor's lifecycle state.
type State string

const (
	Stopped  State = "stopped"
	Starting State = "starting"
	Running  State = "running"
	Draining State = "draining"
	Failed   State = "failed"
)

// ErrInvalidTransition is returned for a transition the state machine
// does not allow.
var ErrInvalidTransition = errors.New("lifecycle: invalid state transition")

var transitions = map[State][]State{
	Stopped:  {Starting},
	Starting: {Running, Stopped},
	Running:  {Draining},
	Draining: {Stopped},
	Failed:   {Starting, Stopped},
}

// CanTransition reports whether from → to is allowed. Failed is
// reachable from every state.
func CanTransition(from, to State) bool {
	if to == Failed {
		return from != Failed
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition validates from → to.
func Transition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// StopReport describes the last drain.
type StopReport struct {
	Flushed  int  `json:"flushed"`
	Lost     int  `json:"lost"`
	TimedOut bool `json:"timed_out"`
	// WriterBusy means a store write outlived the drain. The store is
	// closed and the lock released once it returns.
	WriterBusy bool      `json:"writer_busy,omitempty"`
	Warning    string    `json:"warning,omitempty"`
	At         time.Time `json:"at"`
}

// Holder identifies the process owning the instance lock.
type Holder struct {
	PID        int       `json:"pid"`
	InstanceID string    `json:"instance_id"`
	StartedAt  time.Time `json:"started_at"`
	Heartbeat  time.Time `json:"heartbeat"`
	// Stale is set when the heartbeat is older than the configured limit
	// while the lock is still held.
	Stale bool `json:"stale"`
}

// Status is a point-in-time view of the daemon.
type Status struct {
	State           State         `json:"state"`
	PID             int           `json:"pid"`
	InstanceID      string        `json:"instance_id"`
	StartedAt       time.Time     `json:"started_at"`
	Uptime          time.Duration `json:"uptime"`
	QueueDepth      int           `json:"queue_depth"`
	QueueCapacity   int           `json:"queue_capacity"`
	Accepted        uint64        `json:"accepted"`
	Persisted       uint64        `json:"persisted"`
	Duplicates      uint64        `json:"duplicates"`
	Rejected        uint64        `json:"rejected"`
	Dropped         uint64        `json:"dropped"`
	StorageDegraded bool          `json:"storage_degraded"`
	LastStorageErr  string        `json:"last_storage_error,omitempty"`
	FailureReason   string        `json:"failure_reason,omitempty"`
	LastStop        *StopReport   `json:"last_stop,omitempty"`
	Holder          *Holder       `json:"holder,omitempty"`
}
