// Package queue implements the durable upload task table: one row per
// (file, remote) pair, claimed by workers, retried with backoff, and
// observable as a live stream.
package queue

import (
	"time"

	"github.com/pkg/errors"
	"github.com/vaultsync/vaultsync/remote"
)

// State of an upload task
type State byte

// Task states
const (
	StatePending State = iota
	StateInProgress
	StateSuccess
	StateFailed
)

// stateNames are the wire names of the states
var stateNames = map[State]string{
	StatePending:    "pending",
	StateInProgress: "inProgress",
	StateSuccess:    "success",
	StateFailed:     "failed",
}

// String returns the state as a string
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText turns a state into text
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText turns text into a state
func (s *State) UnmarshalText(text []byte) error {
	name := string(text)
	for state, stateName := range stateNames {
		if stateName == name {
			*s = state
			return nil
		}
	}
	return errors.Errorf("unknown task state %q", name)
}

// TaskID makes the id of the upload task for fileID at remoteID.
// There is exactly one task per pair, so the id is deterministic.
func TaskID(fileID, remoteID string) string {
	return fileID + "_" + remoteID
}

// Task is one upload of one file to one remote
type Task struct {
	ID              string         `json:"id"`
	FileID          string         `json:"fileId"`
	RemoteID        string         `json:"remoteId"`
	State           State          `json:"state"`
	Progress        float64        `json:"progress"`
	ErrorMessage    string         `json:"errorMessage,omitempty"`
	UploadedLocator remote.Locator `json:"uploadedLocator,omitempty"`
	AttemptCount    int            `json:"attemptCount"`
	MaxAttempts     int            `json:"maxAttempts"`
	LastAttemptAt   time.Time      `json:"lastAttemptAt"`
	NextRetryAt     time.Time      `json:"nextRetryAt"`
	CreatedAt       time.Time      `json:"createdAt"`
	CompletedAt     time.Time      `json:"completedAt"`
}

// Eligible reports whether the task can be claimed at now.  Pending
// tasks wait for their backoff gate; failed tasks additionally need
// attempt budget left.  A zero NextRetryAt is an open gate.
func (t *Task) Eligible(now time.Time) bool {
	switch t.State {
	case StatePending:
		return !t.NextRetryAt.After(now)
	case StateFailed:
		return t.AttemptCount < t.MaxAttempts && !t.NextRetryAt.After(now)
	}
	return false
}

// Terminal reports whether the task will never run again without a
// manual retry.
func (t *Task) Terminal() bool {
	switch t.State {
	case StateSuccess:
		return true
	case StateFailed:
		return t.AttemptCount >= t.MaxAttempts
	}
	return false
}
