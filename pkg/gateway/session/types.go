package session

import (
	"time"
)

// Status is the lifecycle state of a desktop session.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusError      Status = "error"
	StatusTerminated Status = "terminated"
)

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusError, StatusTerminated},
	StatusRunning: {StatusTerminated, StatusError},
}

// CanTransition reports whether a session may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	return s == StatusError || s == StatusTerminated
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusError, StatusTerminated:
		return true
	}
	return false
}

// Session is one lease on a remote desktop.
type Session struct {
	ID             string
	OwnerID        string
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
	TimeoutAt      time.Time
	StreamEndpoint string
	LastError      string
	StoppedAt      *time.Time
}

// Stopped reports whether teardown has already been requested and recorded.
func (s *Session) Stopped() bool {
	return s.Status == StatusTerminated || s.StoppedAt != nil
}

// Desktop is the provisioning backend's view of a desktop.
type Desktop struct {
	ID             string `json:"id"`
	Status         Status `json:"status"`
	StreamEndpoint string `json:"streamEndpoint,omitempty"`
	Message        string `json:"message,omitempty"`
}

// ProvisionRequest asks the backend for a new desktop.
type ProvisionRequest struct {
	OwnerID   string `json:"ownerId"`
	TimeoutMs int64  `json:"timeoutMs"`
}
