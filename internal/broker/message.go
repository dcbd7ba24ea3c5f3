package broker

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message types.
const (
	TypeTask     = "task"
	TypeProgress = "progress"
	TypeResult   = "result"
	TypeError    = "error"
	TypeControl  = "control"
)

// Message statuses. Status only moves forward: pending -> delivered -> read.
// Failed is terminal.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Broadcast targets, resolved against the agent registry at send time.
const (
	TargetBroadcast  = "broadcast"
	TargetAllWorkers = "all-workers"
	TargetAllMasters = "all-masters"
)

// AgentMessage is one unit of inter-agent communication.
type AgentMessage struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Timestamp time.Time      `json:"timestamp"`
	Content   string         `json:"content"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	ReplyTo   string         `json:"reply_to,omitempty"`

	// Recipients holds the session IDs the message fanned into at send time.
	// Persisted so inboxes can be rebuilt on startup; for a direct message it
	// is the single literal recipient.
	Recipients []string `json:"recipients"`

	// seq breaks ordering ties between messages with equal timestamps.
	seq uint64
}

func (m *AgentMessage) clone() *AgentMessage {
	cp := *m
	if m.Metadata != nil {
		cp.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	cp.Recipients = append([]string(nil), m.Recipients...)
	return &cp
}

func validMessageType(t string) bool {
	switch t {
	case TypeTask, TypeProgress, TypeResult, TypeError, TypeControl:
		return true
	}
	return false
}

// statusRank orders statuses along the forward-only lifecycle.
func statusRank(s string) int {
	switch s {
	case StatusPending:
		return 0
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	case StatusFailed:
		return 3
	}
	return -1
}

// IsBroadcastTarget reports whether to names a broadcast keyword rather than
// a literal session ID.
func IsBroadcastTarget(to string) bool {
	switch to {
	case TargetBroadcast, TargetAllWorkers, TargetAllMasters:
		return true
	}
	return false
}

// newMessageID returns a unique, time-ordered message ID. The nanosecond
// prefix keeps lexical order aligned with send order; the UUID suffix
// disambiguates same-instant sends.
func newMessageID(now time.Time) string {
	return fmt.Sprintf("msg-%020d-%s", now.UnixNano(), uuid.NewString()[:8])
}
