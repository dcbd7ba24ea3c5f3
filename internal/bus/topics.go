package bus

import "time"

// Session registry event topics.
const (
	TopicSessionRegistered   = "session.registered"
	TopicSessionUnregistered = "session.unregistered"
	TopicSessionCrashed      = "session.crashed"
)

// Plugin lifecycle event topics. Events emitted by a plugin itself use the
// "plugin:<name>:" namespace assigned by its context, not these.
const (
	TopicPluginLoaded   = "plugin.loaded"
	TopicPluginUnloaded = "plugin.unloaded"
	TopicPluginError    = "plugin.error"
)

// Task report topic, published when a worker reports task completion.
const (
	TopicTaskCompletion = "task.completion"
)

// AgentEvent is published on every agent registry mutation. It carries a
// snapshot of the record at the time of the mutation, not a live reference.
type AgentEvent struct {
	SessionID string    // Agent session ID
	Type      string    // "master" or "worker"
	Status    string    // Status after the mutation
	Label     string    // Display name
	At        time.Time // When the mutation committed
}

// MessageEvent is published when a message is sent or changes status.
type MessageEvent struct {
	MessageID string // Message ID
	From      string // Sender session ID
	To        string // Recipient target (may be a broadcast keyword)
	Type      string // Message type (task, progress, result, error, control)
	Status    string // Status after the mutation
}

// SessionEvent is published on session registry transitions.
type SessionEvent struct {
	SessionID string // CLI session ID
	AgentName string // Agent definition name
	PID       int    // OS process ID
	Status    string // "active", "terminated", or "crashed"
}

// PluginEvent is published on plugin manager transitions.
type PluginEvent struct {
	Name   string // Plugin name
	Status string // Status after the transition
	Error  string // Error message for error transitions
}

// TaskCompletionEvent is published when an agent reports a finished task.
type TaskCompletionEvent struct {
	SessionID  string  // Reporting agent session ID
	TaskID     string  // Task identifier assigned by the orchestrator
	Status     string  // "completed" or "failed"
	DurationMS float64 // Wall-clock task duration in milliseconds
}
