// Package protocol defines the wire format spoken on the daemon socket.
//
// Clients write newline-delimited JSON. Two line shapes exist, told apart
// by which fields are present:
//
//   - hook-event push: {hook_name, event_type, session_id, timestamp, data}.
//     The daemon answers each line with {success, error?} and keeps the
//     connection open for further pushes.
//   - action command: {action, ...params}. The daemon writes exactly one
//     response line and closes the connection.
//
// Responses are flat: {success, <payload fields>, error?}.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the current socket protocol version.
const ProtocolVersion = "1.0"

// Action names accepted by the command router.
const (
	ActionRegisterAgent     = "register_agent"
	ActionUnregisterAgent   = "unregister_agent"
	ActionUpdateAgentStatus = "update_agent_status"
	ActionAgentHeartbeat    = "agent_heartbeat"
	ActionGetAgent          = "get_agent"
	ActionListAgents        = "list_agents"
	ActionGetAllAgents      = "get_all_agents"

	ActionSendMessage      = "send_message"
	ActionGetMessages      = "get_messages"
	ActionMarkMessagesRead = "mark_messages_read"
	ActionQueryMessages    = "query_messages"
	ActionTaskCompletion   = "task_completion"

	ActionRegisterSession   = "register_session"
	ActionUnregisterSession = "unregister_session"
	ActionListSessions      = "list_sessions"
	ActionQueryArchive      = "query_archive"
	ActionListTaskReports   = "list_task_reports"

	ActionLoadPlugin   = "load_plugin"
	ActionUnloadPlugin = "unload_plugin"
	ActionReloadPlugin = "reload_plugin"
	ActionListPlugins  = "list_plugins"
	ActionPluginHealth = "plugin_health"

	ActionPing         = "ping"
	ActionDaemonStatus = "daemon_status"
	ActionShutdown     = "shutdown"
)

// Hook event types handled by the listener's event map.
const (
	EventSessionStart  = "session_start"
	EventSessionEnd    = "session_end"
	EventTaskStarted   = "task_started"
	EventTaskCompleted = "task_completed"
	EventHeartbeat     = "heartbeat"
)

// Kind classifies a decoded request line.
type Kind int

const (
	KindUnknown Kind = iota
	KindAction
	KindHookEvent
)

// probe holds just enough of a line to classify it.
type probe struct {
	Action    string `json:"action"`
	HookName  string `json:"hook_name"`
	EventType string `json:"event_type"`
}

// Classify reports the shape of a request line and, for actions, the
// action name. Malformed JSON returns an error; a line that is valid
// JSON but matches neither shape returns KindUnknown.
func Classify(line []byte) (Kind, string, error) {
	var p probe
	if err := json.Unmarshal(line, &p); err != nil {
		return KindUnknown, "", fmt.Errorf("parse request line: %w", err)
	}
	if p.Action != "" {
		return KindAction, p.Action, nil
	}
	if p.HookName != "" || p.EventType != "" {
		return KindHookEvent, "", nil
	}
	return KindUnknown, "", nil
}

// HookEvent is the fire-and-forget telemetry push shape.
type HookEvent struct {
	HookName  string         `json:"hook_name"`
	EventType string         `json:"event_type"`
	SessionID string         `json:"session_id"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// DecodeParams unmarshals a request line into an action-specific
// parameter struct. Params sit flat beside the action field, so the
// whole line decodes directly.
func DecodeParams(line []byte, dst any) error {
	if err := json.Unmarshal(line, dst); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

// Action parameter shapes.

type RegisterAgentParams struct {
	SessionID  string         `json:"session_id"`
	Type       string         `json:"type"`
	Label      string         `json:"label"`
	Config     string         `json:"config"`
	WorkingDir string         `json:"working_dir"`
	ParentID   string         `json:"parent_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type SessionIDParams struct {
	SessionID string `json:"session_id"`
}

type UpdateAgentStatusParams struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

type ListAgentsParams struct {
	Type     string `json:"type,omitempty"`
	Status   string `json:"status,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
	Config   string `json:"config,omitempty"`
}

type SendMessageParams struct {
	From     string         `json:"from"`
	To       string         `json:"to"`
	Type     string         `json:"type"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	ReplyTo  string         `json:"reply_to,omitempty"`
}

type GetMessagesParams struct {
	SessionID  string `json:"session_id"`
	UnreadOnly bool   `json:"unread_only,omitempty"`
}

type MarkMessagesReadParams struct {
	SessionID  string   `json:"session_id"`
	MessageIDs []string `json:"message_ids"`
}

type QueryMessagesParams struct {
	Type   string `json:"type,omitempty"`
	Status string `json:"status,omitempty"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Since  string `json:"since,omitempty"`
}

type TaskReportParams struct {
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration"`
}

type TaskCompletionParams struct {
	SessionID string           `json:"session_id"`
	Report    TaskReportParams `json:"report"`
}

type RegisterSessionParams struct {
	SessionID        string            `json:"session_id"`
	AgentName        string            `json:"agent_name"`
	PID              int               `json:"pid"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
	GitRepo          string            `json:"git_repo,omitempty"`
	GitBranch        string            `json:"git_branch,omitempty"`
	Environment      map[string]string `json:"environment,omitempty"`
}

type QueryArchiveParams struct {
	AgentName string `json:"agent_name,omitempty"`
	Status    string `json:"status,omitempty"`
	Since     string `json:"since,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type ListTaskReportsParams struct {
	SessionID string `json:"session_id"`
	Limit     int    `json:"limit,omitempty"`
}

type LoadPluginParams struct {
	Name     string         `json:"name"`
	Type     string         `json:"type,omitempty"`
	Path     string         `json:"path,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

type PluginNameParams struct {
	Name string `json:"name"`
}

// Response is the flat reply envelope written back to the client.
type Response map[string]any

// NewSuccess builds a success response ready for payload fields.
func NewSuccess() Response {
	return Response{"success": true}
}

// NewError builds a failure response carrying the given message.
func NewError(msg string) Response {
	return Response{"success": false, "error": msg}
}

// NewErrorf builds a failure response from a format string.
func NewErrorf(format string, args ...any) Response {
	return NewError(fmt.Sprintf(format, args...))
}

// Set adds a payload field and returns the response for chaining.
func (r Response) Set(key string, v any) Response {
	r[key] = v
	return r
}

// OK reports whether the response carries success=true.
func (r Response) OK() bool {
	ok, _ := r["success"].(bool)
	return ok
}

// Encode marshals the response followed by the line delimiter.
func (r Response) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return append(data, '\n'), nil
}
