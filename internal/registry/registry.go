// Package registry tracks the presence and liveness of connected agent
// processes. It is the daemon's single source of truth for "which agents
// exist and what state are they in".
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nestbox/agentd/internal/bus"
)

// Agent types.
const (
	TypeMaster = "master"
	TypeWorker = "worker"
)

// Agent statuses.
const (
	StatusIdle         = "idle"
	StatusBusy         = "busy"
	StatusError        = "error"
	StatusDisconnected = "disconnected"
)

// ErrNotFound is returned by mutations against an unknown session ID.
// Callers (hook scripts fire unregister on sessions that never registered)
// must tolerate it without treating it as fatal.
var ErrNotFound = errors.New("agent not found")

// DefaultTimeout is how long an agent may go without a heartbeat before the
// sweep marks it disconnected.
const DefaultTimeout = 5 * time.Minute

// AgentRecord is the identity and liveness of one connected agent.
type AgentRecord struct {
	SessionID       string         `json:"session_id"`
	Type            string         `json:"type"`
	Label           string         `json:"label"`
	Status          string         `json:"status"`
	AgentConfigName string         `json:"agent_config_name"`
	WorkingDir      string         `json:"working_dir"`
	ParentID        string         `json:"parent_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	LastHeartbeat   time.Time      `json:"last_heartbeat"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

func (r *AgentRecord) clone() *AgentRecord {
	cp := *r
	if r.Metadata != nil {
		cp.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// RegisterParams carries the caller-supplied fields for Register.
type RegisterParams struct {
	SessionID       string
	Type            string
	Label           string
	AgentConfigName string
	WorkingDir      string
	ParentID        string
	Metadata        map[string]any
}

// QueryFilter selects agents in Query. Zero-valued fields do not filter.
type QueryFilter struct {
	Type            string
	Status          string
	ParentID        string
	AgentConfigName string
}

// Registry is an in-memory table of agent records guarded by one lock.
// Every mutation emits a typed bus event carrying a snapshot of the record,
// published only after the mutation has committed.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*AgentRecord

	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time
}

// New creates an empty Registry publishing events on b.
func New(b *bus.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents: make(map[string]*AgentRecord),
		bus:    b,
		logger: logger,
		now:    time.Now,
	}
}

func validType(t string) bool {
	return t == TypeMaster || t == TypeWorker
}

func validStatus(s string) bool {
	switch s {
	case StatusIdle, StatusBusy, StatusError, StatusDisconnected:
		return true
	}
	return false
}

// Register creates (or replaces) the record for params.SessionID and returns
// a snapshot. A new record starts idle with lastHeartbeat == createdAt.
// Re-registering a live session ID replaces the previous record; hook scripts
// re-fire registration when a CLI session resumes.
func (r *Registry) Register(params RegisterParams) (*AgentRecord, error) {
	if params.SessionID == "" {
		return nil, fmt.Errorf("session_id must be non-empty")
	}
	if !validType(params.Type) {
		return nil, fmt.Errorf("invalid agent type %q", params.Type)
	}

	now := r.now()
	rec := &AgentRecord{
		SessionID:       params.SessionID,
		Type:            params.Type,
		Label:           params.Label,
		Status:          StatusIdle,
		AgentConfigName: params.AgentConfigName,
		WorkingDir:      params.WorkingDir,
		ParentID:        params.ParentID,
		CreatedAt:       now,
		LastHeartbeat:   now,
		Metadata:        params.Metadata,
	}

	r.mu.Lock()
	_, replaced := r.agents[params.SessionID]
	r.agents[params.SessionID] = rec
	snapshot := rec.clone()
	r.mu.Unlock()

	r.logger.Info("agent registered",
		"session_id", params.SessionID,
		"type", params.Type,
		"label", params.Label,
		"replaced", replaced,
	)
	r.publish(bus.TopicAgentRegistered, snapshot)
	return snapshot, nil
}

// Get returns a snapshot of the record for sessionID, or nil if absent.
func (r *Registry) Get(sessionID string) *AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[sessionID]
	if !ok {
		return nil
	}
	return rec.clone()
}

// UpdateStatus sets the status for sessionID and returns a snapshot.
// Returns ErrNotFound for an unknown session ID.
func (r *Registry) UpdateStatus(sessionID, status string) (*AgentRecord, error) {
	if !validStatus(status) {
		return nil, fmt.Errorf("invalid agent status %q", status)
	}

	r.mu.Lock()
	rec, ok := r.agents[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	rec.Status = status
	snapshot := rec.clone()
	r.mu.Unlock()

	r.publish(bus.TopicAgentUpdated, snapshot)
	return snapshot, nil
}

// Heartbeat stamps the record's lastHeartbeat. The stamp never moves
// backwards, even against a skewed clock.
func (r *Registry) Heartbeat(sessionID string) (*AgentRecord, error) {
	now := r.now()

	r.mu.Lock()
	rec, ok := r.agents[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	if now.After(rec.LastHeartbeat) {
		rec.LastHeartbeat = now
	}
	snapshot := rec.clone()
	r.mu.Unlock()

	r.publish(bus.TopicAgentHeartbeat, snapshot)
	return snapshot, nil
}

// Unregister removes the record for sessionID. Returns false if absent.
func (r *Registry) Unregister(sessionID string) bool {
	r.mu.Lock()
	rec, ok := r.agents[sessionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.agents, sessionID)
	snapshot := rec.clone()
	r.mu.Unlock()

	r.logger.Info("agent unregistered", "session_id", sessionID)
	r.publish(bus.TopicAgentUnregistered, snapshot)
	return true
}

// Query returns snapshots of all records matching the filter.
func (r *Registry) Query(filter QueryFilter) []*AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*AgentRecord
	for _, rec := range r.agents {
		if filter.Type != "" && rec.Type != filter.Type {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.ParentID != "" && rec.ParentID != filter.ParentID {
			continue
		}
		if filter.AgentConfigName != "" && rec.AgentConfigName != filter.AgentConfigName {
			continue
		}
		out = append(out, rec.clone())
	}
	return out
}

// All returns snapshots of every record.
func (r *Registry) All() []*AgentRecord {
	return r.Query(QueryFilter{})
}

// Count returns the number of live records.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// MarkStale transitions every record whose last heartbeat is older than
// timeout (and that is not already disconnected) to disconnected, emitting
// agent.updated for each. The record is only marked, never removed: liveness
// detection is advisory, not process supervision. Returns the number of
// records transitioned.
func (r *Registry) MarkStale(timeout time.Duration) int {
	now := r.now()

	r.mu.Lock()
	var stale []*AgentRecord
	for _, rec := range r.agents {
		if rec.Status == StatusDisconnected {
			continue
		}
		if now.Sub(rec.LastHeartbeat) > timeout {
			rec.Status = StatusDisconnected
			stale = append(stale, rec.clone())
		}
	}
	r.mu.Unlock()

	for _, snapshot := range stale {
		r.logger.Warn("agent heartbeat timed out",
			"session_id", snapshot.SessionID,
			"last_heartbeat", snapshot.LastHeartbeat,
		)
		r.publish(bus.TopicAgentUpdated, snapshot)
	}
	return len(stale)
}

func (r *Registry) publish(topic string, rec *AgentRecord) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(topic, bus.AgentEvent{
		SessionID: rec.SessionID,
		Type:      rec.Type,
		Status:    rec.Status,
		Label:     rec.Label,
		At:        r.now(),
	})
}
