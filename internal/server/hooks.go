package server

import (
	"context"

	"github.com/nestbox/agentd/internal/bus"
	"github.com/nestbox/agentd/internal/protocol"
	"github.com/nestbox/agentd/internal/registry"
)

func (s *Server) hookTable() map[string]hookHandler {
	return map[string]hookHandler{
		protocol.EventSessionStart:  s.hookSessionStart,
		protocol.EventSessionEnd:    s.hookSessionEnd,
		protocol.EventTaskStarted:   s.hookTaskStarted,
		protocol.EventTaskCompleted: s.hookTaskCompleted,
		protocol.EventHeartbeat:     s.hookHeartbeat,
	}
}

// hookSessionStart announces a new session on the bus. Agents register
// themselves through the register_agent action; the hook only makes the
// start visible to subscribers.
func (s *Server) hookSessionStart(_ context.Context, ev *protocol.HookEvent) error {
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.TopicSessionRegistered, ev)
	}
	return nil
}

// hookSessionEnd tears down whatever the session left behind. Both
// removals are idempotent, so a session that never registered an agent
// still gets a success response.
func (s *Server) hookSessionEnd(_ context.Context, ev *protocol.HookEvent) error {
	if s.cfg.Registry != nil {
		s.cfg.Registry.Unregister(ev.SessionID)
	}
	if s.cfg.Sessions != nil {
		s.cfg.Sessions.Unregister(ev.SessionID)
	}
	return nil
}

func (s *Server) hookTaskStarted(_ context.Context, ev *protocol.HookEvent) error {
	if s.cfg.Registry == nil {
		return nil
	}
	if _, err := s.cfg.Registry.UpdateStatus(ev.SessionID, registry.StatusBusy); err != nil {
		s.logger.Debug("task_started for unregistered agent", "session_id", ev.SessionID)
	}
	return nil
}

func (s *Server) hookTaskCompleted(_ context.Context, ev *protocol.HookEvent) error {
	if s.cfg.Registry != nil {
		if _, err := s.cfg.Registry.UpdateStatus(ev.SessionID, registry.StatusIdle); err != nil {
			s.logger.Debug("task_completed for unregistered agent", "session_id", ev.SessionID)
		}
	}
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.TopicTaskCompletion, bus.TaskCompletionEvent{
			SessionID:  ev.SessionID,
			TaskID:     stringField(ev.Data, "task_id"),
			Status:     stringField(ev.Data, "status"),
			DurationMS: floatField(ev.Data, "duration_ms"),
		})
	}
	return nil
}

func (s *Server) hookHeartbeat(ctx context.Context, ev *protocol.HookEvent) error {
	if s.cfg.Registry == nil {
		return nil
	}
	if _, err := s.cfg.Registry.Heartbeat(ev.SessionID); err != nil {
		return err
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.HeartbeatsTotal.Add(ctx, 1)
	}
	return nil
}

func stringField(data map[string]any, key string) string {
	v, _ := data[key].(string)
	return v
}

func floatField(data map[string]any, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
