package server

import (
	"context"
	"os"
	"time"

	"github.com/nestbox/agentd/internal/archive"
	"github.com/nestbox/agentd/internal/broker"
	"github.com/nestbox/agentd/internal/bus"
	"github.com/nestbox/agentd/internal/plugin"
	"github.com/nestbox/agentd/internal/protocol"
	"github.com/nestbox/agentd/internal/registry"
	"github.com/nestbox/agentd/internal/session"
)

func (s *Server) actionTable() map[string]actionHandler {
	return map[string]actionHandler{
		protocol.ActionRegisterAgent:     s.handleRegisterAgent,
		protocol.ActionUnregisterAgent:   s.handleUnregisterAgent,
		protocol.ActionUpdateAgentStatus: s.handleUpdateAgentStatus,
		protocol.ActionAgentHeartbeat:    s.handleAgentHeartbeat,
		protocol.ActionGetAgent:          s.handleGetAgent,
		protocol.ActionListAgents:        s.handleListAgents,
		protocol.ActionGetAllAgents:      s.handleGetAllAgents,

		protocol.ActionSendMessage:      s.handleSendMessage,
		protocol.ActionGetMessages:      s.handleGetMessages,
		protocol.ActionMarkMessagesRead: s.handleMarkMessagesRead,
		protocol.ActionQueryMessages:    s.handleQueryMessages,
		protocol.ActionTaskCompletion:   s.handleTaskCompletion,

		protocol.ActionRegisterSession:   s.handleRegisterSession,
		protocol.ActionUnregisterSession: s.handleUnregisterSession,
		protocol.ActionListSessions:      s.handleListSessions,
		protocol.ActionQueryArchive:      s.handleQueryArchive,
		protocol.ActionListTaskReports:   s.handleListTaskReports,

		protocol.ActionLoadPlugin:   s.handleLoadPlugin,
		protocol.ActionUnloadPlugin: s.handleUnloadPlugin,
		protocol.ActionReloadPlugin: s.handleReloadPlugin,
		protocol.ActionListPlugins:  s.handleListPlugins,
		protocol.ActionPluginHealth: s.handlePluginHealth,

		protocol.ActionPing:         s.handlePing,
		protocol.ActionDaemonStatus: s.handleDaemonStatus,
		protocol.ActionShutdown:     s.handleShutdown,
	}
}

func (s *Server) needRegistry() (*registry.Registry, protocol.Response) {
	if s.cfg.Registry == nil {
		return nil, protocol.NewError("agent registry unavailable")
	}
	return s.cfg.Registry, nil
}

func (s *Server) needBroker() (*broker.Broker, protocol.Response) {
	if s.cfg.Broker == nil {
		return nil, protocol.NewError("message broker unavailable")
	}
	return s.cfg.Broker, nil
}

func (s *Server) needSessions() (*session.Registry, protocol.Response) {
	if s.cfg.Sessions == nil {
		return nil, protocol.NewError("session registry unavailable")
	}
	return s.cfg.Sessions, nil
}

func (s *Server) needPlugins() (*plugin.Manager, protocol.Response) {
	if s.cfg.Plugins == nil {
		return nil, protocol.NewError("plugin manager unavailable")
	}
	return s.cfg.Plugins, nil
}

// Agent actions.

func (s *Server) handleRegisterAgent(_ context.Context, line []byte) protocol.Response {
	reg, fail := s.needRegistry()
	if fail != nil {
		return fail
	}
	var p protocol.RegisterAgentParams
	if err := protocol.DecodeParams(line, &p); err != nil {
		return protocol.NewError(err.Error())
	}
	rec, err := reg.Register(registry.RegisterParams{
		SessionID:       p.SessionID,
		Type:            p.Type,
		Label:           p.Label,
		AgentConfigName: p.Config,
		WorkingDir:      p.WorkingDir,
		ParentID:        p.ParentID,
		Metadata:        p.Metadata,
	})
	if err != nil {
		return protocol.NewError(err.Error())
	}
	return protocol.NewSuccess().Set("agent", rec)
}

func (s *Server) handleUnregisterAgent(_ context.Context, line []byte) protocol.Response {
	reg, fail := s.needRegistry()
	if fail != nil {
		return fail
	}
	var p protocol.SessionIDParams
	if err := protocol.DecodeParams(line, &p); err != nil {
		return protocol.NewError(err.Error())
	}
	if !reg.Unregister(p.SessionID) {
		return protocol.NewErrorf("agent not found: %s", p.SessionID)
	}
	return protocol.NewSuccess().Set("session_id", p.SessionID)
}

func (s *Server) handleUpdateAgentStatus(_ context.Context, line []byte) protocol.Response {
	reg, fail := s.needRegistry()
	if fail != nil {
		return fail
	}
	var p protocol.UpdateAgentStatusParams
	if err := protocol.DecodeParams(line, &p); err != nil {
		return protocol.NewError(err.Error())
	}
	rec, err := reg.UpdateStatus(p.SessionID, p.Status)
	if err != nil {
		return protocol.NewError(err.Error())
	}
	return protocol.NewSuccess().Set("agent", rec)
}

func (s *Server) handleAgentHeartbeat(ctx context.Context, line []byte) protocol.Response {
	reg, fail := s.needRegistry()
	if fail != nil {
		return fail
	}
	var p protocol.SessionIDParams
	if err := protocol.DecodeParams(line, &p); err != nil {
		return protocol.NewError(err.Error())
	}
	rec, err := reg.Heartbeat(p.SessionID)
	if err != nil {
		return protocol.NewError(err.Error())
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.HeartbeatsTotal.Add(ctx, 1)
	}
	return protocol.NewSuccess().Set("agent", rec)
}

func (s *Server) handleGetAgent(_ context.Context, line []byte) protocol.Response {
	reg, fail := s.needRegistry()
	if fail != nil {
		return fail
	}
	var p protocol.SessionIDParams
	if err := protocol.DecodeParams(line, &p); err != nil {
		return protocol.NewError(err.Error())
	}
	rec := reg.Get(p.SessionID)
	if rec == nil {
		return protocol.NewErrorf("agent not found: %s", p.SessionID)
	}
	return protocol.NewSuccess().Set("agent", rec)
}

func (s *Server) handleListAgents(_ context.Context, line []byte) protocol.Response {
	reg, fail := s.needRegistry()
	if fail != nil {
		return fail
	}
	var p protocol.ListAgentsParams
	if err := protocol.DecodeParams(line, &p); err != nil {
		return protocol.NewError(err.Error())
	}
	recs := reg.Query(registry.QueryFilter{
		Type:            p.Type,
		Status:          p.Status,
		ParentID:        p.ParentID,
		AgentConfigName: p.Config,
	})
	return protocol.NewSuccess().Set("agents", recs).Set("count", len(recs))
}

func (s *Server) handleGetAllAgents(_ context.Context, _ []byte) protocol.Response {
	reg, fail := s.needRegistry()
	if fail != nil {
		return fail
	}
	recs := reg.All()
	return protocol.NewSuccess().Set("agents", recs).Set("count", len(recs))
}

// Message actions.

func (s *Server) handleSendMessage(ctx context.Context, line []byte) protocol.Response {
	br, fail := s.needBroker()
	if fail != nil {
		return fail
	}
	var p protocol.SendMessageParams
	if err := protocol.DecodeParams(line, &p); err != nil {
		return protocol.NewError(err.Error())
	}
	msg, err := br.Send(broker.SendParams{
		From:     p.From,
		To:       p.To,
		Type:     p.Type,
		Content:  p.Content,
		Metadata: p.Metadata,
		ReplyTo:  p.ReplyTo,
	})
	if err != nil {
		return protocol.NewError(err.Error())
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.MessagesRouted.Add(ctx, 1)
	}
	return protocol.NewSuccess().Set("message", msg)
}

// handleGetMessages returns the caller's inbox and marks every pending
// entry delivered, so a fetch doubles as the delivery acknowledgment.
func (s *Server) handleGetMessages(_ context.Context, line []byte) protocol.Response {
	br, fail := s.needBroker()
	if fail != nil {
		return fail
	}
	var p protocol.GetMessagesParams
	if err := protocol.DecodeParams(line, &p); err != nil {
		return protocol.NewError(err.Error())
	}
	if p.SessionID == "" {
		return protocol.NewError("get_messages requires session_id")
	}
	var msgs []*broker.AgentMessage
	if p.UnreadOnly {
		msgs = br.GetUnreadMessages(p.SessionID)
	} else {
		msgs = br.GetMessages(p.SessionID)
	}
	for _, m := range msgs {
		if m.Status == broker.StatusPending && br.MarkAsDelivered(m.ID) {
			m.Status = broker.StatusDelivered
		}
	}
	return protocol.NewSuccess().Set("messages", msgs).Set("count", len(msgs))
}

func (s *Server) handleMarkMessagesRead(_ context.Context, line []byte) protocol.Response {
	br, fail := s.needBroker()
	if fail != nil {
		return fail
	}
	var p protocol.MarkMessagesReadParams
	if err := protocol.DecodeParams(line, &p); err != nil {
		return protocol.NewError(err.Error())
	}
	marked := 0
	for _, id := range p.MessageIDs {
		if br.MarkAsRead(id) {
			marked++
		}
	}
	return protocol.NewSuccess().Set("marked", marked)
}

func (s *Server) handleQueryMessages(_ context.Context, line []byte) protocol.Response {
	br, fail := s.needBroker()
	if fail != nil {
		return fail
	}
	var p protocol.QueryMessagesParams
	if err := protocol.DecodeParams(line, &p); err != nil {
		return protocol.NewError(err.Error())
	}
	filter := broker.QueryFilter{
		Type:   p.Type,
		Status: p.Status,
		From:   p.From,
		To:     p.To,
		Limit:  p.Limit,
	}
	if p.Since != "" {
		since, err := time.Parse(time.RFC3339, p.Since)
		if err != nil {
			return protocol.NewErrorf("invalid since timestamp: %v", err)
		}
		filter.Since = since
	}
	msgs := br.Query(filter)
	return protocol.NewSuccess().Set("messages", msgs).Set("count", len(msgs))
}

func (s *Server) handleTaskCompletion(ctx context.Context, line []byte) protocol.Response {
	var p protocol.TaskCompletionParams
	if err := protocol.DecodeParams(line, &p); err != nil {
		return protocol.NewError(err.Error())
	}
	if p.SessionID == "" || p.Report.TaskID == "" {
		return protocol.NewError("task_completion requires session_id and report.task_id")
	}

	// A finished task returns the reporting agent to the idle pool.
	if s.cfg.Registry != nil {
		if _, err := s.cfg.Registry.UpdateStatus(p.SessionID, registry.StatusIdle); err != nil {
			s.logger.Debug("task completion from unregistered agent", "session_id", p.SessionID)
		}
	}
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.TopicTaskCompletion, bus.TaskCompletionEvent{
			SessionID:  p.SessionID,
			TaskID:     p.Report.TaskID,
			Status:     p.Report.Status,
			DurationMS: float64(p.Report.DurationMS),
		})
	}
	if s.cfg.Archive != nil {
		err := s.cfg.Archive.RecordTaskReport(ctx, archive.TaskReport{
			SessionID:  p.SessionID,
			TaskID:     p.Report.TaskID,
			Status:     p.Report.Status,
			Result:     p.Report.Result,
			Error:      p.Report.Error,
			DurationMS: float64(p.Report.DurationMS),
		})
		if err != nil {
			return protocol.NewErrorf("record task report: %v", err)
		}
	}
	return protocol.NewSuccess().Set("task_id", p.Report.TaskID)
}

// Session actions.

func (s *Server) handleRegisterSession(_ context.Context, line []byte) protocol.Response {
	sess, fail := s.needSessions()
	if fail != nil {
		return fail
	}
	var p protocol.RegisterSessionParams
	if err := protocol.DecodeParams(line, &p); err != nil {
		return protocol.NewError(err.Error())
	}
	rec, err := sess.Register(&session.Record{
		SessionID:        p.SessionID,
		AgentName:        p.AgentName,
		PID:              p.PID,
		WorkingDirectory: p.WorkingDirectory,
		GitRepo:          p.GitRepo,
		GitBranch:        p.GitBranch,
		Environment:      p.Environment,
	})
	if err != nil {
		return protocol.NewError(err.Error())
	}
	return protocol.NewSuccess().Set("session", rec)
}

func (s *Server) handleUnregisterSession(_ context.Context, line []byte) protocol.Response {
	sess, fail := s.needSessions()
	if fail != nil {
		return fail
	}
	var p protocol.SessionIDParams
	if err := protocol.DecodeParams(line, &p); err != nil {
		return protocol.NewError(err.Error())
	}
	rec := sess.Unregister(p.SessionID)
	if rec == nil {
		return protocol.NewErrorf("session not found: %s", p.SessionID)
	}
	return protocol.NewSuccess().Set("session", rec)
}

func (s *Server) handleListSessions(_ context.Context, _ []byte) protocol.Response {
	sess, fail := s.needSessions()
	if fail != nil {
		return fail
	}
	recs := sess.GetActive()
	return protocol.NewSuccess().Set("sessions", recs).Set("count", len(recs))
}

func (s *Server) handleQueryArchive(ctx context.Context, line []byte) protocol.Response {
	if s.cfg.Archive == nil {
		return protocol.NewError("archive unavailable")
	}
	var p protocol.QueryArchiveParams
	if err := protocol.DecodeParams(line, &p); err != nil {
		return protocol.NewError(err.Error())
	}
	filter := archive.ArchiveFilter{
		AgentName: p.AgentName,
		Status:    p.Status,
		Limit:     p.Limit,
	}
	if p.Since != "" {
		since, err := time.Parse(time.RFC3339, p.Since)
		if err != nil {
			return protocol.NewErrorf("invalid since timestamp: %v", err)
		}
		filter.Since = since
	}
	recs, err := s.cfg.Archive.QueryArchive(ctx, filter)
	if err != nil {
		return protocol.NewError(err.Error())
	}
	return protocol.NewSuccess().Set("sessions", recs).Set("count", len(recs))
}

func (s *Server) handleListTaskReports(ctx context.Context, line []byte) protocol.Response {
	if s.cfg.Archive == nil {
		return protocol.NewError("archive unavailable")
	}
	var p protocol.ListTaskReportsParams
	if err := protocol.DecodeParams(line, &p); err != nil {
		return protocol.NewError(err.Error())
	}
	if p.SessionID == "" {
		return protocol.NewError("list_task_reports requires session_id")
	}
	reports, err := s.cfg.Archive.ListTaskReports(ctx, p.SessionID, p.Limit)
	if err != nil {
		return protocol.NewError(err.Error())
	}
	return protocol.NewSuccess().Set("reports", reports).Set("count", len(reports))
}

// Plugin actions.

func (s *Server) handleLoadPlugin(ctx context.Context, line []byte) protocol.Response {
	pm, fail := s.needPlugins()
	if fail != nil {
		return fail
	}
	var p protocol.LoadPluginParams
	if err := protocol.DecodeParams(line, &p); err != nil {
		return protocol.NewError(err.Error())
	}
	typ := p.Type
	if typ == "" {
		typ = plugin.TypeWASM
	}
	info, err := pm.Load(ctx, plugin.Spec{
		Name:     p.Name,
		Type:     typ,
		Path:     p.Path,
		Settings: p.Settings,
	})
	if err != nil {
		return protocol.NewError(err.Error())
	}
	return protocol.NewSuccess().Set("plugin", info)
}

func (s *Server) handleUnloadPlugin(ctx context.Context, line []byte) protocol.Response {
	pm, fail := s.needPlugins()
	if fail != nil {
		return fail
	}
	var p protocol.PluginNameParams
	if err := protocol.DecodeParams(line, &p); err != nil {
		return protocol.NewError(err.Error())
	}
	if err := pm.Unload(ctx, p.Name); err != nil {
		return protocol.NewError(err.Error())
	}
	return protocol.NewSuccess().Set("name", p.Name)
}

func (s *Server) handleReloadPlugin(ctx context.Context, line []byte) protocol.Response {
	pm, fail := s.needPlugins()
	if fail != nil {
		return fail
	}
	var p protocol.PluginNameParams
	if err := protocol.DecodeParams(line, &p); err != nil {
		return protocol.NewError(err.Error())
	}
	info, err := pm.Reload(ctx, p.Name)
	if err != nil {
		return protocol.NewError(err.Error())
	}
	return protocol.NewSuccess().Set("plugin", info)
}

func (s *Server) handleListPlugins(_ context.Context, _ []byte) protocol.Response {
	pm, fail := s.needPlugins()
	if fail != nil {
		return fail
	}
	infos := pm.List()
	return protocol.NewSuccess().Set("plugins", infos).Set("count", len(infos))
}

func (s *Server) handlePluginHealth(ctx context.Context, line []byte) protocol.Response {
	pm, fail := s.needPlugins()
	if fail != nil {
		return fail
	}
	var p protocol.PluginNameParams
	if err := protocol.DecodeParams(line, &p); err != nil {
		return protocol.NewError(err.Error())
	}
	resp := protocol.NewSuccess().Set("name", p.Name)
	if err := pm.Health(ctx, p.Name); err != nil {
		return resp.Set("healthy", false).Set("detail", err.Error())
	}
	return resp.Set("healthy", true)
}

// handlePluginCommand forwards a dotted action name to the plugin
// command table. The whole request line becomes the command params.
func (s *Server) handlePluginCommand(ctx context.Context, command string, line []byte) protocol.Response {
	var params map[string]any
	if err := protocol.DecodeParams(line, &params); err != nil {
		return protocol.NewError(err.Error())
	}
	delete(params, "action")
	result, err := s.cfg.Plugins.HandleCommand(ctx, command, params)
	if err != nil {
		return protocol.NewError(err.Error())
	}
	return protocol.NewSuccess().Set("result", result)
}

// Daemon actions.

func (s *Server) handlePing(_ context.Context, _ []byte) protocol.Response {
	return protocol.NewSuccess().
		Set("message", "pong").
		Set("protocol_version", protocol.ProtocolVersion)
}

func (s *Server) handleDaemonStatus(_ context.Context, _ []byte) protocol.Response {
	resp := protocol.NewSuccess().
		Set("version", s.cfg.Version).
		Set("pid", os.Getpid()).
		Set("uptime_seconds", int64(time.Since(s.startedAt).Seconds())).
		Set("protocol_version", protocol.ProtocolVersion)
	if s.cfg.Registry != nil {
		resp.Set("agents", s.cfg.Registry.Count())
	}
	if s.cfg.Broker != nil {
		resp.Set("messages", s.cfg.Broker.Count())
	}
	if s.cfg.Sessions != nil {
		resp.Set("sessions", len(s.cfg.Sessions.GetActive()))
	}
	if s.cfg.Plugins != nil {
		resp.Set("plugins", len(s.cfg.Plugins.List()))
	}
	return resp
}

func (s *Server) handleShutdown(_ context.Context, _ []byte) protocol.Response {
	s.logger.Info("shutdown requested over socket")
	s.requestShutdown()
	return protocol.NewSuccess().Set("message", "shutting down")
}
