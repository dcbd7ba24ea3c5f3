// Package janitor runs the daemon's periodic maintenance sweeps: agent
// liveness timeout, message retention, and stale session cleanup.
package janitor

import (
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/nestbox/agentd/internal/broker"
	"github.com/nestbox/agentd/internal/registry"
	"github.com/nestbox/agentd/internal/session"
)

// Config holds the dependencies and sweep tuning for the janitor.
type Config struct {
	Registry *registry.Registry
	Broker   *broker.Broker
	Sessions *session.Registry
	Logger   *slog.Logger

	// AgentTimeout is how long without a heartbeat before an agent is
	// marked disconnected. 0 uses registry.DefaultTimeout.
	AgentTimeout time.Duration
	// SweepInterval is how often the liveness sweep runs. 0 means 60s.
	SweepInterval time.Duration
	// MessageRetention is the broker purge horizon. 0 uses broker.DefaultRetention.
	MessageRetention time.Duration
}

// Janitor schedules the maintenance sweeps on a cron runner.
type Janitor struct {
	cron      *cronlib.Cron
	registry  *registry.Registry
	broker    *broker.Broker
	sessions  *session.Registry
	logger    *slog.Logger
	timeout   time.Duration
	retention time.Duration
}

func New(cfg Config) (*Janitor, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.AgentTimeout
	if timeout <= 0 {
		timeout = registry.DefaultTimeout
	}
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	retention := cfg.MessageRetention
	if retention <= 0 {
		retention = broker.DefaultRetention
	}

	j := &Janitor{
		cron:      cronlib.New(),
		registry:  cfg.Registry,
		broker:    cfg.Broker,
		sessions:  cfg.Sessions,
		logger:    logger,
		timeout:   timeout,
		retention: retention,
	}

	if j.registry != nil {
		spec := fmt.Sprintf("@every %ds", int(interval.Seconds()))
		if _, err := j.cron.AddFunc(spec, j.sweepAgents); err != nil {
			return nil, fmt.Errorf("schedule agent sweep: %w", err)
		}
	}
	if j.broker != nil {
		if _, err := j.cron.AddFunc("@hourly", j.purgeMessages); err != nil {
			return nil, fmt.Errorf("schedule retention sweep: %w", err)
		}
	}
	if j.sessions != nil {
		if _, err := j.cron.AddFunc("@every 10m", j.cleanupSessions); err != nil {
			return nil, fmt.Errorf("schedule session cleanup: %w", err)
		}
	}
	return j, nil
}

// Start begins the sweep schedule.
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info("janitor started",
		"agent_timeout", j.timeout,
		"message_retention", j.retention)
}

// Stop halts scheduling and waits for any in-flight sweep to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.logger.Info("janitor stopped")
}

// SweepAgentsNow runs the liveness sweep immediately. The scheduled
// sweep calls the same path.
func (j *Janitor) SweepAgentsNow() int {
	n := j.registry.MarkStale(j.timeout)
	if n > 0 {
		j.logger.Info("agent sweep marked stale agents", "count", n)
	}
	return n
}

// PurgeMessagesNow runs the retention sweep immediately.
func (j *Janitor) PurgeMessagesNow() int {
	cutoff := time.Now().Add(-j.retention)
	n := j.broker.DeleteOldMessages(cutoff)
	if n > 0 {
		j.logger.Info("retention sweep purged messages", "count", n)
	}
	return n
}

// CleanupSessionsNow probes active sessions and archives dead ones.
func (j *Janitor) CleanupSessionsNow() int {
	n := j.sessions.CleanupStaleSessions()
	if n > 0 {
		j.logger.Info("session cleanup archived crashed sessions", "count", n)
	}
	return n
}

func (j *Janitor) sweepAgents()     { j.SweepAgentsNow() }
func (j *Janitor) purgeMessages()   { j.PurgeMessagesNow() }
func (j *Janitor) cleanupSessions() { j.CleanupSessionsNow() }
