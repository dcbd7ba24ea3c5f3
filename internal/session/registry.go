// Package session tracks active CLI sessions tied to OS processes. The
// active set is durable: a single snapshot file holds the full set and is
// rewritten whole on every mutation, and startup reconciliation detects
// sessions whose process died while the daemon was down.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nestbox/agentd/internal/bus"
)

// Archiver is the external storage collaborator receiving terminated and
// crashed session records for durable long-term archival.
type Archiver interface {
	ArchiveSession(rec *Record) error
}

// Registry owns the in-memory active-session table and its snapshot file.
//
// Every read-modify-persist sequence (Register, Unregister,
// CleanupStaleSessions, Initialize) runs on a single worker goroutine fed by
// a FIFO mailbox, so at most one such sequence is in flight at a time.
// Without that, two interleaved sequences could both read the pre-mutation
// table across the snapshot-write suspension point and each persist an
// incomplete snapshot, losing one of the two updates.
type Registry struct {
	mu     sync.RWMutex
	active map[string]*Record

	snapshotPath string
	archiver     Archiver
	bus          *bus.Bus
	logger       *slog.Logger
	now          func() time.Time
	probe        func(pid int) bool

	ops     chan func()
	stopped chan struct{}
	once    sync.Once
}

// New creates a Registry persisting its snapshot at snapshotPath. Call
// Initialize before serving and Close on shutdown.
func New(snapshotPath string, archiver Archiver, b *bus.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		active:       make(map[string]*Record),
		snapshotPath: snapshotPath,
		archiver:     archiver,
		bus:          b,
		logger:       logger,
		now:          time.Now,
		probe:        probePID,
		ops:          make(chan func(), 64),
		stopped:      make(chan struct{}),
	}
	go r.worker()
	return r
}

// worker drains the mailbox in submission order, one operation at a time.
func (r *Registry) worker() {
	defer close(r.stopped)
	for op := range r.ops {
		op()
	}
}

// do runs fn on the worker goroutine and waits for it, preserving FIFO order
// across all callers.
func (r *Registry) do(fn func()) {
	done := make(chan struct{})
	r.ops <- func() {
		defer close(done)
		fn()
	}
	<-done
}

// Close drains pending operations and stops the worker.
func (r *Registry) Close() {
	r.once.Do(func() {
		close(r.ops)
	})
	<-r.stopped
}

// Initialize loads the persisted snapshot and reconciles it against the
// live process table: entries whose pid no longer exists are archived as
// crashed, survivors repopulate the active table, and the snapshot is
// rewritten to hold only survivors. Must complete before the daemon accepts
// connections.
func (r *Registry) Initialize() error {
	var initErr error
	r.do(func() {
		records, err := r.loadSnapshot()
		if err != nil {
			if os.IsNotExist(err) {
				return
			}
			initErr = err
			return
		}

		var crashed int
		for _, rec := range records {
			if rec.SessionID == "" || rec.Status != StatusActive {
				continue
			}
			if r.probe(rec.PID) {
				r.mu.Lock()
				r.active[rec.SessionID] = rec
				r.mu.Unlock()
				continue
			}
			end := r.now()
			rec.Status = StatusCrashed
			rec.EndTime = &end
			r.archive(rec)
			r.publish(bus.TopicSessionCrashed, rec)
			crashed++
		}
		r.persist()

		r.mu.RLock()
		survivors := len(r.active)
		r.mu.RUnlock()
		r.logger.Info("session registry initialized",
			"active", survivors,
			"crashed", crashed,
		)
	})
	return initErr
}

// Register adds a session to the active table and rewrites the snapshot.
// A zero StartTime is stamped with the current time; re-registering a live
// session ID replaces the previous record.
func (r *Registry) Register(rec *Record) (*Record, error) {
	if rec == nil || rec.SessionID == "" {
		return nil, fmt.Errorf("session record requires a session_id")
	}

	stored := rec.clone()
	stored.Status = StatusActive
	if stored.StartTime.IsZero() {
		stored.StartTime = r.now()
	}

	r.do(func() {
		r.mu.Lock()
		r.active[stored.SessionID] = stored
		r.mu.Unlock()
		r.persist()
	})

	r.logger.Info("session registered",
		"session_id", stored.SessionID,
		"agent", stored.AgentName,
		"pid", stored.PID,
	)
	r.publish(bus.TopicSessionRegistered, stored)
	return stored.clone(), nil
}

// Unregister archives the session as terminated, removes it from the active
// table, and rewrites the snapshot. Returns nil for an unknown session ID.
func (r *Registry) Unregister(sessionID string) *Record {
	var out *Record
	r.do(func() {
		r.mu.Lock()
		rec, ok := r.active[sessionID]
		if !ok {
			r.mu.Unlock()
			return
		}
		delete(r.active, sessionID)
		r.mu.Unlock()

		end := r.now()
		rec.Status = StatusTerminated
		rec.EndTime = &end
		r.archive(rec)
		r.persist()
		out = rec.clone()
	})

	if out != nil {
		r.logger.Info("session terminated", "session_id", sessionID)
		r.publish(bus.TopicSessionUnregistered, out)
	}
	return out
}

// CleanupStaleSessions probes every active session's process and archives
// the dead ones as crashed. Returns the number archived.
func (r *Registry) CleanupStaleSessions() int {
	var count int
	r.do(func() {
		r.mu.Lock()
		var stale []*Record
		for id, rec := range r.active {
			if r.probe(rec.PID) {
				continue
			}
			delete(r.active, id)
			stale = append(stale, rec)
		}
		r.mu.Unlock()

		for _, rec := range stale {
			end := r.now()
			rec.Status = StatusCrashed
			rec.EndTime = &end
			r.archive(rec)
			r.publish(bus.TopicSessionCrashed, rec)
		}
		if len(stale) > 0 {
			r.persist()
		}
		count = len(stale)
	})

	if count > 0 {
		r.logger.Warn("stale sessions archived as crashed", "count", count)
	}
	return count
}

// Get returns a snapshot of the active record for sessionID, or nil.
func (r *Registry) Get(sessionID string) *Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.active[sessionID]
	if !ok {
		return nil
	}
	return rec.clone()
}

// GetActive returns snapshots of every active session, ordered by start time.
func (r *Registry) GetActive() []*Record {
	r.mu.RLock()
	out := make([]*Record, 0, len(r.active))
	for _, rec := range r.active {
		out = append(out, rec.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// GetByAgent returns the active sessions launched from the named agent
// definition.
func (r *Registry) GetByAgent(agentName string) []*Record {
	var out []*Record
	for _, rec := range r.GetActive() {
		if rec.AgentName == agentName {
			out = append(out, rec)
		}
	}
	return out
}

// archive hands the record to the storage collaborator. Archival failures
// are logged and do not resurrect the session: the in-memory removal holds.
func (r *Registry) archive(rec *Record) {
	if r.archiver == nil {
		return
	}
	if err := r.archiver.ArchiveSession(rec); err != nil {
		r.logger.Error("session archival failed",
			"session_id", rec.SessionID,
			"status", rec.Status,
			"error", err,
		)
	}
}

// persist rewrites the snapshot file with the full active set. Runs only on
// the worker goroutine. Failures are logged; the in-memory table remains
// authoritative.
func (r *Registry) persist() {
	r.mu.RLock()
	records := make([]*Record, 0, len(r.active))
	for _, rec := range r.active {
		records = append(records, rec.clone())
	}
	r.mu.RUnlock()
	sort.Slice(records, func(i, j int) bool { return records[i].SessionID < records[j].SessionID })

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		r.logger.Error("marshal session snapshot failed", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.snapshotPath), 0o755); err != nil {
		r.logger.Error("create session dir failed", "error", err)
		return
	}
	tmp := r.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		r.logger.Error("write session snapshot failed", "error", err)
		return
	}
	if err := os.Rename(tmp, r.snapshotPath); err != nil {
		r.logger.Error("promote session snapshot failed", "error", err)
	}
}

func (r *Registry) loadSnapshot() ([]*Record, error) {
	data, err := os.ReadFile(r.snapshotPath)
	if err != nil {
		return nil, err
	}
	var records []*Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse session snapshot: %w", err)
	}
	return records, nil
}

func (r *Registry) publish(topic string, rec *Record) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(topic, bus.SessionEvent{
		SessionID: rec.SessionID,
		AgentName: rec.AgentName,
		PID:       rec.PID,
		Status:    rec.Status,
	})
}
