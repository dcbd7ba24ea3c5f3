// Package broker routes messages between agents. It maintains a per-agent
// inbox, writes every message through to disk, and purges retention-expired
// messages. Broadcast membership is resolved against the agent registry at
// send time; the broker does not itself track presence.
package broker

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nestbox/agentd/internal/bus"
	"github.com/nestbox/agentd/internal/registry"
)

// DefaultRetention is how long messages are kept before the retention sweep
// deletes them.
const DefaultRetention = 24 * time.Hour

// MemberSource supplies the current agent set for broadcast resolution.
// *registry.Registry satisfies it.
type MemberSource interface {
	Query(filter registry.QueryFilter) []*registry.AgentRecord
}

// SendParams carries the caller-supplied fields for Send.
type SendParams struct {
	From     string
	To       string
	Type     string
	Content  string
	Metadata map[string]any
	ReplyTo  string
}

// QueryFilter selects messages in Query. Zero-valued fields do not filter.
type QueryFilter struct {
	Type   string
	Status string
	From   string
	To     string
	Since  time.Time
	Limit  int
}

// Broker owns the in-memory message table and per-agent inboxes, both
// guarded by one lock, with write-through persistence to a file-per-message
// store. A message becomes visible to readers only after its file write has
// been attempted; persistence failures are logged and the in-memory record
// stays authoritative.
type Broker struct {
	mu       sync.RWMutex
	messages map[string]*AgentMessage
	inboxes  map[string][]string // session ID -> message IDs, send order
	nextSeq  uint64

	store   *fileStore
	members MemberSource
	bus     *bus.Bus
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Broker persisting messages under dir and reloads every
// persisted message into memory before returning, so in-flight messages
// survive a daemon restart. The returned Broker is ready to serve.
func New(dir string, members MemberSource, b *bus.Bus, logger *slog.Logger) (*Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store, err := newFileStore(dir)
	if err != nil {
		return nil, err
	}

	br := &Broker{
		messages: make(map[string]*AgentMessage),
		inboxes:  make(map[string][]string),
		store:    store,
		members:  members,
		bus:      b,
		logger:   logger,
		now:      time.Now,
	}

	loaded, errs := store.loadAll()
	for _, err := range errs {
		logger.Warn("skipping unreadable message file", "error", err)
	}

	// Re-index in ID order: IDs are time-prefixed, so this reproduces send
	// order for inbox tie-breaking.
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].ID < loaded[j].ID })
	for _, m := range loaded {
		br.nextSeq++
		m.seq = br.nextSeq
		br.messages[m.ID] = m
		for _, rcpt := range m.Recipients {
			br.inboxes[rcpt] = append(br.inboxes[rcpt], m.ID)
		}
	}
	if len(loaded) > 0 {
		logger.Info("message store reloaded", "messages", len(loaded), "dir", dir)
	}
	return br, nil
}

// Send creates, persists, and routes a message, returning a snapshot.
// A broadcast to zero current recipients is still persisted (history remains
// queryable) but produces no inbox entries; late joiners do not receive
// earlier broadcasts.
func (b *Broker) Send(params SendParams) (*AgentMessage, error) {
	if params.From == "" || params.To == "" {
		return nil, fmt.Errorf("message requires from and to")
	}
	if !validMessageType(params.Type) {
		return nil, fmt.Errorf("invalid message type %q", params.Type)
	}

	now := b.now()
	m := &AgentMessage{
		ID:        newMessageID(now),
		Type:      params.Type,
		From:      params.From,
		To:        params.To,
		Timestamp: now,
		Content:   params.Content,
		Status:    StatusPending,
		Metadata:  params.Metadata,
		ReplyTo:   params.ReplyTo,
	}
	m.Recipients = b.resolveRecipients(params.From, params.To)

	b.mu.Lock()
	b.nextSeq++
	m.seq = b.nextSeq
	b.messages[m.ID] = m
	for _, rcpt := range m.Recipients {
		b.inboxes[rcpt] = append(b.inboxes[rcpt], m.ID)
	}
	b.persistLocked(m)
	snapshot := m.clone()
	b.mu.Unlock()

	b.logger.Debug("message routed",
		"id", m.ID,
		"from", params.From,
		"to", params.To,
		"recipients", len(m.Recipients),
	)
	b.publish(bus.TopicMessageSent, snapshot)
	return snapshot, nil
}

// resolveRecipients expands a broadcast keyword into the current member set,
// excluding the sender. A literal session ID resolves to itself whether or
// not that agent is currently registered.
func (b *Broker) resolveRecipients(from, to string) []string {
	if !IsBroadcastTarget(to) {
		return []string{to}
	}

	var filter registry.QueryFilter
	switch to {
	case TargetAllWorkers:
		filter.Type = registry.TypeWorker
	case TargetAllMasters:
		filter.Type = registry.TypeMaster
	}

	var recipients []string
	if b.members != nil {
		for _, rec := range b.members.Query(filter) {
			if rec.SessionID == from {
				continue
			}
			recipients = append(recipients, rec.SessionID)
		}
	}
	sort.Strings(recipients)
	return recipients
}

// GetMessages returns the inbox for sessionID in ascending timestamp order,
// ties broken by send order.
func (b *Broker) GetMessages(sessionID string) []*AgentMessage {
	return b.inboxSnapshot(sessionID, false)
}

// GetUnreadMessages returns the inbox entries not yet marked read.
func (b *Broker) GetUnreadMessages(sessionID string) []*AgentMessage {
	return b.inboxSnapshot(sessionID, true)
}

func (b *Broker) inboxSnapshot(sessionID string, unreadOnly bool) []*AgentMessage {
	b.mu.RLock()
	var out []*AgentMessage
	for _, id := range b.inboxes[sessionID] {
		m, ok := b.messages[id]
		if !ok {
			continue
		}
		if unreadOnly && (m.Status == StatusRead || m.Status == StatusFailed) {
			continue
		}
		out = append(out, m.clone())
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].seq < out[j].seq
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// MarkAsDelivered advances the message to delivered. Returns false for an
// unknown ID. A status never moves backward, so marking a read message
// delivered is a no-op that still reports success.
func (b *Broker) MarkAsDelivered(id string) bool {
	return b.advanceStatus(id, StatusDelivered, bus.TopicMessageDelivered)
}

// MarkAsRead advances the message to read. Returns false for an unknown ID.
func (b *Broker) MarkAsRead(id string) bool {
	return b.advanceStatus(id, StatusRead, bus.TopicMessageRead)
}

// MarkAsFailed moves the message to the terminal failed status.
func (b *Broker) MarkAsFailed(id string) bool {
	return b.advanceStatus(id, StatusFailed, "")
}

func (b *Broker) advanceStatus(id, status, topic string) bool {
	b.mu.Lock()
	m, ok := b.messages[id]
	if !ok {
		b.mu.Unlock()
		return false
	}
	var snapshot *AgentMessage
	if statusRank(status) > statusRank(m.Status) && m.Status != StatusFailed {
		m.Status = status
		b.persistLocked(m)
		snapshot = m.clone()
	}
	b.mu.Unlock()

	if snapshot != nil && topic != "" {
		b.publish(topic, snapshot)
	}
	return true
}

// Query returns messages matching the filter, ascending by timestamp.
func (b *Broker) Query(filter QueryFilter) []*AgentMessage {
	b.mu.RLock()
	var out []*AgentMessage
	for _, m := range b.messages {
		if filter.Type != "" && m.Type != filter.Type {
			continue
		}
		if filter.Status != "" && m.Status != filter.Status {
			continue
		}
		if filter.From != "" && m.From != filter.From {
			continue
		}
		if filter.To != "" && m.To != filter.To {
			continue
		}
		if !filter.Since.IsZero() && m.Timestamp.Before(filter.Since) {
			continue
		}
		out = append(out, m.clone())
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].seq < out[j].seq
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Get returns a snapshot of one message, or nil if absent.
func (b *Broker) Get(id string) *AgentMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.messages[id]
	if !ok {
		return nil
	}
	return m.clone()
}

// DeleteMessage removes the message, its inbox references, and its file.
// Returns false for an unknown ID.
func (b *Broker) DeleteMessage(id string) bool {
	b.mu.Lock()
	m, ok := b.messages[id]
	if !ok {
		b.mu.Unlock()
		return false
	}
	b.deleteLocked(m)
	b.mu.Unlock()
	return true
}

// DeleteOldMessages removes every message with a timestamp before cutoff and
// returns the number removed. Used by the hourly retention sweep.
func (b *Broker) DeleteOldMessages(cutoff time.Time) int {
	b.mu.Lock()
	var expired []*AgentMessage
	for _, m := range b.messages {
		if m.Timestamp.Before(cutoff) {
			expired = append(expired, m)
		}
	}
	for _, m := range expired {
		b.deleteLocked(m)
	}
	b.mu.Unlock()

	if len(expired) > 0 {
		b.logger.Info("retention sweep purged messages", "count", len(expired), "cutoff", cutoff)
		b.publish(bus.TopicMessagePurged, bus.MessageEvent{Status: "purged"})
	}
	return len(expired)
}

// Count returns the number of in-memory messages.
func (b *Broker) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.messages)
}

// deleteLocked removes the message from the table, every inbox, and disk.
// Caller holds b.mu.
func (b *Broker) deleteLocked(m *AgentMessage) {
	delete(b.messages, m.ID)
	for _, rcpt := range m.Recipients {
		ids := b.inboxes[rcpt]
		for i, id := range ids {
			if id == m.ID {
				b.inboxes[rcpt] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(b.inboxes[rcpt]) == 0 {
			delete(b.inboxes, rcpt)
		}
	}
	if err := b.store.remove(m.ID); err != nil {
		b.logger.Error("failed to remove message file", "id", m.ID, "error", err)
	}
}

// persistLocked writes the message through to disk. Failures are logged;
// the in-memory record remains authoritative for this request.
func (b *Broker) persistLocked(m *AgentMessage) {
	if err := b.store.write(m); err != nil {
		b.logger.Error("message persistence failed", "id", m.ID, "error", err)
	}
}

func (b *Broker) publish(topic string, payload any) {
	if b.bus == nil {
		return
	}
	if m, ok := payload.(*AgentMessage); ok {
		payload = bus.MessageEvent{
			MessageID: m.ID,
			From:      m.From,
			To:        m.To,
			Type:      m.Type,
			Status:    m.Status,
		}
	}
	b.bus.Publish(topic, payload)
}
