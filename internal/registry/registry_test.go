package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/nestbox/agentd/internal/bus"
)

func newTestRegistry(t *testing.T) (*Registry, *bus.Bus) {
	t.Helper()
	b := bus.New()
	return New(b, nil), b
}

func mustRegister(t *testing.T, r *Registry, sessionID, agentType string) *AgentRecord {
	t.Helper()
	rec, err := r.Register(RegisterParams{
		SessionID:       sessionID,
		Type:            agentType,
		Label:           sessionID,
		AgentConfigName: "default",
		WorkingDir:      "/tmp",
	})
	if err != nil {
		t.Fatalf("register %s: %v", sessionID, err)
	}
	return rec
}

func TestRegister_Defaults(t *testing.T) {
	r, _ := newTestRegistry(t)

	rec := mustRegister(t, r, "s1", TypeWorker)
	if rec.Status != StatusIdle {
		t.Fatalf("status = %q, want idle", rec.Status)
	}
	if !rec.LastHeartbeat.Equal(rec.CreatedAt) {
		t.Fatalf("lastHeartbeat = %v, want createdAt %v", rec.LastHeartbeat, rec.CreatedAt)
	}

	got := r.Get("s1")
	if got == nil || got.SessionID != "s1" {
		t.Fatalf("get returned %+v", got)
	}
}

func TestRegister_Invalid(t *testing.T) {
	r, _ := newTestRegistry(t)

	if _, err := r.Register(RegisterParams{SessionID: "", Type: TypeWorker}); err == nil {
		t.Fatal("expected error for empty session id")
	}
	if _, err := r.Register(RegisterParams{SessionID: "s1", Type: "orchestrator"}); err == nil {
		t.Fatal("expected error for invalid type")
	}
}

func TestRegister_EmitsEvent(t *testing.T) {
	r, b := newTestRegistry(t)
	sub := b.Subscribe(bus.TopicAgentRegistered)
	defer b.Unsubscribe(sub)

	mustRegister(t, r, "s1", TypeMaster)

	select {
	case event := <-sub.Ch():
		ev := event.Payload.(bus.AgentEvent)
		if ev.SessionID != "s1" || ev.Type != TypeMaster || ev.Status != StatusIdle {
			t.Fatalf("unexpected event payload: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for registered event")
	}
}

func TestUpdateStatus(t *testing.T) {
	r, b := newTestRegistry(t)
	mustRegister(t, r, "s1", TypeWorker)

	sub := b.Subscribe(bus.TopicAgentUpdated)
	defer b.Unsubscribe(sub)

	rec, err := r.UpdateStatus("s1", StatusBusy)
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if rec.Status != StatusBusy {
		t.Fatalf("status = %q, want busy", rec.Status)
	}

	select {
	case event := <-sub.Ch():
		if event.Payload.(bus.AgentEvent).Status != StatusBusy {
			t.Fatalf("event status = %+v", event.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for updated event")
	}

	if _, err := r.UpdateStatus("s1", "sleeping"); err == nil {
		t.Fatal("expected error for invalid status")
	}
	if _, err := r.UpdateStatus("nope", StatusBusy); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestHeartbeat_Monotonic(t *testing.T) {
	r, _ := newTestRegistry(t)
	mustRegister(t, r, "s1", TypeWorker)

	first := r.Get("s1").LastHeartbeat

	// A clock that went backwards must not regress the stamp.
	r.now = func() time.Time { return first.Add(-time.Hour) }
	rec, err := r.Heartbeat("s1")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if rec.LastHeartbeat.Before(first) {
		t.Fatalf("lastHeartbeat regressed: %v < %v", rec.LastHeartbeat, first)
	}

	r.now = func() time.Time { return first.Add(time.Minute) }
	rec, err = r.Heartbeat("s1")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !rec.LastHeartbeat.Equal(first.Add(time.Minute)) {
		t.Fatalf("lastHeartbeat = %v, want %v", rec.LastHeartbeat, first.Add(time.Minute))
	}

	if _, err := r.Heartbeat("nope"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUnregister(t *testing.T) {
	r, b := newTestRegistry(t)
	mustRegister(t, r, "s1", TypeWorker)

	sub := b.Subscribe(bus.TopicAgentUnregistered)
	defer b.Unsubscribe(sub)

	if !r.Unregister("s1") {
		t.Fatal("unregister returned false for live agent")
	}
	if r.Get("s1") != nil {
		t.Fatal("record still present after unregister")
	}
	if r.Unregister("s1") {
		t.Fatal("unregister returned true for unknown agent")
	}

	select {
	case <-sub.Ch():
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unregistered event")
	}
}

func TestQuery_Filters(t *testing.T) {
	r, _ := newTestRegistry(t)
	mustRegister(t, r, "m1", TypeMaster)
	mustRegister(t, r, "w1", TypeWorker)
	mustRegister(t, r, "w2", TypeWorker)
	if _, err := r.Register(RegisterParams{
		SessionID: "w3", Type: TypeWorker, ParentID: "m1", AgentConfigName: "builder",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.UpdateStatus("w1", StatusBusy); err != nil {
		t.Fatalf("update status: %v", err)
	}

	cases := []struct {
		name   string
		filter QueryFilter
		want   int
	}{
		{"all", QueryFilter{}, 4},
		{"workers", QueryFilter{Type: TypeWorker}, 3},
		{"busy", QueryFilter{Status: StatusBusy}, 1},
		{"children of m1", QueryFilter{ParentID: "m1"}, 1},
		{"by config", QueryFilter{AgentConfigName: "builder"}, 1},
		{"no match", QueryFilter{Type: TypeMaster, Status: StatusBusy}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := len(r.Query(tc.filter)); got != tc.want {
				t.Fatalf("len = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestMarkStale(t *testing.T) {
	r, b := newTestRegistry(t)
	mustRegister(t, r, "fresh", TypeWorker)
	mustRegister(t, r, "stale", TypeWorker)
	mustRegister(t, r, "gone", TypeWorker)
	if _, err := r.UpdateStatus("gone", StatusDisconnected); err != nil {
		t.Fatalf("update status: %v", err)
	}

	base := time.Now()
	r.mu.Lock()
	r.agents["stale"].LastHeartbeat = base.Add(-10 * time.Minute)
	r.agents["gone"].LastHeartbeat = base.Add(-10 * time.Minute)
	r.mu.Unlock()

	sub := b.Subscribe(bus.TopicAgentUpdated)
	defer b.Unsubscribe(sub)

	if n := r.MarkStale(DefaultTimeout); n != 1 {
		t.Fatalf("marked %d agents, want 1 (already-disconnected must be skipped)", n)
	}
	if got := r.Get("stale").Status; got != StatusDisconnected {
		t.Fatalf("stale status = %q, want disconnected", got)
	}
	if got := r.Get("fresh").Status; got != StatusIdle {
		t.Fatalf("fresh status = %q, want idle", got)
	}

	// The stale record is marked, not removed.
	if r.Get("stale") == nil {
		t.Fatal("stale record was removed by sweep")
	}

	select {
	case event := <-sub.Ch():
		if event.Payload.(bus.AgentEvent).SessionID != "stale" {
			t.Fatalf("event for wrong agent: %+v", event.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for sweep event")
	}
}

func TestRegistry_ConcurrentMutation(t *testing.T) {
	r, _ := newTestRegistry(t)
	mustRegister(t, r, "s1", TypeWorker)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = r.Heartbeat("s1")
		}()
		go func() {
			defer wg.Done()
			_ = r.Query(QueryFilter{Type: TypeWorker})
		}()
	}
	wg.Wait()

	if r.Count() != 1 {
		t.Fatalf("count = %d, want 1", r.Count())
	}
}
