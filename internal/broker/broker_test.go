package broker

import (
	"testing"
	"time"

	"github.com/nestbox/agentd/internal/bus"
	"github.com/nestbox/agentd/internal/registry"
)

func newTestBroker(t *testing.T) (*Broker, *registry.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	reg := registry.New(bus.New(), nil)
	br, err := New(dir, reg, bus.New(), nil)
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	return br, reg, dir
}

func registerAgent(t *testing.T, reg *registry.Registry, id, agentType string) {
	t.Helper()
	if _, err := reg.Register(registry.RegisterParams{
		SessionID: id, Type: agentType, Label: id, AgentConfigName: "default", WorkingDir: "/tmp",
	}); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func TestSend_DirectMessage(t *testing.T) {
	br, _, _ := newTestBroker(t)

	m, err := br.Send(SendParams{From: "s1", To: "s2", Type: TypeTask, Content: "go"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if m.Status != StatusPending {
		t.Fatalf("status = %q, want pending", m.Status)
	}
	if len(m.Recipients) != 1 || m.Recipients[0] != "s2" {
		t.Fatalf("recipients = %v, want [s2]", m.Recipients)
	}

	inbox := br.GetMessages("s2")
	if len(inbox) != 1 || inbox[0].ID != m.ID {
		t.Fatalf("inbox = %v", inbox)
	}
	if len(br.GetMessages("s1")) != 0 {
		t.Fatal("sender must not receive its own direct message")
	}
}

func TestSend_Validation(t *testing.T) {
	br, _, _ := newTestBroker(t)

	if _, err := br.Send(SendParams{From: "", To: "s2", Type: TypeTask}); err == nil {
		t.Fatal("expected error for missing from")
	}
	if _, err := br.Send(SendParams{From: "s1", To: "s2", Type: "gossip"}); err == nil {
		t.Fatal("expected error for invalid type")
	}
}

func TestSend_BroadcastResolution(t *testing.T) {
	br, reg, _ := newTestBroker(t)
	registerAgent(t, reg, "m1", registry.TypeMaster)
	registerAgent(t, reg, "w1", registry.TypeWorker)
	registerAgent(t, reg, "w2", registry.TypeWorker)

	m, err := br.Send(SendParams{From: "m1", To: TargetAllWorkers, Type: TypeControl, Content: "halt"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(m.Recipients) != 2 {
		t.Fatalf("recipients = %v, want w1 and w2", m.Recipients)
	}
	if len(br.GetMessages("w1")) != 1 || len(br.GetMessages("w2")) != 1 {
		t.Fatal("both workers should have an inbox entry")
	}
	if len(br.GetMessages("m1")) != 0 {
		t.Fatal("sender excluded from its own broadcast")
	}

	// broadcast reaches every other agent regardless of type.
	m2, err := br.Send(SendParams{From: "w1", To: TargetBroadcast, Type: TypeControl, Content: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(m2.Recipients) != 2 {
		t.Fatalf("recipients = %v, want m1 and w2", m2.Recipients)
	}
}

func TestSend_BroadcastZeroRecipients(t *testing.T) {
	br, reg, dir := newTestBroker(t)

	m, err := br.Send(SendParams{From: "m1", To: TargetAllWorkers, Type: TypeTask, Content: "anyone?"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(m.Recipients) != 0 {
		t.Fatalf("recipients = %v, want none", m.Recipients)
	}

	// Persisted and queryable, but no inbox entries appear for late joiners.
	registerAgent(t, reg, "w1", registry.TypeWorker)
	if len(br.GetMessages("w1")) != 0 {
		t.Fatal("late joiner must not see earlier broadcast in its inbox")
	}
	if got := br.Query(QueryFilter{Type: TypeTask}); len(got) != 1 {
		t.Fatalf("query = %d messages, want 1", len(got))
	}

	// And it survives a restart.
	br2, err := New(dir, reg, bus.New(), nil)
	if err != nil {
		t.Fatalf("reload broker: %v", err)
	}
	if br2.Get(m.ID) == nil {
		t.Fatal("zero-recipient broadcast lost across restart")
	}
}

func TestInbox_Ordering(t *testing.T) {
	br, _, _ := newTestBroker(t)

	base := time.Now()
	stamps := []time.Time{base.Add(2 * time.Second), base, base.Add(time.Second), base}
	var ids []string
	for i, ts := range stamps {
		ts := ts
		br.now = func() time.Time { return ts }
		m, err := br.Send(SendParams{From: "s1", To: "s2", Type: TypeProgress, Content: "m"})
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		ids = append(ids, m.ID)
	}

	inbox := br.GetMessages("s2")
	if len(inbox) != 4 {
		t.Fatalf("inbox len = %d, want 4", len(inbox))
	}
	// Ascending timestamp; equal timestamps keep send order (ids[1] before ids[3]).
	want := []string{ids[1], ids[3], ids[2], ids[0]}
	for i, m := range inbox {
		if m.ID != want[i] {
			t.Fatalf("inbox[%d] = %s, want %s", i, m.ID, want[i])
		}
	}
}

func TestStatus_ForwardOnly(t *testing.T) {
	br, _, _ := newTestBroker(t)
	m, err := br.Send(SendParams{From: "s1", To: "s2", Type: TypeTask, Content: "x"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if !br.MarkAsRead(m.ID) {
		t.Fatal("mark read failed")
	}
	if got := br.Get(m.ID).Status; got != StatusRead {
		t.Fatalf("status = %q, want read", got)
	}

	// Delivered after read must not regress the status.
	if !br.MarkAsDelivered(m.ID) {
		t.Fatal("mark delivered returned false for known id")
	}
	if got := br.Get(m.ID).Status; got != StatusRead {
		t.Fatalf("status regressed to %q", got)
	}

	// Failed is terminal.
	m2, _ := br.Send(SendParams{From: "s1", To: "s2", Type: TypeTask, Content: "y"})
	br.MarkAsFailed(m2.ID)
	br.MarkAsRead(m2.ID)
	if got := br.Get(m2.ID).Status; got != StatusFailed {
		t.Fatalf("status = %q, want failed (terminal)", got)
	}

	if br.MarkAsRead("msg-unknown") {
		t.Fatal("mark read on unknown id must return false")
	}
}

func TestUnread_ExcludesRead(t *testing.T) {
	br, _, _ := newTestBroker(t)
	m1, _ := br.Send(SendParams{From: "s1", To: "s2", Type: TypeTask, Content: "a"})
	m2, _ := br.Send(SendParams{From: "s1", To: "s2", Type: TypeTask, Content: "b"})
	br.MarkAsRead(m1.ID)
	br.MarkAsDelivered(m2.ID)

	unread := br.GetUnreadMessages("s2")
	if len(unread) != 1 || unread[0].ID != m2.ID {
		t.Fatalf("unread = %v, want only %s", unread, m2.ID)
	}
}

func TestRoundTrip_Restart(t *testing.T) {
	br, reg, dir := newTestBroker(t)
	m, err := br.Send(SendParams{
		From: "s1", To: "s2", Type: TypeResult, Content: "answer",
		Metadata: map[string]any{"k": "v"}, ReplyTo: "msg-0",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	br.MarkAsDelivered(m.ID)

	br2, err := New(dir, reg, bus.New(), nil)
	if err != nil {
		t.Fatalf("reload broker: %v", err)
	}
	got := br2.Get(m.ID)
	if got == nil {
		t.Fatal("message lost across restart")
	}
	if got.Content != "answer" || got.Status != StatusDelivered || got.ReplyTo != "msg-0" {
		t.Fatalf("reloaded message = %+v", got)
	}
	inbox := br2.GetMessages("s2")
	if len(inbox) != 1 || inbox[0].ID != m.ID {
		t.Fatalf("inbox not reindexed after restart: %v", inbox)
	}
}

func TestDeleteMessage(t *testing.T) {
	br, _, dir := newTestBroker(t)
	m, _ := br.Send(SendParams{From: "s1", To: "s2", Type: TypeTask, Content: "x"})

	if !br.DeleteMessage(m.ID) {
		t.Fatal("delete failed")
	}
	if br.Get(m.ID) != nil {
		t.Fatal("message still present")
	}
	if len(br.GetMessages("s2")) != 0 {
		t.Fatal("inbox reference survived deletion")
	}
	if br.DeleteMessage(m.ID) {
		t.Fatal("second delete must return false")
	}

	// File gone too: a reload sees nothing.
	br2, err := New(dir, nil, nil, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if br2.Count() != 0 {
		t.Fatalf("reloaded %d messages, want 0", br2.Count())
	}
}

func TestDeleteOldMessages(t *testing.T) {
	br, _, _ := newTestBroker(t)

	old := time.Now().Add(-48 * time.Hour)
	br.now = func() time.Time { return old }
	expired, _ := br.Send(SendParams{From: "s1", To: "s2", Type: TypeTask, Content: "old"})

	br.now = time.Now
	fresh, _ := br.Send(SendParams{From: "s1", To: "s2", Type: TypeTask, Content: "new"})

	if n := br.DeleteOldMessages(time.Now().Add(-DefaultRetention)); n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
	if br.Get(expired.ID) != nil {
		t.Fatal("expired message survived sweep")
	}
	if br.Get(fresh.ID) == nil {
		t.Fatal("fresh message purged by sweep")
	}
}

func TestQuery_Filters(t *testing.T) {
	br, _, _ := newTestBroker(t)
	br.Send(SendParams{From: "a", To: "b", Type: TypeTask, Content: "1"})
	br.Send(SendParams{From: "a", To: "c", Type: TypeResult, Content: "2"})
	m3, _ := br.Send(SendParams{From: "b", To: "a", Type: TypeTask, Content: "3"})
	br.MarkAsRead(m3.ID)

	cases := []struct {
		name   string
		filter QueryFilter
		want   int
	}{
		{"all", QueryFilter{}, 3},
		{"tasks", QueryFilter{Type: TypeTask}, 2},
		{"read", QueryFilter{Status: StatusRead}, 1},
		{"from a", QueryFilter{From: "a"}, 2},
		{"limit", QueryFilter{Limit: 2}, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := len(br.Query(tc.filter)); got != tc.want {
				t.Fatalf("len = %d, want %d", got, tc.want)
			}
		})
	}
}
