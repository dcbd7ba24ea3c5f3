package janitor

import (
	"os"
	"testing"
	"time"

	"github.com/nestbox/agentd/internal/broker"
	"github.com/nestbox/agentd/internal/bus"
	"github.com/nestbox/agentd/internal/registry"
	"github.com/nestbox/agentd/internal/session"
)

type nopArchiver struct{}

func (nopArchiver) ArchiveSession(*session.Record) error { return nil }

func TestSweepAgentsNow(t *testing.T) {
	b := bus.New()
	reg := registry.New(b, nil)
	if _, err := reg.Register(registry.RegisterParams{
		SessionID: "s1", Type: registry.TypeWorker, Label: "w1",
	}); err != nil {
		t.Fatal(err)
	}

	j, err := New(Config{Registry: reg, AgentTimeout: time.Nanosecond})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}

	time.Sleep(2 * time.Millisecond)
	if n := j.SweepAgentsNow(); n != 1 {
		t.Fatalf("swept %d agents, want 1", n)
	}
	rec := reg.Get("s1")
	if rec == nil || rec.Status != registry.StatusDisconnected {
		t.Fatalf("record = %+v", rec)
	}

	// A second sweep skips already-disconnected records.
	if n := j.SweepAgentsNow(); n != 0 {
		t.Fatalf("second sweep marked %d, want 0", n)
	}
}

func TestPurgeMessagesNow(t *testing.T) {
	b := bus.New()
	reg := registry.New(b, nil)
	br, err := broker.New(t.TempDir(), reg, b, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := br.Send(broker.SendParams{
		From: "s1", To: "s2", Type: broker.TypeTask, Content: "old",
	}); err != nil {
		t.Fatal(err)
	}

	j, err := New(Config{Broker: br, MessageRetention: time.Nanosecond})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}

	time.Sleep(2 * time.Millisecond)
	if n := j.PurgeMessagesNow(); n != 1 {
		t.Fatalf("purged %d messages, want 1", n)
	}
	if br.Count() != 0 {
		t.Fatalf("broker still holds %d messages", br.Count())
	}
}

func TestCleanupSessionsNowLeavesLiveProcesses(t *testing.T) {
	dir := t.TempDir()
	sessions := session.New(dir+"/sessions.json", nopArchiver{}, bus.New(), nil)
	defer sessions.Close()
	if err := sessions.Initialize(); err != nil {
		t.Fatal(err)
	}
	if _, err := sessions.Register(&session.Record{
		SessionID: "sess-1", AgentName: "coder", PID: os.Getpid(),
	}); err != nil {
		t.Fatal(err)
	}

	j, err := New(Config{Sessions: sessions})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}
	if n := j.CleanupSessionsNow(); n != 0 {
		t.Fatalf("cleaned %d live sessions, want 0", n)
	}
}

func TestStartStop(t *testing.T) {
	b := bus.New()
	reg := registry.New(b, nil)
	j, err := New(Config{Registry: reg, SweepInterval: time.Second})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}
	j.Start()
	j.Stop()
}
