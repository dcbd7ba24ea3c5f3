package broker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// fileStore persists one JSON file per message under a single directory,
// keyed by message ID. It is only ever written by the owning Broker.
type fileStore struct {
	dir string
}

func newFileStore(dir string) (*fileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create message dir: %w", err)
	}
	return &fileStore{dir: dir}, nil
}

func (fs *fileStore) path(id string) string {
	return filepath.Join(fs.dir, id+".json")
}

// write persists the message, replacing any previous file for the same ID.
// The write goes through a temp file and rename so a crash mid-write never
// leaves a truncated message on disk.
func (fs *fileStore) write(m *AgentMessage) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", m.ID, err)
	}
	tmp := fs.path(m.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write message %s: %w", m.ID, err)
	}
	if err := os.Rename(tmp, fs.path(m.ID)); err != nil {
		return fmt.Errorf("promote message %s: %w", m.ID, err)
	}
	return nil
}

func (fs *fileStore) remove(id string) error {
	if err := os.Remove(fs.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove message %s: %w", id, err)
	}
	return nil
}

// loadAll reads every persisted message. Unparseable files are returned as
// errors but do not abort the load; the daemon starts with whatever survives.
func (fs *fileStore) loadAll() ([]*AgentMessage, []error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{fmt.Errorf("read message dir: %w", err)}
	}

	var out []*AgentMessage
	var errs []error
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(fs.dir, name))
		if err != nil {
			errs = append(errs, fmt.Errorf("read message file %s: %w", name, err))
			continue
		}
		var m AgentMessage
		if err := json.Unmarshal(data, &m); err != nil {
			errs = append(errs, fmt.Errorf("parse message file %s: %w", name, err))
			continue
		}
		if m.ID == "" {
			errs = append(errs, fmt.Errorf("message file %s has no id", name))
			continue
		}
		out = append(out, &m)
	}
	return out, errs
}
