// Package archive is the durable long-term store for terminated and crashed
// sessions and for task-completion reports. It also backs the key/value
// storage handed to plugin contexts. The coordination core calls into it and
// never writes the database path.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nestbox/agentd/internal/session"
)

// Store wraps the sqlite archive database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the archive database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) init(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragmas {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_archive (
			session_id        TEXT PRIMARY KEY,
			agent_name        TEXT NOT NULL,
			pid               INTEGER NOT NULL,
			status            TEXT NOT NULL,
			start_time        TIMESTAMP NOT NULL,
			end_time          TIMESTAMP,
			working_directory TEXT NOT NULL DEFAULT '',
			git_repo          TEXT NOT NULL DEFAULT '',
			git_branch        TEXT NOT NULL DEFAULT '',
			environment       TEXT NOT NULL DEFAULT '{}',
			archived_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_archive_agent ON session_archive(agent_name);`,
		`CREATE INDEX IF NOT EXISTS idx_session_archive_status ON session_archive(status);`,
		`CREATE TABLE IF NOT EXISTS task_reports (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id  TEXT NOT NULL,
			task_id     TEXT NOT NULL,
			status      TEXT NOT NULL,
			result      TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT '',
			duration_ms REAL NOT NULL DEFAULT 0,
			reported_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_reports_session ON task_reports(session_id);`,
		`CREATE TABLE IF NOT EXISTS plugin_kv (
			plugin_name TEXT NOT NULL,
			key         TEXT NOT NULL,
			value       TEXT NOT NULL,
			updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (plugin_name, key)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// ArchiveSession durably stores a terminated or crashed session record.
// Re-archiving the same session ID replaces the earlier row; the session
// registry guarantees a record is archived at most once per lifecycle, but
// a crash between archive and snapshot rewrite can replay it on restart.
func (s *Store) ArchiveSession(rec *session.Record) error {
	env, err := json.Marshal(rec.Environment)
	if err != nil {
		return fmt.Errorf("marshal environment: %w", err)
	}
	var end any
	if rec.EndTime != nil {
		end = rec.EndTime.UTC()
	}
	_, err = s.db.Exec(`
		INSERT INTO session_archive
			(session_id, agent_name, pid, status, start_time, end_time,
			 working_directory, git_repo, git_branch, environment)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status,
			end_time = excluded.end_time;
	`, rec.SessionID, rec.AgentName, rec.PID, rec.Status, rec.StartTime.UTC(), end,
		rec.WorkingDirectory, rec.GitRepo, rec.GitBranch, string(env))
	if err != nil {
		return fmt.Errorf("archive session %s: %w", rec.SessionID, err)
	}
	return nil
}

// ArchiveFilter selects archived sessions. Zero-valued fields do not filter.
type ArchiveFilter struct {
	AgentName string
	Status    string
	Since     time.Time
	Limit     int
}

// QueryArchive returns archived sessions matching the filter, newest first.
func (s *Store) QueryArchive(ctx context.Context, filter ArchiveFilter) ([]*session.Record, error) {
	query := `
		SELECT session_id, agent_name, pid, status, start_time, end_time,
		       working_directory, git_repo, git_branch, environment
		FROM session_archive WHERE 1=1`
	var args []any
	if filter.AgentName != "" {
		query += " AND agent_name = ?"
		args = append(args, filter.AgentName)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if !filter.Since.IsZero() {
		query += " AND start_time >= ?"
		args = append(args, filter.Since.UTC())
	}
	query += " ORDER BY start_time DESC"
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query session archive: %w", err)
	}
	defer rows.Close()

	var out []*session.Record
	for rows.Next() {
		var rec session.Record
		var end sql.NullTime
		var env string
		if err := rows.Scan(&rec.SessionID, &rec.AgentName, &rec.PID, &rec.Status,
			&rec.StartTime, &end, &rec.WorkingDirectory, &rec.GitRepo, &rec.GitBranch, &env); err != nil {
			return nil, fmt.Errorf("scan archived session: %w", err)
		}
		if end.Valid {
			t := end.Time
			rec.EndTime = &t
		}
		if env != "" && env != "null" {
			if err := json.Unmarshal([]byte(env), &rec.Environment); err != nil {
				return nil, fmt.Errorf("parse environment for %s: %w", rec.SessionID, err)
			}
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archived session rows: %w", err)
	}
	return out, nil
}

// TaskReport is one task-completion report from an agent.
type TaskReport struct {
	SessionID  string    `json:"session_id"`
	TaskID     string    `json:"task_id"`
	Status     string    `json:"status"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS float64   `json:"duration_ms"`
	ReportedAt time.Time `json:"reported_at"`
}

// RecordTaskReport stores a task-completion report.
func (s *Store) RecordTaskReport(ctx context.Context, rep TaskReport) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_reports (session_id, task_id, status, result, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?);
	`, rep.SessionID, rep.TaskID, rep.Status, rep.Result, rep.Error, rep.DurationMS)
	if err != nil {
		return fmt.Errorf("record task report: %w", err)
	}
	return nil
}

// ListTaskReports returns reports for a session, newest first.
func (s *Store) ListTaskReports(ctx context.Context, sessionID string, limit int) ([]TaskReport, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, task_id, status, result, error, duration_ms, reported_at
		FROM task_reports
		WHERE session_id = ?
		ORDER BY id DESC
		LIMIT ?;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query task reports: %w", err)
	}
	defer rows.Close()

	var out []TaskReport
	for rows.Next() {
		var rep TaskReport
		if err := rows.Scan(&rep.SessionID, &rep.TaskID, &rep.Status, &rep.Result,
			&rep.Error, &rep.DurationMS, &rep.ReportedAt); err != nil {
			return nil, fmt.Errorf("scan task report: %w", err)
		}
		out = append(out, rep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task report rows: %w", err)
	}
	return out, nil
}

// KVSet stores a value in a plugin's scoped key/value space.
func (s *Store) KVSet(ctx context.Context, pluginName, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plugin_kv (plugin_name, key, value, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(plugin_name, key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP;
	`, pluginName, key, value)
	if err != nil {
		return fmt.Errorf("kv set %s/%s: %w", pluginName, key, err)
	}
	return nil
}

// KVGet returns the value for key in a plugin's scoped space. The second
// return is false when the key is absent.
func (s *Store) KVGet(ctx context.Context, pluginName, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM plugin_kv WHERE plugin_name = ? AND key = ?;
	`, pluginName, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get %s/%s: %w", pluginName, key, err)
	}
	return value, true, nil
}
