package session

import "time"

// Session statuses.
const (
	StatusActive     = "active"
	StatusTerminated = "terminated"
	StatusCrashed    = "crashed"
)

// Record is a durable record of one live CLI process under daemon
// supervision. While status is active the record sits in the in-memory
// active table and the process is expected to be alive.
type Record struct {
	SessionID        string            `json:"session_id"`
	AgentName        string            `json:"agent_name"`
	PID              int               `json:"pid"`
	Status           string            `json:"status"`
	StartTime        time.Time         `json:"start_time"`
	EndTime          *time.Time        `json:"end_time,omitempty"`
	WorkingDirectory string            `json:"working_directory"`
	GitRepo          string            `json:"git_repo,omitempty"`
	GitBranch        string            `json:"git_branch,omitempty"`
	Environment      map[string]string `json:"environment,omitempty"`
}

func (r *Record) clone() *Record {
	cp := *r
	if r.EndTime != nil {
		end := *r.EndTime
		cp.EndTime = &end
	}
	if r.Environment != nil {
		cp.Environment = make(map[string]string, len(r.Environment))
		for k, v := range r.Environment {
			cp.Environment[k] = v
		}
	}
	return &cp
}
