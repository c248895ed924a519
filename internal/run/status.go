package run

import (
	"time"

	"github.com/flowforge-io/flowforge/internal/task"
)

// Status is the per-node run lifecycle.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	// StatusSkipped marks nodes not executed because an upstream node
	// failed or was cancelled.
	StatusSkipped Status = "skipped"
)

// Terminal reports whether the status is final for this run.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// NodeRun is the per-node outcome of a run.
type NodeRun struct {
	NodeID      int64       `json:"node_id"`
	Fingerprint string      `json:"fingerprint,omitempty"`
	Status      Status      `json:"status"`
	Attempts    int         `json:"attempts"`
	CacheHit    bool        `json:"cache_hit"`
	Rows        int         `json:"rows"`
	Error       *task.Error `json:"error,omitempty"`
	StartedAt   time.Time   `json:"started_at,omitempty"`
	FinishedAt  time.Time   `json:"finished_at,omitempty"`
}

// Report is the outcome of one run.
type Report struct {
	RunID      string             `json:"run_id"`
	FlowID     string             `json:"flow_id"`
	Status     Status             `json:"status"`
	Nodes      map[int64]*NodeRun `json:"nodes"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
}
