package collector

import (
	"time"

	"github.com/fabricsight/fabricsight/pkg/fabric"
)

// State is the run lifecycle phase. Transitions are linear; a run never
// moves backwards.
type State string

const (
	StateInit            State = "init"
	StateDiscovering     State = "discovering"
	StateCollecting      State = "collecting"
	StateFlushing        State = "flushing"
	StateCompleted       State = "completed"
	StatePartiallyFailed State = "partially_failed"
)

// StreamResult is the per-stream outcome of one run. Collected equals
// Sent plus Failed once the run finishes; normalization rejects and
// undeliverable batches both land in Failed.
type StreamResult struct {
	Collected int64    `json:"collected"`
	Sent      int64    `json:"sent"`
	Failed    int64    `json:"failed"`
	Entities  int      `json:"entities"`
	Errors    []string `json:"errors,omitempty"`
}

// RunResult is the report for one collection run
type RunResult struct {
	RunID      string                   `json:"run_id"`
	Status     State                    `json:"status"`
	Mode       string                   `json:"mode"`
	Window     fabric.Window            `json:"window"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at"`
	Streams    map[string]*StreamResult `json:"streams"`
	// SkippedKinds lists entity kinds whose discovery failed; their
	// streams collected nothing this run
	SkippedKinds []string `json:"skipped_kinds,omitempty"`
}

// Succeeded reports whether every stream collected and delivered cleanly
func (r *RunResult) Succeeded() bool {
	return r.Status == StateCompleted
}
