package model

import "time"

// RunKind distinguishes the three batch run types.
type RunKind string

const (
	RunKindIngest  RunKind = "ingest"
	RunKindEnrich  RunKind = "enrich"
	RunKindResolve RunKind = "resolve"
)

// RunStatus is the lifecycle state of a batch run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// RunCounters reports what a run did. Deferred and rejected records stay
// inspectable in the store; the counters only summarize them.
type RunCounters struct {
	Scanned         int `json:"scanned"`
	ChipsCreated    int `json:"chips_created"`
	VariantsCreated int `json:"variants_created"`
	Linked          int `json:"linked"`
	Hypotheses      int `json:"hypotheses"`
	Deferred        int `json:"deferred"`
	Rejected        int `json:"rejected"`
	Duplicates      int `json:"duplicates"`
	Errors          int `json:"errors"`
}

// Deferral records why an observation was left unlinked during a resolve
// run, so deferred evidence stays inspectable rather than silently dropped.
type Deferral struct {
	ObservationID string `json:"observation_id"`
	RunID         string `json:"run_id"`
	Reason        string `json:"reason"`
	Detail        string `json:"detail"`
}

// Run records the lineage of one batch processing run.
type Run struct {
	ID         string       `json:"id"`
	Kind       RunKind      `json:"kind"`
	Status     RunStatus    `json:"status"`
	Counters   *RunCounters `json:"counters,omitempty"`
	Error      string       `json:"error,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}
