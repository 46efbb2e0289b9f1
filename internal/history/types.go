package history

import (
	"errors"
	"time"
)

type BatchStatus string

const (
	BatchRunning   BatchStatus = "running"
	BatchSucceeded BatchStatus = "succeeded"
	BatchFailed    BatchStatus = "failed"
)

// Batch is one `job run` invocation.
type Batch struct {
	ID              string      `json:"id"`
	ConfigPath      string      `json:"config_path,omitempty"`
	ContinueOnError bool        `json:"continue_on_error"`
	JobCount        int         `json:"job_count"`
	Status          BatchStatus `json:"status"`
	StartedAt       time.Time   `json:"started_at"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
}

// BatchStart describes a batch about to run.
type BatchStart struct {
	ConfigPath      string
	ContinueOnError bool
	JobCount        int
}

// Record is the stored outcome of one job within a batch.
type Record struct {
	ID          string     `json:"id"`
	BatchID     string     `json:"batch_id"`
	Seq         int        `json:"seq"`
	JobName     string     `json:"job"`
	Binding     string     `json:"binding"`
	GPU         int        `json:"gpu"`
	State       string     `json:"state"`
	Reason      string     `json:"reason,omitempty"`
	ExitCode    int        `json:"exit_code"`
	Argv        []string   `json:"argv,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
	Stderr      *string    `json:"stderr,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

var ErrBatchNotFound = errors.New("batch not found")
