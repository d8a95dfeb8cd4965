package app

import (
	"fmt"
	"time"
)

// Operation tracks one CLI invocation. Its ID tags every log line written
// while it runs so interleaved runs can be told apart in fieldsync.log.
type Operation struct {
	ID      string
	Name    string
	Started time.Time
	Status  string // "success" or "error"
}

// NewOperation creates an operation that has not failed yet.
func NewOperation(name string, started time.Time) *Operation {
	return &Operation{
		ID:      fmt.Sprintf("%s-%s", started.UTC().Format("20060102T150405Z"), name),
		Name:    name,
		Started: started,
		Status:  "success",
	}
}

// Record marks the operation failed when err is non-nil and returns err
// unchanged.
func (op *Operation) Record(err error) error {
	if err != nil {
		op.Status = "error"
	}
	return err
}

// Failed reports whether any recorded step failed.
func (op *Operation) Failed() bool {
	return op.Status == "error"
}

// Elapsed returns the run time so far, truncated to milliseconds.
func (op *Operation) Elapsed(now time.Time) time.Duration {
	return now.Sub(op.Started).Truncate(time.Millisecond)
}
