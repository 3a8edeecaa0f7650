// Package worklist turns a set of connected boards into flash jobs and
// drives each job through bootloader transition, write, and
// verification, isolating failures so one board never aborts the rest.
package worklist

import (
	"time"

	"github.com/buckleypaul/molt/internal/catalog"
	"github.com/buckleypaul/molt/internal/device"
)

// Status tracks a job through its run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPreparing Status = "preparing"
	StatusWriting   Status = "writing"
	StatusVerifying Status = "verifying"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusDeferred  Status = "deferred"
)

// Job binds one connected board to one resolved artifact and the write
// strategy for it. A job is mutated only by the component currently
// processing it.
type Job struct {
	ID       string
	Board    device.ConnectedBoard
	Firmware catalog.Firmware
	Strategy string

	Status   Status
	Reason   string // why a job was skipped or deferred
	Err      error
	Warning  string // post-flash identity mismatch, never fatal
	Started  time.Time
	Finished time.Time
}

func (j *Job) skip(reason string) {
	j.Status = StatusSkipped
	j.Reason = reason
}

func (j *Job) fail(err error) {
	j.Status = StatusFailed
	j.Err = err
	j.Finished = time.Now()
}

// Summary tallies the terminal statuses of one run.
type Summary struct {
	Done     int
	Failed   int
	Skipped  int
	Deferred int
}

// Summarize counts job outcomes.
func Summarize(jobs []*Job) Summary {
	var s Summary
	for _, j := range jobs {
		switch j.Status {
		case StatusDone:
			s.Done++
		case StatusFailed:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		case StatusDeferred:
			s.Deferred++
		}
	}
	return s
}

// Ok reports whether every board that had work to do finished it.
func (s Summary) Ok() bool { return s.Failed == 0 && s.Deferred == 0 }
