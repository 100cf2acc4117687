package models

import "time"

// RunStatus is the outcome of a single-bug run.
type RunStatus string

const (
	RunStatusRunning       RunStatus = "running"
	RunStatusSucceeded     RunStatus = "succeeded"
	RunStatusFailed        RunStatus = "failed"
	RunStatusQuotaExceeded RunStatus = "quota_exceeded"
)

// Run records one attempt at processing a bug ID.
type Run struct {
	ID         string
	BugID      int
	Status     RunStatus
	Rounds     int
	FinalScore int
	Reason     TerminationReason
	FixValid   bool
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}
