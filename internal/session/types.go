package session

import (
	"errors"
	"time"
)

var (
	// ErrRunNotFound means the run does not exist.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunExpired means the run existed but its TTL has passed.
	ErrRunExpired = errors.New("run expired")
)

// Status is the lifecycle state of a research run.
type Status string

const (
	StatusPlanning     Status = "planning"
	StatusResearching  Status = "researching"
	StatusSynthesizing Status = "synthesizing"
	StatusDone         Status = "done"
	StatusFailed       Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// StepStatus is the state of one plan step.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepDone    StepStatus = "done"
	StepSkipped StepStatus = "skipped"
)

// Step is the stored view of one plan step.
type Step struct {
	Index       int        `json:"index"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
	Researcher  string     `json:"researcher,omitempty"`
	Sources     int        `json:"sources,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Run is the stored state of one research run.
type Run struct {
	ID         string    `json:"id"`
	Query      string    `json:"query"`
	Status     Status    `json:"status"`
	Steps      []Step    `json:"steps,omitempty"`
	GapNotes   []string  `json:"gap_notes,omitempty"`
	ReportPath string    `json:"report_path,omitempty"`
	Error      string    `json:"error,omitempty"`
	TokensUsed int       `json:"tokens_used,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// IsExpired reports whether the run's TTL has passed.
func (r *Run) IsExpired() bool {
	return !r.ExpiresAt.IsZero() && time.Now().After(r.ExpiresAt)
}
