package job

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a job.
//
// Transitions are monotone: Pending -> Running -> {Completed, Failed}.
type Status int

const (
	Pending Status = iota
	Running
	Completed
	Failed
)

var statusNames = [...]string{
	Pending:   "Pending",
	Running:   "Running",
	Completed: "Completed",
	Failed:    "Failed",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "Unknown"
	}
	return statusNames[s]
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s == Completed || s == Failed }

// ParseStatus accepts any casing ("PENDING", "pending", "Pending").
func ParseStatus(raw string) (Status, bool) {
	v := strings.TrimSpace(raw)
	for i, name := range statusNames {
		if strings.EqualFold(v, name) {
			return Status(i), true
		}
	}
	return Pending, false
}

// Job is a scheduled shell command.
type Job struct {
	ID          int
	Command     string
	Schedule    string // normalized HH:MM
	ScheduledAt time.Time
	Status      Status
	Executed    bool
	CreatedAt   time.Time
}

// Due reports whether the job is eligible for execution at now.
func (j Job) Due(now time.Time) bool {
	return !j.Executed && j.Status == Pending && !j.ScheduledAt.After(now)
}
