package eventbus

import "time"

// Job lifecycle event types.
const (
	JobAdded    = "job.added"
	JobModified = "job.modified"
	JobDeleted  = "job.deleted"
	JobStarted  = "job.started"
	JobFinished = "job.finished"
)

// JobEvent is the Data payload of every job.* event.
//
// ExitCode, Duration and Err are only set on job.finished.
type JobEvent struct {
	ID       int
	Command  string
	Schedule string
	Status   string

	ExitCode int
	Duration time.Duration
	Err      string
}

// PublishJob wraps ev in an Event of the given type.
func PublishJob(b Bus, typ string, ev JobEvent) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Data: ev})
}
