// Package event defines the action and monitor events raised by the dispatch
// layer and the listener sets they are fired through.
package event

import (
	"time"

	"jobrelay/internal/job"
)

// Action identifies a successful dispatcher operation.
type Action int

const (
	Created Action = iota + 1
	Submitted
	Suspended
	Resumed
	Cancelled
)

func (a Action) String() string {
	switch a {
	case Created:
		return "created"
	case Submitted:
		return "submitted"
	case Suspended:
		return "suspended"
	case Resumed:
		return "resumed"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// ActionEvent is fired after a successful create/submit/suspend/resume/cancel.
type ActionEvent struct {
	Action  Action
	Job     *job.Job
	Backend string
	At      time.Time
}

// NewAction builds an ActionEvent stamped with the current time.
func NewAction(action Action, j *job.Job, backendID string) ActionEvent {
	return ActionEvent{Action: action, Job: j, Backend: backendID, At: time.Now().UTC()}
}

// MonitorEvent is fired when a monitored job's status changes.
type MonitorEvent struct {
	Job      *job.Job
	Status   job.Status
	Previous job.Status
	Backend  string
	At       time.Time
}

// ActionListener receives one callback per action kind.
type ActionListener interface {
	JobCreated(ActionEvent)
	JobSubmitted(ActionEvent)
	JobSuspended(ActionEvent)
	JobResumed(ActionEvent)
	JobCancelled(ActionEvent)
}

// MonitorListener receives status changes.
type MonitorListener interface {
	JobStatusChanged(MonitorEvent)
}

// MonitorListenerFunc adapts a function to MonitorListener.
type MonitorListenerFunc func(MonitorEvent)

func (f MonitorListenerFunc) JobStatusChanged(e MonitorEvent) { f(e) }

// ActionListenerFunc adapts a single function receiving every action.
type ActionListenerFunc func(ActionEvent)

func (f ActionListenerFunc) JobCreated(e ActionEvent)   { f(e) }
func (f ActionListenerFunc) JobSubmitted(e ActionEvent) { f(e) }
func (f ActionListenerFunc) JobSuspended(e ActionEvent) { f(e) }
func (f ActionListenerFunc) JobResumed(e ActionEvent)   { f(e) }
func (f ActionListenerFunc) JobCancelled(e ActionEvent) { f(e) }

// DeliverAction calls the callback of l matching e.Action.
func DeliverAction(l ActionListener, e ActionEvent) {
	switch e.Action {
	case Created:
		l.JobCreated(e)
	case Submitted:
		l.JobSubmitted(e)
	case Suspended:
		l.JobSuspended(e)
	case Resumed:
		l.JobResumed(e)
	case Cancelled:
		l.JobCancelled(e)
	}
}
