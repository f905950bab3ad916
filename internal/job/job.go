// Package job contains the job model shared by backends, the dispatcher and
// the status monitor.
package job

import (
	"fmt"
	"strings"
	"time"
)

// Job is a unit of work handed to a backend. ID is empty until a backend
// assigns one on submit. A Job must not be mutated while an operation on it
// is in flight.
type Job struct {
	ID         string
	Priority   Priority
	Target     string // where the work goes: address, image, queue, ...
	TargetName string
	Payload    string
	Properties map[string]string
	CreatedAt  time.Time
}

// New creates a job with medium priority.
func New() *Job {
	return &Job{
		Priority:   PriorityMedium,
		Properties: make(map[string]string),
		CreatedAt:  time.Now().UTC(),
	}
}

// Property returns the trimmed property value or def when absent or blank.
func (j *Job) Property(key, def string) string {
	if j.Properties == nil {
		return def
	}
	v := strings.TrimSpace(j.Properties[key])
	if v == "" {
		return def
	}
	return v
}

// SetProperty sets a property, allocating the map when needed.
func (j *Job) SetProperty(key, value string) {
	if j.Properties == nil {
		j.Properties = make(map[string]string)
	}
	j.Properties[key] = value
}

func (j *Job) String() string {
	if j == nil {
		return "<nil>"
	}
	if j.ID == "" {
		return "job(unsubmitted)"
	}
	return "job(" + j.ID + ")"
}

// Priority orders jobs for backends that support it.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ParsePriority accepts low, medium or high in any case. Empty is medium.
func ParsePriority(s string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case "", PriorityMedium:
		return PriorityMedium, nil
	case PriorityLow:
		return PriorityLow, nil
	case PriorityHigh:
		return PriorityHigh, nil
	}
	return "", fmt.Errorf("invalid priority %q", s)
}
