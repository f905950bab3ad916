package job

import (
	"fmt"
	"strings"
)

// Status is the backend-reported state of a job.
type Status string

const (
	// StatusUnset marks a missing entry in a batch poll result.
	StatusUnset      Status = ""
	StatusUnknown    Status = "UNKNOWN"
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusError      Status = "ERROR"
)

// IsTerminal reports whether no further status change is expected.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusUnknown, StatusCompleted, StatusError:
		return true
	}
	return false
}

func (s Status) String() string {
	if s == StatusUnset {
		return "UNSET"
	}
	return string(s)
}

// ParseStatus is case-insensitive and accepts '-' or ' ' for '_'.
func ParseStatus(s string) (Status, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	switch Status(norm) {
	case StatusUnknown, StatusPending, StatusInProgress, StatusCompleted, StatusError:
		return Status(norm), nil
	}
	return StatusUnset, fmt.Errorf("invalid job status %q", s)
}
