// Package api contains the JSON shapes relayctl prints with --output json.
// Each value is written as one line.
package api

import "time"

// ActionEventResponse is printed for every action event of a dispatcher.
type ActionEventResponse struct {
	Type    string    `json:"type"`
	Action  string    `json:"action"`
	JobID   string    `json:"job_id,omitempty"`
	Backend string    `json:"backend"`
	At      time.Time `json:"at"`
}

// MonitorEventResponse is printed for every status change seen while
// watching a job.
type MonitorEventResponse struct {
	Type     string    `json:"type"`
	JobID    string    `json:"job_id"`
	Backend  string    `json:"backend"`
	Previous string    `json:"previous"`
	Status   string    `json:"status"`
	At       time.Time `json:"at"`
}

// Event types.
const (
	TypeAction  = "action"
	TypeMonitor = "monitor"
)

// JobStatusResponse is the result of relayctl status.
type JobStatusResponse struct {
	ID      string `json:"id"`
	Backend string `json:"backend"`
	Status  string `json:"status"`
}

// BackendReport describes how one candidate backend fared during selection.
type BackendReport struct {
	ID             string   `json:"id"`
	Implementation string   `json:"implementation,omitempty"`
	Eligible       bool     `json:"eligible"`
	Selected       bool     `json:"selected"`
	Conditions     []string `json:"conditions"`
	// FailedCondition is the first condition that did not hold.
	FailedCondition string `json:"failed_condition,omitempty"`
	Error           string `json:"error,omitempty"`
}

// ConfigResponse is the merged configuration printed by relayctl config.
type ConfigResponse struct {
	Values map[string]string `json:"values"`
}

// ErrorResponse is the standard error output format.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
