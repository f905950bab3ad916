package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"jobrelay/internal/backend"
	"jobrelay/internal/config"
	"jobrelay/internal/event"
	"jobrelay/internal/job"
	"jobrelay/internal/relayerr"
	"jobrelay/pkg/api"
)

// printer writes command results as colored text or one JSON value per
// line.
type printer struct {
	out  io.Writer
	json bool
}

func newPrinter(out io.Writer, format string) *printer {
	return &printer{out: out, json: format == "json"}
}

func (p *printer) encode(v any) {
	_ = json.NewEncoder(p.out).Encode(v)
}

func (p *printer) action(e event.ActionEvent) {
	id := ""
	if e.Job != nil {
		id = e.Job.ID
	}
	if p.json {
		p.encode(api.ActionEventResponse{
			Type:    api.TypeAction,
			Action:  e.Action.String(),
			JobID:   id,
			Backend: e.Backend,
			At:      e.At,
		})
		return
	}
	if id == "" {
		fmt.Fprintf(p.out, "%s✓%s Job %s on %s\n", colorGreen, colorReset, e.Action, e.Backend)
		return
	}
	fmt.Fprintf(p.out, "%s✓%s Job %s on %s\n%sJob ID:%s %s\n", colorGreen, colorReset, e.Action, e.Backend, colorDim, colorReset, id)
}

func (p *printer) monitor(e event.MonitorEvent) {
	if p.json {
		p.encode(api.MonitorEventResponse{
			Type:     api.TypeMonitor,
			JobID:    e.Job.ID,
			Backend:  e.Backend,
			Previous: e.Previous.String(),
			Status:   e.Status.String(),
			At:       e.At,
		})
		return
	}
	fmt.Fprintf(p.out, "%s %s → %s\n", statusIcon(e.Status), e.Previous, colorizeStatus(e.Status))
}

func (p *printer) status(id, backendID string, s job.Status) {
	if p.json {
		p.encode(api.JobStatusResponse{ID: id, Backend: backendID, Status: s.String()})
		return
	}
	fmt.Fprintf(p.out, "%s %sJob Details%s\n", statusIcon(s), colorBold, colorReset)
	fmt.Fprintln(p.out, "──────────────────────────────")
	fmt.Fprintf(p.out, "%sID:%s          %s\n", colorDim, colorReset, id)
	fmt.Fprintf(p.out, "%sBackend:%s     %s\n", colorDim, colorReset, backendID)
	fmt.Fprintf(p.out, "%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(s))
}

func (p *printer) config(cfg config.Configuration) {
	if p.json {
		p.encode(api.ConfigResponse{Values: cfg.Map()})
		return
	}
	for _, k := range cfg.Keys() {
		v, _ := cfg.Lookup(k)
		fmt.Fprintf(p.out, "%s = %s\n", k, v)
	}
}

func (p *printer) reports(reports []api.BackendReport) {
	if p.json {
		p.encode(reports)
		return
	}
	for _, r := range reports {
		switch {
		case r.Error != "":
			fmt.Fprintf(p.out, "%s✗%s %s: %s\n", colorRed, colorReset, r.ID, r.Error)
		case r.Selected:
			fmt.Fprintf(p.out, "%s✓%s %s (%s) %sselected%s\n", colorGreen, colorReset, r.ID, r.Implementation, colorBold, colorReset)
		case r.Eligible:
			fmt.Fprintf(p.out, "%s✓%s %s (%s)\n", colorGreen, colorReset, r.ID, r.Implementation)
		default:
			fmt.Fprintf(p.out, "%s✗%s %s %sfailed %s%s\n", colorRed, colorReset, r.ID, colorDim, r.FailedCondition, colorReset)
		}
	}
}

func (p *printer) error(err error) {
	if p.json {
		p.encode(api.ErrorResponse{Error: err.Error(), Code: errorCode(err)})
		return
	}
	fmt.Fprintf(p.out, "%sError:%s %v\n", colorRed, colorReset, err)
}

// errorCode classifies err for JSON output.
func errorCode(err error) string {
	switch {
	case errors.Is(err, relayerr.ErrConfiguration):
		return "configuration"
	case errors.Is(err, relayerr.ErrNoEligibleBackend):
		return "no_eligible_backend"
	case errors.Is(err, relayerr.ErrInvalidJob):
		return "invalid_job"
	case errors.Is(err, backend.ErrJobNotFound):
		return "not_found"
	case errors.Is(err, backend.ErrUnsupported):
		return "unsupported"
	}
	return ""
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(s job.Status) string {
	switch s {
	case job.StatusCompleted:
		return colorGreen + "✓" + colorReset
	case job.StatusError:
		return colorRed + "✗" + colorReset
	case job.StatusInProgress:
		return colorYellow + "⏳" + colorReset
	case job.StatusPending:
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(s job.Status) string {
	color := ""
	switch s {
	case job.StatusCompleted:
		color = colorGreen
	case job.StatusError:
		color = colorRed
	case job.StatusInProgress:
		color = colorYellow
	case job.StatusPending:
		color = colorCyan
	default:
		return s.String()
	}
	return color + s.String() + colorReset
}

// parsePairs turns key=value flags into a map.
func parsePairs(flag string, pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --%s %q, expected key=value", flag, pair)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}
