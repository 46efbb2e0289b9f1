package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/rendergate/internal/dispatch"
	"github.com/mattjoyce/rendergate/internal/history"
	"github.com/mattjoyce/rendergate/internal/job"
)

// BatchReport is the structured JSON representation of one batch, either
// fresh from the dispatcher or reloaded from history.
type BatchReport struct {
	BatchID         string     `json:"batch_id"`
	ConfigPath      string     `json:"config_path,omitempty"`
	Status          string     `json:"status"`
	ContinueOnError bool       `json:"continue_on_error"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Succeeded       int        `json:"succeeded"`
	Failed          int        `json:"failed"`
	Skipped         int        `json:"skipped"`
	Jobs            []JobLine  `json:"jobs"`
}

// JobLine is one job's outcome within a batch report.
type JobLine struct {
	Seq        int            `json:"seq"`
	Job        string         `json:"job"`
	Binding    string         `json:"binding"`
	GPU        int            `json:"gpu"`
	State      string         `json:"state"`
	Reason     string         `json:"reason,omitempty"`
	ExitCode   int            `json:"exit_code"`
	DurationMS int64          `json:"duration_ms"`
	Detail     string         `json:"detail,omitempty"`
	Argv       []string       `json:"argv,omitempty"`
	Plan       *job.FramePlan `json:"plan,omitempty"`
	Stderr     string         `json:"stderr,omitempty"`
}

// BatchLoader reads stored batches.
type BatchLoader interface {
	GetBatch(ctx context.Context, batchID string) (*history.Batch, []history.Record, error)
}

// FromDispatch converts a finished dispatcher report.
func FromDispatch(r *dispatch.Report) *BatchReport {
	started, completed := r.StartedAt, r.CompletedAt
	out := &BatchReport{
		BatchID:         r.BatchID,
		Status:          string(history.BatchSucceeded),
		ContinueOnError: r.ContinueOnError,
		StartedAt:       &started,
		CompletedAt:     &completed,
		Jobs:            make([]JobLine, 0, len(r.Outcomes)),
	}
	if !r.OK() {
		out.Status = string(history.BatchFailed)
	}
	for i, o := range r.Outcomes {
		out.Jobs = append(out.Jobs, JobLine{
			Seq:        i,
			Job:        o.Job,
			Binding:    o.Binding,
			GPU:        o.GPU,
			State:      string(o.State),
			Reason:     string(o.Reason),
			ExitCode:   o.ExitCode,
			DurationMS: o.Duration.Milliseconds(),
			Detail:     o.Detail,
			Argv:       o.Argv,
			Plan:       o.Plan,
			Stderr:     o.Stderr,
		})
	}
	out.count()
	return out
}

// FromHistory converts a stored batch and its records.
func FromHistory(b *history.Batch, recs []history.Record) *BatchReport {
	started := b.StartedAt
	out := &BatchReport{
		BatchID:         b.ID,
		ConfigPath:      b.ConfigPath,
		Status:          string(b.Status),
		ContinueOnError: b.ContinueOnError,
		StartedAt:       &started,
		CompletedAt:     b.CompletedAt,
		Jobs:            make([]JobLine, 0, len(recs)),
	}
	for _, rec := range recs {
		line := JobLine{
			Seq:      rec.Seq,
			Job:      rec.JobName,
			Binding:  rec.Binding,
			GPU:      rec.GPU,
			State:    rec.State,
			Reason:   rec.Reason,
			ExitCode: rec.ExitCode,
			Argv:     rec.Argv,
		}
		if rec.LastError != nil {
			line.Detail = *rec.LastError
		}
		if rec.Stderr != nil {
			line.Stderr = *rec.Stderr
		}
		if rec.StartedAt != nil && rec.CompletedAt != nil {
			line.DurationMS = rec.CompletedAt.Sub(*rec.StartedAt).Milliseconds()
		}
		out.Jobs = append(out.Jobs, line)
	}
	out.count()
	return out
}

// Load reads a stored batch by id.
func Load(ctx context.Context, store BatchLoader, batchID string) (*BatchReport, error) {
	if strings.TrimSpace(batchID) == "" {
		return nil, fmt.Errorf("batch id is required")
	}
	b, recs, err := store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("load batch %q: %w", batchID, err)
	}
	return FromHistory(b, recs), nil
}

func (r *BatchReport) count() {
	for _, j := range r.Jobs {
		switch j.State {
		case string(dispatch.StateSucceeded):
			r.Succeeded++
		case string(dispatch.StateFailed):
			r.Failed++
		case string(dispatch.StateSkipped):
			r.Skipped++
		}
	}
}

// Text renders a terminal-friendly batch report. With verbose set, each
// job's command line and captured stderr tail are included.
func Text(r *BatchReport, verbose bool) string {
	theme := NewDefaultTheme()

	var out strings.Builder
	fmt.Fprintf(&out, "%s\n", theme.Title.Render("Render Batch"))
	fmt.Fprintf(&out, "Batch ID    : %s\n", r.BatchID)
	if r.ConfigPath != "" {
		fmt.Fprintf(&out, "Config      : %s\n", r.ConfigPath)
	}
	fmt.Fprintf(&out, "Status      : %s\n", theme.Status(r.Status))
	fmt.Fprintf(&out, "Policy      : %s\n", policy(r.ContinueOnError))
	fmt.Fprintf(&out, "Started     : %s\n", renderTime(r.StartedAt))
	fmt.Fprintf(&out, "Completed   : %s\n", renderTime(r.CompletedAt))
	fmt.Fprintf(&out, "Jobs        : %d succeeded, %d failed, %d skipped\n", r.Succeeded, r.Failed, r.Skipped)
	fmt.Fprintf(&out, "\n")

	for _, j := range r.Jobs {
		fmt.Fprintf(&out, "[%d] %s :: %s (gpu %d)\n", j.Seq, theme.Header.Render(j.Job), j.Binding, j.GPU)
		state := theme.Status(j.State)
		if j.Reason != "" {
			state += " " + theme.Dim.Render("("+j.Reason+")")
		}
		fmt.Fprintf(&out, "    state      : %s\n", state)
		fmt.Fprintf(&out, "    exit code  : %s\n", renderExit(j.ExitCode))
		fmt.Fprintf(&out, "    duration   : %s\n", time.Duration(j.DurationMS)*time.Millisecond)
		if j.Plan != nil {
			fmt.Fprintf(&out, "    frames     : %s\n", renderPlan(*j.Plan))
		}
		if j.Detail != "" {
			fmt.Fprintf(&out, "    detail     : %s\n", j.Detail)
		}
		if verbose {
			fmt.Fprintf(&out, "    argv       : %s\n", renderUnset(strings.Join(j.Argv, " "), "<none>"))
			if j.Stderr != "" {
				fmt.Fprintf(&out, "    stderr     :\n")
				for _, line := range strings.Split(strings.TrimSpace(j.Stderr), "\n") {
					fmt.Fprintf(&out, "      %s\n", line)
				}
			}
		}
		fmt.Fprintf(&out, "\n")
	}

	return strings.TrimRight(out.String(), "\n") + "\n"
}

// JSON returns the machine-readable batch report.
func JSON(r *BatchReport) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

// BatchList renders `history list` output, newest first.
func BatchList(batches []history.Batch) string {
	theme := NewDefaultTheme()
	if len(batches) == 0 {
		return "No batches recorded.\n"
	}

	var out strings.Builder
	fmt.Fprintf(&out, "%s\n", theme.Header.Render(fmt.Sprintf("%-36s  %-9s  %4s  %-20s  %s", "BATCH", "STATUS", "JOBS", "STARTED", "CONFIG")))
	for _, b := range batches {
		// Pad outside the style so ANSI codes don't skew the column.
		status := theme.Status(string(b.Status)) + strings.Repeat(" ", max(0, 9-len(b.Status)))
		fmt.Fprintf(&out, "%-36s  %s  %4d  %-20s  %s\n",
			b.ID,
			status,
			b.JobCount,
			b.StartedAt.UTC().Format(time.RFC3339),
			renderUnset(b.ConfigPath, "-"),
		)
	}
	return out.String()
}

// PlanEntry is one job in `job plan` output.
type PlanEntry struct {
	Job     string         `json:"job"`
	Binding string         `json:"binding"`
	GPU     int            `json:"gpu"`
	Argv    []string       `json:"argv,omitempty"`
	Env     []string       `json:"env,omitempty"`
	Plan    *job.FramePlan `json:"plan,omitempty"`
	Code    string         `json:"code,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// PlanText renders the dry-run view of a batch: what would be launched and
// which jobs would be rejected.
func PlanText(entries []PlanEntry) string {
	theme := NewDefaultTheme()

	var out strings.Builder
	for i, e := range entries {
		fmt.Fprintf(&out, "[%d] %s :: %s (gpu %d)\n", i, theme.Header.Render(e.Job), renderUnset(e.Binding, "<none>"), e.GPU)
		if e.Error != "" {
			fmt.Fprintf(&out, "    %s %s: %s\n", theme.StatusFailed.Render("rejected"), e.Code, e.Error)
			fmt.Fprintf(&out, "\n")
			continue
		}
		if e.Plan != nil {
			fmt.Fprintf(&out, "    frames     : %s\n", renderPlan(*e.Plan))
		}
		fmt.Fprintf(&out, "    env        : %s\n", strings.Join(e.Env, " "))
		fmt.Fprintf(&out, "    argv       : %s\n", strings.Join(e.Argv, " "))
		fmt.Fprintf(&out, "\n")
	}
	return strings.TrimRight(out.String(), "\n") + "\n"
}

func renderPlan(p job.FramePlan) string {
	return fmt.Sprintf("%d..%d step %d of %d available, %d source -> %d output", p.Start, p.End, p.Stride, p.Available, p.SourceFrames, p.OutputFrames)
}

func renderExit(code int) string {
	switch code {
	case dispatch.ExitCodeNotRun:
		return "<not run>"
	case dispatch.ExitCodeTimeout:
		return fmt.Sprintf("%d (timeout)", code)
	default:
		return fmt.Sprintf("%d", code)
	}
}

func renderTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "<unset>"
	}
	return t.UTC().Format(time.RFC3339)
}

func policy(continueOnError bool) string {
	if continueOnError {
		return "continue on error"
	}
	return "stop on first failure"
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
