package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mattjoyce/rendergate/internal/binding"
	"github.com/mattjoyce/rendergate/internal/config"
	"github.com/mattjoyce/rendergate/internal/history"
	"github.com/mattjoyce/rendergate/internal/job"
	"github.com/mattjoyce/rendergate/internal/lock"
	"github.com/mattjoyce/rendergate/internal/log"
	"github.com/mattjoyce/rendergate/internal/notify"
)

const (
	// maxOutputBytes caps the stdout and stderr kept per job.
	maxOutputBytes = 64 * 1024

	// defaultGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	defaultGracePeriod = 5 * time.Second
)

//go:generate mockgen -destination=mocks/mock_dispatch.go -package=mocks github.com/mattjoyce/rendergate/internal/dispatch History,Notifier

// History records batches and per-job outcomes.
type History interface {
	BeginBatch(ctx context.Context, req history.BatchStart) (string, error)
	Record(ctx context.Context, rec history.Record) error
	FinishBatch(ctx context.Context, batchID string, status history.BatchStatus) error
}

// Notifier publishes one event per finished job.
type Notifier interface {
	Publish(ctx context.Context, ev notify.Event) error
}

// Dispatcher validates render jobs and runs them one at a time as renderer
// subprocesses.
type Dispatcher struct {
	cfg      config.RendererConfig
	registry *binding.Registry
	history  History
	notifier Notifier
	lockDir  string
	lockPoll time.Duration
	source   string
	logger   *slog.Logger
}

// New creates a Dispatcher for the given renderer convention and bindings.
func New(cfg config.RendererConfig, reg *binding.Registry) *Dispatcher {
	if reg == nil {
		reg = binding.NewRegistry()
	}
	return &Dispatcher{
		cfg:      cfg,
		registry: reg,
		logger:   log.WithComponent("dispatch"),
	}
}

// WithHistory records every batch outcome in h.
func (d *Dispatcher) WithHistory(h History) *Dispatcher {
	d.history = h
	return d
}

// WithNotifier publishes every job outcome through n.
func (d *Dispatcher) WithNotifier(n Notifier) *Dispatcher {
	d.notifier = n
	return d
}

// WithDeviceLocks makes Run hold gpu-<n>.lock under dir while rendering, so
// concurrent rendergate processes never share a GPU.
func (d *Dispatcher) WithDeviceLocks(dir string, poll time.Duration) *Dispatcher {
	d.lockDir = dir
	d.lockPoll = poll
	return d
}

// WithConfigPath tags recorded batches with the config file they came from.
func (d *Dispatcher) WithConfigPath(path string) *Dispatcher {
	d.source = path
	return d
}

// Registry returns the bindings the dispatcher resolves jobs against.
func (d *Dispatcher) Registry() *binding.Registry { return d.registry }

// Prepare looks up the job's binding, validates the descriptor and checks its
// frame selection against the frames present in the input folder.
func (d *Dispatcher) Prepare(desc job.Descriptor) (*job.Validated, error) {
	b, _ := d.registry.Get(desc.Binding)
	v, err := desc.Validate(b)
	if err != nil {
		return nil, err
	}
	if _, err := d.PlanJob(v); err != nil {
		return nil, err
	}
	return v, nil
}

// PlanJob counts the job's input frames and resolves its frame range.
func (d *Dispatcher) PlanJob(v *job.Validated) (job.FramePlan, error) {
	if !v.Valid() {
		return job.FramePlan{}, errUnvalidated
	}
	available, err := job.CountFrames(v.Descriptor().InputFolder, v.Binding().FramePattern)
	if err != nil {
		return job.FramePlan{}, err
	}
	return v.PlanFrames(available)
}

// Run builds the invocation for v, reserves its GPU when device locks are
// configured, and dispatches it.
func (d *Dispatcher) Run(ctx context.Context, v *job.Validated) Outcome {
	if !v.Valid() {
		return notRun("", "", 0, StateFailed, ReasonValidation, errUnvalidated)
	}
	spec := d.BuildInvocation(v)
	logger := log.WithJob(v.Name()).With("binding", v.Binding().Name, "gpu", v.GPU())

	var plan *job.FramePlan
	if p, err := d.PlanJob(v); err == nil {
		plan = &p
		logger.Info("job validated",
			"frames_available", p.Available,
			"start_frame", p.Start,
			"end_frame", p.End,
			"output_frames", p.OutputFrames,
		)
	}

	if d.lockDir != "" {
		logger.Debug("waiting for device", "lock_dir", d.lockDir)
		l, err := lock.AcquireDevice(ctx, d.lockDir, v.GPU(), d.lockPoll)
		if err != nil {
			o := notRun(v.Name(), v.Binding().Name, v.GPU(), StateSkipped, ReasonCanceled, err)
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				o = notRun(v.Name(), v.Binding().Name, v.GPU(), StateFailed, ReasonLaunch, &LaunchError{Path: lock.DevicePath(d.lockDir, v.GPU()), Err: err})
			}
			o.Argv = spec.Argv
			return o
		}
		defer func() { _ = l.Release() }()
	}

	out := d.Dispatch(ctx, spec)
	out.Binding = v.Binding().Name
	out.Plan = plan
	return out
}

// Dispatch launches the renderer described by spec and blocks until it exits,
// times out, or ctx is cancelled. The device overlay in spec.Env applies to
// this child only.
func (d *Dispatcher) Dispatch(ctx context.Context, spec ProcessSpec) (out Outcome) {
	logger := log.WithJob(spec.Job).With("gpu", spec.GPU)

	out = Outcome{
		Job:       spec.Job,
		GPU:       spec.GPU,
		State:     StateFailed,
		ExitCode:  ExitCodeNotRun,
		Argv:      slices.Clone(spec.Argv),
		StartedAt: time.Now(),
	}
	defer func() {
		out.Duration = time.Since(out.StartedAt)
		if out.Err != nil {
			if out.Reason == ReasonNone {
				out.Reason = ReasonFor(out.Err)
			}
			if out.Detail == "" {
				out.Detail = out.Err.Error()
			}
		}
	}()

	if len(spec.Argv) == 0 {
		out.Err = &LaunchError{Path: "", Err: errors.New("empty command line")}
		return out
	}
	for _, p := range []string{spec.SceneFile, spec.EntryScript} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			out.Err = &LaunchError{Path: p, Err: err}
			logger.Error("renderer input missing", "path", p, "error", err)
			return out
		}
	}

	if err := ctx.Err(); err != nil {
		out.State = StateSkipped
		out.Reason = ReasonCanceled
		out.Err = fmt.Errorf("render not started: %w", err)
		logger.Warn("render canceled before launch", "error", err)
		return out
	}

	// Don't use CommandContext - we manage termination ourselves.
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Env = append(os.Environ(), spec.Env...)
	// Own process group so SIGTERM reaches renderer children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := &tailBuffer{limit: maxOutputBytes}
	stderr := &tailBuffer{limit: maxOutputBytes}
	if d.cfg.Capture() {
		cmd.Stdout = stdout
		cmd.Stderr = stderr
	} else {
		cmd.Stdout = io.MultiWriter(os.Stdout, stdout)
		cmd.Stderr = io.MultiWriter(os.Stderr, stderr)
	}

	grace := d.cfg.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	cmd.WaitDelay = grace

	logger.Info("dispatching renderer", "binary", spec.Argv[0], "timeout", d.cfg.Timeout)
	logger.Debug("renderer command line", "argv", spec.Argv, "env", spec.Env)

	if err := cmd.Start(); err != nil {
		out.Err = &LaunchError{Path: spec.Argv[0], Err: err}
		logger.Error("failed to start renderer", "error", err)
		return out
	}
	out.State = StateDispatched

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var timeoutC <-chan time.Time
	if d.cfg.Timeout > 0 {
		timer := time.NewTimer(d.cfg.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	collect := func() {
		out.Stdout = stdout.String()
		out.Stderr = stderr.String()
	}

	select {
	case err := <-waitErr:
		collect()
		out.ExitCode = cmd.ProcessState.ExitCode()
		if err == nil {
			out.State = StateSucceeded
			out.Success = true
			logger.Info("render succeeded", "duration", time.Since(out.StartedAt))
			return out
		}
		out.State = StateFailed
		out.Err = &RenderError{ExitCode: out.ExitCode}
		logger.Warn("renderer exited with non-zero status", "exit_code", out.ExitCode)
		return out

	case <-timeoutC:
		logger.Warn("renderer timed out, sending SIGTERM", "timeout", d.cfg.Timeout)
		terminate(cmd, waitErr, grace, logger)
		collect()
		out.State = StateFailed
		out.ExitCode = ExitCodeTimeout
		out.Err = &TimeoutError{After: d.cfg.Timeout}
		return out

	case <-ctx.Done():
		logger.Warn("render interrupted, sending SIGTERM", "error", ctx.Err())
		terminate(cmd, waitErr, grace, logger)
		collect()
		out.State = StateFailed
		out.ExitCode = cmd.ProcessState.ExitCode()
		out.Err = fmt.Errorf("render interrupted: %w", ctx.Err())
		out.Reason = ReasonCanceled
		out.Detail = out.Err.Error()
		return out
	}
}

// terminate sends SIGTERM to the renderer's process group, then SIGKILL if it
// is still running after grace. It returns once the process has been reaped.
func terminate(cmd *exec.Cmd, waitErr <-chan error, grace time.Duration, logger *slog.Logger) {
	pgid := -cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-waitErr:
		logger.Info("renderer exited after SIGTERM")
	case <-timer.C:
		logger.Warn("renderer did not exit after SIGTERM, sending SIGKILL")
		if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

// DispatchAll runs already validated jobs strictly in order. With
// continueOnError false, every job after the first failure is reported as
// skipped and never started.
func (d *Dispatcher) DispatchAll(ctx context.Context, jobs []*job.Validated, continueOnError bool) []Outcome {
	steps := make([]step, len(jobs))
	for i, v := range jobs {
		steps[i] = step{run: func() Outcome { return d.Run(ctx, v) }}
		if v.Valid() {
			steps[i].name = v.Name()
			steps[i].binding = v.Binding().Name
			steps[i].gpu = v.GPU()
		}
	}
	return d.runSteps(ctx, steps, continueOnError, nil)
}

// RunBatch prepares and runs descriptors in order under the same policy as
// DispatchAll. Validation failures become failed outcomes without spawning
// anything. Every outcome is recorded and published when configured.
func (d *Dispatcher) RunBatch(ctx context.Context, descs []job.Descriptor, continueOnError bool) *Report {
	report := &Report{
		StartedAt:       time.Now().UTC(),
		ContinueOnError: continueOnError,
	}

	if d.history != nil {
		id, err := d.history.BeginBatch(ctx, history.BatchStart{
			ConfigPath:      d.source,
			ContinueOnError: continueOnError,
			JobCount:        len(descs),
		})
		if err != nil {
			d.logger.Warn("failed to record batch start", "error", err)
		}
		report.BatchID = id
	}
	if report.BatchID == "" {
		report.BatchID = uuid.NewString()
	}

	logger := log.WithBatch(report.BatchID)
	logger.Info("batch started", "jobs", len(descs), "continue_on_error", continueOnError)

	steps := make([]step, len(descs))
	for i, desc := range descs {
		steps[i] = step{
			name:    desc.DisplayName(),
			binding: desc.Binding,
			gpu:     desc.GPU,
			run: func() Outcome {
				v, err := d.Prepare(desc)
				if err != nil {
					log.WithJob(desc.DisplayName()).Warn("job rejected", "code", job.Code(err), "error", err)
					return notRun(desc.DisplayName(), desc.Binding, desc.GPU, StateFailed, ReasonValidation, err)
				}
				return d.Run(ctx, v)
			},
		}
	}

	report.Outcomes = d.runSteps(ctx, steps, continueOnError, func(seq int, o Outcome) {
		d.record(ctx, report.BatchID, seq, o)
	})
	report.CompletedAt = time.Now().UTC()

	status := history.BatchSucceeded
	if !report.OK() {
		status = history.BatchFailed
	}
	if d.history != nil {
		// The batch is over even if ctx was cancelled; record that.
		if err := d.history.FinishBatch(context.WithoutCancel(ctx), report.BatchID, status); err != nil {
			d.logger.Warn("failed to record batch completion", "error", err)
		}
	}

	logger.Info("batch finished",
		"succeeded", report.Succeeded(),
		"failed", report.Failed(),
		"skipped", report.Skipped(),
	)
	return report
}

type step struct {
	name    string
	binding string
	gpu     int
	run     func() Outcome
}

func (d *Dispatcher) runSteps(ctx context.Context, steps []step, continueOnError bool, done func(int, Outcome)) []Outcome {
	outcomes := make([]Outcome, 0, len(steps))
	stopped := false

	for i, s := range steps {
		var o Outcome
		switch {
		case stopped:
			o = notRun(s.name, s.binding, s.gpu, StateSkipped, ReasonSkipped, errors.New("not run: an earlier job failed"))
		case ctx.Err() != nil:
			o = notRun(s.name, s.binding, s.gpu, StateSkipped, ReasonCanceled, ctx.Err())
		default:
			o = s.run()
		}

		if done != nil {
			done(i, o)
		}
		outcomes = append(outcomes, o)

		if o.State == StateFailed && !continueOnError && !stopped {
			d.logger.Warn("stopping batch after failure", "job", s.name, "reason", o.Reason)
			stopped = true
		}
	}
	return outcomes
}

func (d *Dispatcher) record(ctx context.Context, batchID string, seq int, o Outcome) {
	ctx = context.WithoutCancel(ctx)
	finished := o.StartedAt.Add(o.Duration)

	if d.history != nil {
		rec := history.Record{
			BatchID:  batchID,
			Seq:      seq,
			JobName:  o.Job,
			Binding:  o.Binding,
			GPU:      o.GPU,
			State:    string(o.State),
			Reason:   string(o.Reason),
			ExitCode: o.ExitCode,
			Argv:     o.Argv,
		}
		if o.Detail != "" {
			rec.LastError = &o.Detail
		}
		if o.Stderr != "" {
			rec.Stderr = &o.Stderr
		}
		if !o.StartedAt.IsZero() {
			started := o.StartedAt
			rec.StartedAt = &started
			rec.CompletedAt = &finished
		}
		if err := d.history.Record(ctx, rec); err != nil {
			d.logger.Warn("failed to record outcome", "job", o.Job, "error", err)
		}
	}

	if d.notifier != nil {
		if finished.IsZero() || o.StartedAt.IsZero() {
			finished = time.Now()
		}
		ev := notify.Event{
			BatchID:    batchID,
			Seq:        seq,
			Job:        o.Job,
			Binding:    o.Binding,
			GPU:        o.GPU,
			State:      string(o.State),
			Reason:     string(o.Reason),
			ExitCode:   o.ExitCode,
			DurationMS: o.Duration.Milliseconds(),
			Detail:     o.Detail,
			FinishedAt: finished.UTC(),
		}
		if err := d.notifier.Publish(ctx, ev); err != nil {
			d.logger.Warn("failed to publish outcome", "job", o.Job, "error", err)
		}
	}
}

// tailBuffer keeps the last limit bytes written to it. Renderer errors are
// printed last.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

// String returns the kept bytes from the first rune boundary on.
func (t *tailBuffer) String() string {
	b := t.buf
	if len(b) == t.limit {
		for len(b) > 0 && !utf8.RuneStart(b[0]) {
			b = b[1:]
		}
	}
	return string(b)
}
