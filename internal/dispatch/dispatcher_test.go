package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/rendergate/internal/binding"
	"github.com/mattjoyce/rendergate/internal/config"
	"github.com/mattjoyce/rendergate/internal/dispatch/mocks"
	"github.com/mattjoyce/rendergate/internal/history"
	"github.com/mattjoyce/rendergate/internal/job"
	"github.com/mattjoyce/rendergate/internal/lock"
	"github.com/mattjoyce/rendergate/internal/log"
	"github.com/mattjoyce/rendergate/internal/notify"
)

func TestMain(m *testing.M) {
	log.Setup("error") // Suppress logs in tests
	os.Exit(m.Run())
}

// fakeRenderer writes a bash script that records each invocation and its
// device variable under dir, then runs body.
func fakeRenderer(t *testing.T, dir, body string) string {
	t.Helper()
	script := fmt.Sprintf(`#!/bin/bash
echo "$CUDA_VISIBLE_DEVICES" > %[1]s/device
echo "run" >> %[1]s/runs
%[2]s
`, dir, body)
	path := filepath.Join(dir, "renderer.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func runCount(t *testing.T, dir string) int {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dir, "runs"))
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}
	require.NoError(t, err)
	return strings.Count(string(b), "run\n")
}

func frameDir(t *testing.T, parent, name string, n int) string {
	t.Helper()
	dir := filepath.Join(parent, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for i := 0; i < n; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("frame_%06d.npy", i)), []byte("x"), 0o644))
	}
	return dir
}

type fixture struct {
	dir      string
	disp     *Dispatcher
	renderer string
}

func setup(t *testing.T, body string, mutate func(*config.RendererConfig)) *fixture {
	t.Helper()
	dir := t.TempDir()

	scene := filepath.Join(dir, "Unroll.blend")
	entry := filepath.Join(dir, "run.py")
	require.NoError(t, os.WriteFile(scene, []byte("blend"), 0o644))
	require.NoError(t, os.WriteFile(entry, []byte("# entry"), 0o644))

	reg := binding.NewRegistry()
	require.NoError(t, reg.Add(&binding.Binding{
		Name:        "unroll",
		SceneFile:   scene,
		EntryScript: entry,
		Params: binding.Params{
			{Name: binding.ParamOutPath, Type: binding.TypeString},
			{Name: binding.ParamNumFrames, Type: binding.TypeInt},
			{Name: binding.ParamStartFrame, Type: binding.TypeInt},
			{Name: binding.ParamEndFrame, Type: binding.TypeInt},
			{Name: binding.ParamStride, Type: binding.TypeInt},
			{Name: binding.ParamSlowdown, Type: binding.TypeInt},
			{Name: binding.ParamOrbitDegrees, Type: binding.TypeFloat},
			{Name: binding.ParamOrbitCenter, Type: binding.TypeVec3},
			{Name: binding.ParamLookAt, Type: binding.TypeVec3},
			{Name: binding.ParamNumLayers, Type: binding.TypeInt},
			{Name: "meshName", Type: binding.TypeString},
			{Name: "scale", Type: binding.TypeFloat},
			{Name: "preview", Type: binding.TypeBool},
			{Name: "wireframe", Type: binding.TypeBool},
			{Name: "sunDir", Type: binding.TypeVec3},
		},
	}))

	renderer := fakeRenderer(t, dir, body)
	cfg := config.Defaults().Renderer
	cfg.Binary = renderer
	cfg.GracePeriod = 200 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	return &fixture{dir: dir, disp: New(cfg, reg), renderer: renderer}
}

func (f *fixture) validated(t *testing.T, d job.Descriptor) *job.Validated {
	t.Helper()
	if d.Binding == "" {
		d.Binding = "unroll"
	}
	v, err := f.disp.Prepare(d)
	require.NoError(t, err)
	return v
}

func flagsOf(spec ProcessSpec) []string {
	for i, a := range spec.Argv {
		if a == "--" {
			return spec.Argv[i+1:]
		}
	}
	return nil
}

func TestBuildInvocation_SequenceJob(t *testing.T) {
	f := setup(t, "exit 0", nil)
	in := frameDir(t, f.dir, "run1", 1000)

	v := f.validated(t, job.Descriptor{InputFolder: in, GPU: 0, NumFrames: job.Ptr(600), Stride: job.Ptr(1)})
	spec := f.disp.BuildInvocation(v)

	b, _ := f.disp.Registry().Get("unroll")
	assert.Equal(t, []string{f.renderer, b.SceneFile, "--background", "--python", b.EntryScript, "--"}, spec.Argv[:6])
	assert.Equal(t, []string{"--inFolder", in, "--gpu", "0", "--numFrames", "600", "--stride", "1"}, flagsOf(spec))
	assert.Equal(t, []string{"CUDA_VISIBLE_DEVICES=0"}, spec.Env)
	assert.Equal(t, b.SceneFile, spec.SceneFile)
	assert.Equal(t, b.EntryScript, spec.EntryScript)
}

func TestBuildInvocation_Deterministic(t *testing.T) {
	f := setup(t, "exit 0", nil)
	in := frameDir(t, f.dir, "run1", 10)
	d := job.Descriptor{
		InputFolder: in,
		OutputPath:  "/renders/run1",
		GPU:         2,
		NumFrames:   job.Ptr(10),
		Params:      map[string]string{"scale": "0.01", "meshName": "initial_mesh", "preview": "true", "sunDir": "0 -1 0.5"},
	}

	first := f.disp.BuildInvocation(f.validated(t, d))
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, f.disp.BuildInvocation(f.validated(t, d)))
	}
}

func TestBuildInvocation_OrbitJob(t *testing.T) {
	f := setup(t, "exit 0", nil)
	in := frameDir(t, f.dir, "run2", 200)

	v := f.validated(t, job.Descriptor{
		InputFolder: in,
		StartFrame:  job.Ptr(40),
		EndFrame:    job.Ptr(100),
		Stride:      job.Ptr(10),
		Slowdown:    job.Ptr(5),
		Orbit:       &job.Orbit{Degrees: 360, Center: job.Vec3{0, 0, 1.5}, LookAt: job.Vec3{0, 0, 0.75}},
		NumLayers:   job.Ptr(3),
	})

	assert.Equal(t, []string{
		"--inFolder", in,
		"--gpu", "0",
		"--startFrame", "40",
		"--endFrame", "100",
		"--stride", "10",
		"--slowdown", "5",
		"--orbitDegrees", "360",
		"--orbitCenter", "0", "0", "1.5",
		"--lookAt", "0", "0", "0.75",
		"--numLayers", "3",
	}, flagsOf(f.disp.BuildInvocation(v)))
}

func TestBuildInvocation_ExtraParams(t *testing.T) {
	f := setup(t, "exit 0", func(c *config.RendererConfig) { c.DeviceEnv = "HIP_VISIBLE_DEVICES" })
	in := frameDir(t, f.dir, "run1", 5)

	v := f.validated(t, job.Descriptor{
		InputFolder: in,
		GPU:         1,
		NumFrames:   job.Ptr(5),
		Params: map[string]string{
			"wireframe": "false",
			"preview":   "true",
			"scale":     "0.01",
			"meshName":  "initial_mesh",
			"sunDir":    "0 -1 0.5",
		},
	})
	spec := f.disp.BuildInvocation(v)

	assert.Equal(t, []string{
		"--inFolder", in,
		"--gpu", "1",
		"--numFrames", "5",
		"--meshName", "initial_mesh",
		"--preview",
		"--scale", "0.01",
		"--sunDir", "0", "-1", "0.5",
	}, flagsOf(spec))
	assert.Equal(t, []string{"HIP_VISIBLE_DEVICES=1"}, spec.Env)
}

func TestPrepare_OrbitOutOfBounds(t *testing.T) {
	f := setup(t, "exit 0", nil)
	in := frameDir(t, f.dir, "run2", 80)

	_, err := f.disp.Prepare(job.Descriptor{
		Binding:     "unroll",
		InputFolder: in,
		StartFrame:  job.Ptr(40),
		EndFrame:    job.Ptr(100),
		Stride:      job.Ptr(10),
		Slowdown:    job.Ptr(5),
		Orbit:       &job.Orbit{Degrees: 360},
	})
	assert.ErrorIs(t, err, job.ErrFrameRangeOutOfBounds)
	assert.Equal(t, ReasonValidation, ReasonFor(err))
}

func TestPrepare_UnknownBinding(t *testing.T) {
	f := setup(t, "exit 0", nil)
	_, err := f.disp.Prepare(job.Descriptor{Binding: "ghost", InputFolder: f.dir, NumFrames: job.Ptr(1)})
	assert.ErrorIs(t, err, job.ErrUnknownBinding)
}

func TestDispatch_Success(t *testing.T) {
	f := setup(t, `echo "Saved: frame_0000.png"; exit 0`, nil)
	in := frameDir(t, f.dir, "run1", 3)
	before, hadBefore := os.LookupEnv("CUDA_VISIBLE_DEVICES")

	out := f.disp.Run(context.Background(), f.validated(t, job.Descriptor{InputFolder: in, GPU: 3, NumFrames: job.Ptr(3)}))

	assert.True(t, out.Success)
	assert.Equal(t, StateSucceeded, out.State)
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, ReasonNone, out.Reason)
	assert.NoError(t, out.Err)
	assert.Contains(t, out.Stdout, "Saved: frame_0000.png")
	assert.Equal(t, "unroll", out.Binding)
	require.NotNil(t, out.Plan)
	assert.Equal(t, 3, out.Plan.SourceFrames)

	device, err := os.ReadFile(filepath.Join(f.dir, "device"))
	require.NoError(t, err)
	assert.Equal(t, "3", strings.TrimSpace(string(device)))

	after, hadAfter := os.LookupEnv("CUDA_VISIBLE_DEVICES")
	assert.Equal(t, hadBefore, hadAfter)
	assert.Equal(t, before, after)
}

func TestDispatch_RenderError(t *testing.T) {
	f := setup(t, `echo "Error: mesh not found" >&2; exit 1`, nil)
	in := frameDir(t, f.dir, "run1", 3)

	out := f.disp.Run(context.Background(), f.validated(t, job.Descriptor{InputFolder: in, NumFrames: job.Ptr(3)}))

	assert.False(t, out.Success)
	assert.Equal(t, 1, out.ExitCode)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, ReasonRender, out.Reason)
	var re *RenderError
	require.ErrorAs(t, out.Err, &re)
	assert.Equal(t, 1, re.ExitCode)
	assert.Contains(t, out.Stderr, "mesh not found")
}

func TestDispatch_LaunchErrors(t *testing.T) {
	f := setup(t, "exit 0", nil)

	t.Run("missing scene", func(t *testing.T) {
		out := f.disp.Dispatch(context.Background(), ProcessSpec{
			Job:         "run1",
			Argv:        []string{f.renderer},
			SceneFile:   filepath.Join(f.dir, "Missing.blend"),
			EntryScript: filepath.Join(f.dir, "run.py"),
		})
		var le *LaunchError
		require.ErrorAs(t, out.Err, &le)
		assert.Equal(t, filepath.Join(f.dir, "Missing.blend"), le.Path)
		assert.Equal(t, ReasonLaunch, out.Reason)
		assert.Equal(t, ExitCodeNotRun, out.ExitCode)
		assert.Equal(t, StateFailed, out.State)
	})

	t.Run("missing binary", func(t *testing.T) {
		out := f.disp.Dispatch(context.Background(), ProcessSpec{
			Job:  "run1",
			Argv: []string{filepath.Join(f.dir, "no-such-blender")},
		})
		var le *LaunchError
		require.ErrorAs(t, out.Err, &le)
		assert.Equal(t, ReasonLaunch, out.Reason)
	})

	assert.Zero(t, runCount(t, f.dir))
}

func TestDispatch_Timeout(t *testing.T) {
	f := setup(t, "exec sleep 10", func(c *config.RendererConfig) { c.Timeout = 200 * time.Millisecond })
	in := frameDir(t, f.dir, "run1", 1)

	start := time.Now()
	out := f.disp.Run(context.Background(), f.validated(t, job.Descriptor{InputFolder: in, NumFrames: job.Ptr(1)}))

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, out.Success)
	assert.Equal(t, ExitCodeTimeout, out.ExitCode)
	assert.Equal(t, ReasonTimeout, out.Reason)
	var te *TimeoutError
	require.ErrorAs(t, out.Err, &te)
	assert.Equal(t, 200*time.Millisecond, te.After)
}

func TestDispatch_TimeoutIgnoringSIGTERM(t *testing.T) {
	f := setup(t, "trap '' TERM; sleep 10", func(c *config.RendererConfig) { c.Timeout = 100 * time.Millisecond })
	in := frameDir(t, f.dir, "run1", 1)

	start := time.Now()
	out := f.disp.Run(context.Background(), f.validated(t, job.Descriptor{InputFolder: in, NumFrames: job.Ptr(1)}))

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, ExitCodeTimeout, out.ExitCode)
	assert.Equal(t, ReasonTimeout, out.Reason)
}

func TestDispatch_ContextCancel(t *testing.T) {
	f := setup(t, "exec sleep 10", nil)
	in := frameDir(t, f.dir, "run1", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	out := f.disp.Run(ctx, f.validated(t, job.Descriptor{InputFolder: in, NumFrames: job.Ptr(1)}))

	assert.False(t, out.Success)
	assert.Equal(t, ReasonCanceled, out.Reason)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
}

func TestDispatch_CanceledBeforeLaunch(t *testing.T) {
	f := setup(t, "exit 0", nil)
	in := frameDir(t, f.dir, "run1", 1)
	spec := f.disp.BuildInvocation(f.validated(t, job.Descriptor{InputFolder: in, NumFrames: job.Ptr(1)}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := f.disp.Dispatch(ctx, spec)

	assert.Equal(t, StateSkipped, out.State)
	assert.Equal(t, ReasonCanceled, out.Reason)
	assert.Equal(t, ExitCodeNotRun, out.ExitCode)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Zero(t, runCount(t, f.dir))
}

func TestUnvalidatedJob(t *testing.T) {
	f := setup(t, "exit 0", nil)
	zero := &job.Validated{}
	require.False(t, zero.Valid())

	spec := f.disp.BuildInvocation(zero)
	assert.Empty(t, spec.Argv)

	_, err := f.disp.PlanJob(zero)
	assert.ErrorIs(t, err, errUnvalidated)

	out := f.disp.Run(context.Background(), zero)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, ReasonValidation, out.Reason)

	outs := f.disp.DispatchAll(context.Background(), []*job.Validated{zero}, true)
	require.Len(t, outs, 1)
	assert.ErrorIs(t, outs[0].Err, errUnvalidated)
	assert.Zero(t, runCount(t, f.dir))
}

func TestDispatchAll_ContinueOnError(t *testing.T) {
	body := `case "$*" in *fail*) exit 1;; esac; exit 0`

	t.Run("continue", func(t *testing.T) {
		f := setup(t, body, nil)
		a := f.validated(t, job.Descriptor{Name: "A", InputFolder: frameDir(t, f.dir, "fail", 1), NumFrames: job.Ptr(1)})
		b := f.validated(t, job.Descriptor{Name: "B", InputFolder: frameDir(t, f.dir, "ok", 1), NumFrames: job.Ptr(1)})

		outs := f.disp.DispatchAll(context.Background(), []*job.Validated{a, b}, true)
		require.Len(t, outs, 2)
		assert.Equal(t, "A", outs[0].Job)
		assert.Equal(t, StateFailed, outs[0].State)
		assert.Equal(t, "B", outs[1].Job)
		assert.Equal(t, StateSucceeded, outs[1].State)
		assert.Equal(t, 2, runCount(t, f.dir))
	})

	t.Run("stop", func(t *testing.T) {
		f := setup(t, body, nil)
		a := f.validated(t, job.Descriptor{Name: "A", InputFolder: frameDir(t, f.dir, "fail", 1), NumFrames: job.Ptr(1)})
		b := f.validated(t, job.Descriptor{Name: "B", InputFolder: frameDir(t, f.dir, "ok", 1), NumFrames: job.Ptr(1)})

		outs := f.disp.DispatchAll(context.Background(), []*job.Validated{a, b}, false)
		require.Len(t, outs, 2)
		assert.Equal(t, StateFailed, outs[0].State)
		assert.Equal(t, StateSkipped, outs[1].State)
		assert.Equal(t, ReasonSkipped, outs[1].Reason)
		assert.Equal(t, ExitCodeNotRun, outs[1].ExitCode)
		assert.Equal(t, 1, runCount(t, f.dir))
	})
}

func TestRunBatch_ValidationNeverSpawns(t *testing.T) {
	f := setup(t, "exit 0", nil)

	report := f.disp.RunBatch(context.Background(), []job.Descriptor{
		{Name: "missing", Binding: "unroll", InputFolder: filepath.Join(f.dir, "nope"), NumFrames: job.Ptr(10)},
		{Name: "conflict", Binding: "unroll", InputFolder: frameDir(t, f.dir, "run1", 2), NumFrames: job.Ptr(2), StartFrame: job.Ptr(0), EndFrame: job.Ptr(1)},
	}, true)

	require.Len(t, report.Outcomes, 2)
	for _, o := range report.Outcomes {
		assert.Equal(t, StateFailed, o.State)
		assert.Equal(t, ReasonValidation, o.Reason)
		assert.Equal(t, ExitCodeNotRun, o.ExitCode)
	}
	assert.ErrorIs(t, report.Outcomes[0].Err, job.ErrMissingInputFolder)
	assert.ErrorIs(t, report.Outcomes[1].Err, job.ErrConflictingFrameRange)
	assert.Zero(t, runCount(t, f.dir))
	assert.False(t, report.OK())
	assert.NotEmpty(t, report.BatchID)
}

func TestRunBatch_RecordsAndPublishes(t *testing.T) {
	f := setup(t, `case "$*" in *fail*) exit 1;; esac; exit 0`, nil)
	ctrl := gomock.NewController(t)
	hist := mocks.NewMockHistory(ctrl)
	pub := mocks.NewMockNotifier(ctrl)
	f.disp.WithHistory(hist).WithNotifier(pub)

	descs := []job.Descriptor{
		{Name: "ok", Binding: "unroll", InputFolder: frameDir(t, f.dir, "ok", 2), NumFrames: job.Ptr(2)},
		{Name: "bad", Binding: "unroll", InputFolder: frameDir(t, f.dir, "fail", 2), NumFrames: job.Ptr(2)},
		{Name: "after", Binding: "unroll", InputFolder: frameDir(t, f.dir, "after", 2), NumFrames: job.Ptr(2)},
	}

	var recs []history.Record
	var events []notify.Event
	hist.EXPECT().BeginBatch(gomock.Any(), history.BatchStart{ContinueOnError: false, JobCount: 3}).Return("batch-1", nil)
	hist.EXPECT().Record(gomock.Any(), gomock.Any()).Times(3).DoAndReturn(func(_ context.Context, r history.Record) error {
		recs = append(recs, r)
		return nil
	})
	pub.EXPECT().Publish(gomock.Any(), gomock.Any()).Times(3).DoAndReturn(func(_ context.Context, ev notify.Event) error {
		events = append(events, ev)
		return errors.New("nats: no responders")
	})
	hist.EXPECT().FinishBatch(gomock.Any(), "batch-1", history.BatchFailed).Return(nil)

	report := f.disp.RunBatch(context.Background(), descs, false)

	assert.Equal(t, "batch-1", report.BatchID)
	assert.Equal(t, 1, report.Succeeded())
	assert.Equal(t, 1, report.Failed())
	assert.Equal(t, 1, report.Skipped())

	require.Len(t, recs, 3)
	assert.Equal(t, []int{0, 1, 2}, []int{recs[0].Seq, recs[1].Seq, recs[2].Seq})
	assert.Equal(t, "succeeded", recs[0].State)
	assert.Equal(t, "render_error", recs[1].Reason)
	assert.Equal(t, 1, recs[1].ExitCode)
	assert.NotEmpty(t, recs[1].Argv)
	assert.Equal(t, "skipped", recs[2].State)

	require.Len(t, events, 3)
	assert.Equal(t, "batch-1", events[2].BatchID)
	assert.Equal(t, "after", events[2].Job)
	assert.Equal(t, 2, runCount(t, f.dir))
}

func TestRunBatch_HistoryUnavailable(t *testing.T) {
	f := setup(t, "exit 0", nil)
	ctrl := gomock.NewController(t)
	hist := mocks.NewMockHistory(ctrl)
	f.disp.WithHistory(hist)

	hist.EXPECT().BeginBatch(gomock.Any(), gomock.Any()).Return("", errors.New("database is locked"))
	hist.EXPECT().Record(gomock.Any(), gomock.Any()).Return(errors.New("database is locked"))
	hist.EXPECT().FinishBatch(gomock.Any(), gomock.Any(), history.BatchSucceeded).Return(nil)

	report := f.disp.RunBatch(context.Background(), []job.Descriptor{
		{Binding: "unroll", InputFolder: frameDir(t, f.dir, "run1", 1), NumFrames: job.Ptr(1)},
	}, true)

	assert.True(t, report.OK())
	assert.NotEmpty(t, report.BatchID)
}

func TestRun_DeviceLocks(t *testing.T) {
	f := setup(t, "exit 0", nil)
	lockDir := filepath.Join(f.dir, "locks")
	f.disp.WithDeviceLocks(lockDir, 10*time.Millisecond)
	v := f.validated(t, job.Descriptor{InputFolder: frameDir(t, f.dir, "run1", 1), GPU: 1, NumFrames: job.Ptr(1)})

	out := f.disp.Run(context.Background(), v)
	require.True(t, out.Success)

	// Held elsewhere: the job waits and gives up with the context.
	held, err := lock.AcquirePIDLock(lock.DevicePath(lockDir, 1))
	require.NoError(t, err)
	defer func() { _ = held.Release() }()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	out = f.disp.Run(ctx, v)
	assert.Equal(t, StateSkipped, out.State)
	assert.Equal(t, ReasonCanceled, out.Reason)
	assert.Equal(t, 1, runCount(t, f.dir))
}

func TestTailBufferKeepsTail(t *testing.T) {
	tb := &tailBuffer{limit: 8}
	_, _ = tb.Write([]byte("0123456789"))
	_, _ = tb.Write([]byte("ab"))
	assert.Equal(t, "456789ab", tb.String())

	tb = &tailBuffer{limit: 3}
	_, _ = tb.Write([]byte("xxéab"))
	assert.Equal(t, "ab", tb.String())
}

func TestReport_OK(t *testing.T) {
	r := &Report{Outcomes: []Outcome{{State: StateSucceeded}, {State: StateSucceeded}}}
	assert.True(t, r.OK())
	r.Outcomes = append(r.Outcomes, Outcome{State: StateSkipped})
	assert.False(t, r.OK())
	assert.Equal(t, 1, r.Skipped())
}
