package job

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/rendergate/internal/binding"
)

func frameDir(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		name := filepath.Join(dir, fmt.Sprintf("frame_%06d.npy", i))
		require.NoError(t, os.WriteFile(name, []byte("x"), 0o644))
	}
	return dir
}

func sequenceBinding() *binding.Binding {
	return &binding.Binding{
		Name:        "unroll",
		SceneFile:   "Unroll.blend",
		EntryScript: "run.py",
		Params: binding.Params{
			{Name: binding.ParamOutPath, Type: binding.TypeString},
			{Name: binding.ParamNumFrames, Type: binding.TypeInt},
			{Name: binding.ParamStride, Type: binding.TypeInt},
			{Name: "meshName", Type: binding.TypeString},
			{Name: "scale", Type: binding.TypeFloat},
			{Name: "preview", Type: binding.TypeBool},
		},
	}
}

func orbitBinding() *binding.Binding {
	var params binding.Params
	for _, name := range []string{
		binding.ParamOutPath, binding.ParamStartFrame, binding.ParamEndFrame, binding.ParamNumFrames,
		binding.ParamStride, binding.ParamSlowdown, binding.ParamOrbitDegrees,
		binding.ParamOrbitCenter, binding.ParamLookAt, binding.ParamNumLayers,
	} {
		params = append(params, binding.Param{Name: name, Type: mustType(name)})
	}
	return &binding.Binding{Name: "cloth_drop", SceneFile: "Cloth.blend", EntryScript: "orbit.py", Params: params}
}

func mustType(name string) binding.ParamType {
	b := binding.Binding{Params: binding.Params{{Name: name}}}
	typ, _ := b.ParamType(name)
	return typ
}

func TestValidate_MissingInputFolder(t *testing.T) {
	b := sequenceBinding()
	cases := map[string]string{
		"unset":     "",
		"not found": filepath.Join(t.TempDir(), "missing"),
		"empty dir": t.TempDir(),
	}
	for name, folder := range cases {
		t.Run(name, func(t *testing.T) {
			d := Descriptor{Binding: "unroll", InputFolder: folder, NumFrames: Ptr(10)}
			v, err := d.Validate(b)
			assert.Nil(t, v)
			assert.ErrorIs(t, err, ErrMissingInputFolder)
			assert.Equal(t, "MissingInputFolder", Code(err))
		})
	}
}

func TestValidate_FrameRangeRules(t *testing.T) {
	dir := frameDir(t, 3)
	b := orbitBinding()

	tests := []struct {
		name string
		d    Descriptor
		want error
	}{
		{"both set", Descriptor{InputFolder: dir, NumFrames: Ptr(5), StartFrame: Ptr(0), EndFrame: Ptr(2)}, ErrConflictingFrameRange},
		{"start only", Descriptor{InputFolder: dir, StartFrame: Ptr(0)}, ErrConflictingFrameRange},
		{"neither", Descriptor{InputFolder: dir}, ErrMissingFrameRange},
		{"zero frames", Descriptor{InputFolder: dir, NumFrames: Ptr(0)}, ErrInvalidFrameRange},
		{"end before start", Descriptor{InputFolder: dir, StartFrame: Ptr(5), EndFrame: Ptr(2)}, ErrInvalidFrameRange},
		{"zero stride", Descriptor{InputFolder: dir, NumFrames: Ptr(5), Stride: Ptr(0)}, ErrInvalidStride},
		{"negative gpu", Descriptor{InputFolder: dir, NumFrames: Ptr(5), GPU: -1}, ErrInvalidGPU},
		{"zero slowdown", Descriptor{InputFolder: dir, NumFrames: Ptr(5), Slowdown: Ptr(0)}, ErrInvalidParameter},
		{"zero layers", Descriptor{InputFolder: dir, NumFrames: Ptr(5), NumLayers: Ptr(0)}, ErrInvalidParameter},
		{"zero orbit", Descriptor{InputFolder: dir, NumFrames: Ptr(5), Orbit: &Orbit{Degrees: 0}}, ErrInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.d.Validate(b)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsValidation(err))
		})
	}
}

func TestValidate_UnsupportedParameter(t *testing.T) {
	dir := frameDir(t, 3)
	b := sequenceBinding()

	d := Descriptor{InputFolder: dir, NumFrames: Ptr(3), Orbit: &Orbit{Degrees: 90}}
	_, err := d.Validate(b)
	assert.ErrorIs(t, err, ErrUnsupportedParameter)

	d = Descriptor{InputFolder: dir, NumFrames: Ptr(3), Params: map[string]string{"meshPrefix": "x"}}
	_, err = d.Validate(b)
	assert.ErrorIs(t, err, ErrUnsupportedParameter)

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "meshPrefix", ve.Field)
}

func TestValidate_ExtraParamTypes(t *testing.T) {
	dir := frameDir(t, 3)
	b := sequenceBinding()

	ok := Descriptor{InputFolder: dir, NumFrames: Ptr(3), Params: map[string]string{"scale": "0.01", "preview": "true", "meshName": "initial_mesh"}}
	_, err := ok.Validate(b)
	require.NoError(t, err)

	bad := Descriptor{InputFolder: dir, NumFrames: Ptr(3), Params: map[string]string{"scale": "tiny"}}
	_, err = bad.Validate(b)
	assert.ErrorIs(t, err, ErrInvalidParameter)

	core := Descriptor{InputFolder: dir, NumFrames: Ptr(3), Params: map[string]string{"stride": "2"}}
	_, err = core.Validate(b)
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestValidate_UnknownBinding(t *testing.T) {
	_, err := Descriptor{Binding: "ghost"}.Validate(nil)
	assert.ErrorIs(t, err, ErrUnknownBinding)
}

func TestValidated_IsolatedFromCaller(t *testing.T) {
	dir := frameDir(t, 3)
	stride := 2
	d := Descriptor{InputFolder: dir, NumFrames: Ptr(3), Stride: &stride, Params: map[string]string{"meshName": "a"}}

	v, err := d.Validate(sequenceBinding())
	require.NoError(t, err)

	stride = 7
	d.Params["meshName"] = "b"
	d.InputFolder = "/elsewhere"

	got := v.Descriptor()
	assert.Equal(t, 2, *got.Stride)
	assert.Equal(t, "a", got.Params["meshName"])
	assert.Equal(t, dir, got.InputFolder)

	got.Params["meshName"] = "c"
	assert.Equal(t, "a", v.Descriptor().Params["meshName"])
}

func TestResolveFrameRange(t *testing.T) {
	tests := []struct {
		name      string
		d         Descriptor
		available int
		start     int
		end       int
		wantErr   error
	}{
		{"num frames under available", Descriptor{NumFrames: Ptr(600)}, 1000, 0, 599, nil},
		{"num frames over available", Descriptor{NumFrames: Ptr(600)}, 80, 0, 79, nil},
		{"explicit in range", Descriptor{StartFrame: Ptr(10), EndFrame: Ptr(20)}, 80, 10, 20, nil},
		{"explicit end out of range", Descriptor{StartFrame: Ptr(40), EndFrame: Ptr(100)}, 80, 0, 0, ErrFrameRangeOutOfBounds},
		{"explicit end clamped", Descriptor{StartFrame: Ptr(40), EndFrame: Ptr(100), ClampEnd: true}, 80, 40, 79, nil},
		{"start past available", Descriptor{StartFrame: Ptr(90), EndFrame: Ptr(100), ClampEnd: true}, 80, 0, 0, ErrFrameRangeOutOfBounds},
		{"no frames", Descriptor{NumFrames: Ptr(5)}, 0, 0, 0, ErrFrameRangeOutOfBounds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, err := tt.d.ResolveFrameRange(tt.available)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.start, start)
			assert.Equal(t, tt.end, end)

			start2, end2, err2 := tt.d.ResolveFrameRange(tt.available)
			assert.NoError(t, err2)
			assert.Equal(t, start, start2)
			assert.Equal(t, end, end2)
		})
	}
}

func TestOrbitScenario_OutOfBounds(t *testing.T) {
	dir := frameDir(t, 80)
	d := Descriptor{
		InputFolder: dir,
		StartFrame:  Ptr(40),
		EndFrame:    Ptr(100),
		Stride:      Ptr(10),
		Slowdown:    Ptr(5),
		Orbit:       &Orbit{Degrees: 360},
	}
	v, err := d.Validate(orbitBinding())
	require.NoError(t, err)

	available, err := CountFrames(dir, "*.npy")
	require.NoError(t, err)
	require.Equal(t, 80, available)

	_, _, err = v.ResolveFrameRange(available)
	assert.ErrorIs(t, err, ErrFrameRangeOutOfBounds)
	assert.ErrorContains(t, err, "end_frame 100 > 79")
}

func TestPlanFrames(t *testing.T) {
	dir := frameDir(t, 2)
	d := Descriptor{InputFolder: dir, StartFrame: Ptr(40), EndFrame: Ptr(100), Stride: Ptr(10), Slowdown: Ptr(5), Orbit: &Orbit{Degrees: 360}}
	v, err := d.Validate(orbitBinding())
	require.NoError(t, err)

	plan, err := v.PlanFrames(200)
	require.NoError(t, err)
	assert.Equal(t, 7, plan.SourceFrames)
	assert.Equal(t, 30, plan.OutputFrames)

	seq := Descriptor{InputFolder: dir, NumFrames: Ptr(600), Stride: Ptr(1)}
	v, err = seq.Validate(sequenceBinding())
	require.NoError(t, err)
	plan, err = v.PlanFrames(1000)
	require.NoError(t, err)
	assert.Equal(t, 600, plan.SourceFrames)
	assert.Equal(t, 600, plan.OutputFrames)
}

func TestCountFrames_PatternAndDirs(t *testing.T) {
	dir := frameDir(t, 4)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "body_q_0001.npy"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.npy"), 0o755))

	n, err := CountFrames(dir, "frame_*.npy")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = CountFrames(dir, "")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "explicit", Descriptor{Name: "explicit"}.DisplayName())
	assert.Equal(t, "cloth/soft/iter3/20240101", Descriptor{Experiment: Experiment{ID: "cloth", Variant: "soft", Iteration: 3, Timestamp: "20240101"}}.DisplayName())
	assert.Equal(t, "run1", Descriptor{InputFolder: "/data/run1"}.DisplayName())
}
