package job

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/mattjoyce/rendergate/internal/binding"
)

// Vec3 is an (x, y, z) point in scene space.
type Vec3 [3]float64

// Orbit turns a sequence render into an orbiting-camera animation.
type Orbit struct {
	Degrees float64 `json:"degrees"`
	Center  Vec3    `json:"center"`
	LookAt  Vec3    `json:"look_at"`
}

// Experiment is the identity of one simulation run: which experiment, which
// variant (e.g. truncation mode), which iteration and when it was produced.
type Experiment struct {
	ID        string `json:"id,omitempty"`
	Variant   string `json:"variant,omitempty"`
	Iteration int    `json:"iteration,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Label joins the set experiment fields with "/".
func (e Experiment) Label() string {
	var parts []string
	if e.ID != "" {
		parts = append(parts, e.ID)
	}
	if e.Variant != "" {
		parts = append(parts, e.Variant)
	}
	if e.Iteration > 0 {
		parts = append(parts, fmt.Sprintf("iter%d", e.Iteration))
	}
	if e.Timestamp != "" {
		parts = append(parts, e.Timestamp)
	}
	return strings.Join(parts, "/")
}

// Descriptor is everything needed to render one experiment's frames.
// Pointer fields are optional; nil means "not set, use the scene default".
type Descriptor struct {
	Name        string            `json:"name,omitempty"`
	Binding     string            `json:"binding"`
	Experiment  Experiment        `json:"experiment"`
	InputFolder string            `json:"input_folder"`
	OutputPath  string            `json:"output_path,omitempty"`
	GPU         int               `json:"gpu"`
	NumFrames   *int              `json:"num_frames,omitempty"`
	StartFrame  *int              `json:"start_frame,omitempty"`
	EndFrame    *int              `json:"end_frame,omitempty"`
	Stride      *int              `json:"stride,omitempty"`
	Slowdown    *int              `json:"slowdown,omitempty"`
	Orbit       *Orbit            `json:"orbit,omitempty"`
	NumLayers   *int              `json:"num_layers,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	ClampEnd    bool              `json:"clamp_end,omitempty"`
}

// Ptr returns a pointer to v, for filling optional descriptor fields.
func Ptr[T any](v T) *T { return &v }

// DisplayName is the job name, falling back to the experiment label and then
// the input folder's base name.
func (d Descriptor) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	if label := d.Experiment.Label(); label != "" {
		return label
	}
	return filepath.Base(d.InputFolder)
}

// EffectiveStride is the stride the renderer applies; unset means 1.
func (d Descriptor) EffectiveStride() int {
	if d.Stride == nil {
		return 1
	}
	return *d.Stride
}

func (d Descriptor) clone() Descriptor {
	c := d
	c.NumFrames = clonePtr(d.NumFrames)
	c.StartFrame = clonePtr(d.StartFrame)
	c.EndFrame = clonePtr(d.EndFrame)
	c.Stride = clonePtr(d.Stride)
	c.Slowdown = clonePtr(d.Slowdown)
	c.NumLayers = clonePtr(d.NumLayers)
	c.Orbit = clonePtr(d.Orbit)
	if d.Params != nil {
		c.Params = maps.Clone(d.Params)
	}
	return c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Validate checks the descriptor against its binding and returns an immutable
// validated job. The only side effect is reading InputFolder.
func (d Descriptor) Validate(b *binding.Binding) (*Validated, error) {
	if b == nil {
		return nil, invalid(ErrUnknownBinding, "binding", "%q is not registered", d.Binding)
	}
	if err := checkInputFolder(d.InputFolder); err != nil {
		return nil, err
	}
	if err := d.checkFrameRange(); err != nil {
		return nil, err
	}
	if d.Stride != nil && *d.Stride < 1 {
		return nil, invalid(ErrInvalidStride, "stride", "must be >= 1, got %d", *d.Stride)
	}
	if d.GPU < 0 {
		return nil, invalid(ErrInvalidGPU, "gpu", "must be >= 0, got %d", d.GPU)
	}
	if d.Slowdown != nil && *d.Slowdown <= 0 {
		return nil, invalid(ErrInvalidParameter, "slowdown", "must be > 0, got %d", *d.Slowdown)
	}
	if d.NumLayers != nil && *d.NumLayers <= 0 {
		return nil, invalid(ErrInvalidParameter, "num_layers", "must be > 0, got %d", *d.NumLayers)
	}
	if d.Orbit != nil && d.Orbit.Degrees <= 0 {
		return nil, invalid(ErrInvalidParameter, "orbit.degrees", "must be > 0, got %g", d.Orbit.Degrees)
	}
	if err := d.checkSupported(b); err != nil {
		return nil, err
	}
	return &Validated{desc: d.clone(), binding: b}, nil
}

func checkInputFolder(folder string) error {
	if strings.TrimSpace(folder) == "" {
		return invalid(ErrMissingInputFolder, "input_folder", "not set")
	}
	info, err := os.Stat(folder)
	if err != nil {
		return invalid(ErrMissingInputFolder, "input_folder", "%v", err)
	}
	if !info.IsDir() {
		return invalid(ErrMissingInputFolder, "input_folder", "%s is not a directory", folder)
	}
	entries, err := os.ReadDir(folder)
	if err != nil {
		return invalid(ErrMissingInputFolder, "input_folder", "%v", err)
	}
	if len(entries) == 0 {
		return invalid(ErrMissingInputFolder, "input_folder", "%s is empty", folder)
	}
	return nil
}

func (d Descriptor) checkFrameRange() error {
	explicit := d.StartFrame != nil || d.EndFrame != nil
	switch {
	case d.NumFrames != nil && explicit:
		return invalid(ErrConflictingFrameRange, "num_frames", "num_frames and start_frame/end_frame are mutually exclusive")
	case explicit && (d.StartFrame == nil || d.EndFrame == nil):
		return invalid(ErrConflictingFrameRange, "start_frame", "start_frame and end_frame must be set together")
	case d.NumFrames == nil && !explicit:
		return invalid(ErrMissingFrameRange, "num_frames", "set num_frames or start_frame/end_frame")
	}

	if d.NumFrames != nil {
		if *d.NumFrames <= 0 {
			return invalid(ErrInvalidFrameRange, "num_frames", "must be > 0, got %d", *d.NumFrames)
		}
		return nil
	}
	if *d.StartFrame < 0 {
		return invalid(ErrInvalidFrameRange, "start_frame", "must be >= 0, got %d", *d.StartFrame)
	}
	if *d.EndFrame < *d.StartFrame {
		return invalid(ErrInvalidFrameRange, "end_frame", "end_frame %d before start_frame %d", *d.EndFrame, *d.StartFrame)
	}
	return nil
}

func (d Descriptor) checkSupported(b *binding.Binding) error {
	set := []struct {
		isSet bool
		param string
	}{
		{d.OutputPath != "", binding.ParamOutPath},
		{d.NumFrames != nil, binding.ParamNumFrames},
		{d.StartFrame != nil, binding.ParamStartFrame},
		{d.EndFrame != nil, binding.ParamEndFrame},
		{d.Stride != nil, binding.ParamStride},
		{d.Slowdown != nil, binding.ParamSlowdown},
		{d.Orbit != nil, binding.ParamOrbitDegrees},
		{d.Orbit != nil, binding.ParamOrbitCenter},
		{d.Orbit != nil, binding.ParamLookAt},
		{d.NumLayers != nil, binding.ParamNumLayers},
	}
	for _, s := range set {
		if s.isSet && !b.Supports(s.param) {
			return invalid(ErrUnsupportedParameter, s.param, "binding %q does not declare it", b.Name)
		}
	}

	for _, name := range slices.Sorted(maps.Keys(d.Params)) {
		if binding.IsCore(name) {
			return invalid(ErrInvalidParameter, "params."+name, "core parameter must use its typed field")
		}
		typ, ok := b.ParamType(name)
		if !ok {
			return invalid(ErrUnsupportedParameter, name, "binding %q does not declare it", b.Name)
		}
		if err := checkValue(typ, d.Params[name]); err != nil {
			return invalid(ErrInvalidParameter, "params."+name, "%v", err)
		}
	}
	return nil
}

func checkValue(typ binding.ParamType, v string) error {
	switch typ {
	case binding.TypeInt:
		if _, err := strconv.Atoi(v); err != nil {
			return fmt.Errorf("%q is not an int", v)
		}
	case binding.TypeFloat:
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return fmt.Errorf("%q is not a float", v)
		}
	case binding.TypeBool:
		if _, err := strconv.ParseBool(v); err != nil {
			return fmt.Errorf("%q is not a bool", v)
		}
	case binding.TypeVec3:
		fields := strings.Fields(v)
		if len(fields) != 3 {
			return fmt.Errorf("%q is not three numbers", v)
		}
		for _, f := range fields {
			if _, err := strconv.ParseFloat(f, 64); err != nil {
				return fmt.Errorf("%q is not three numbers", v)
			}
		}
	}
	return nil
}

// ResolveFrameRange maps the descriptor's frame selection onto the frames
// actually present. It depends only on its inputs.
func (d Descriptor) ResolveFrameRange(available int) (start, end int, err error) {
	if available <= 0 {
		return 0, 0, invalid(ErrFrameRangeOutOfBounds, "input_folder", "no frames available")
	}
	if d.NumFrames != nil {
		return 0, min(*d.NumFrames, available) - 1, nil
	}
	if d.StartFrame == nil || d.EndFrame == nil {
		return 0, 0, invalid(ErrMissingFrameRange, "num_frames", "set num_frames or start_frame/end_frame")
	}

	start, end = *d.StartFrame, *d.EndFrame
	if start >= available {
		return 0, 0, invalid(ErrFrameRangeOutOfBounds, "start_frame", "start_frame %d > %d", start, available-1)
	}
	if end >= available {
		if !d.ClampEnd {
			return 0, 0, invalid(ErrFrameRangeOutOfBounds, "end_frame", "end_frame %d > %d", end, available-1)
		}
		end = available - 1
	}
	return start, end, nil
}

// CountFrames counts the regular files in folder matching pattern.
func CountFrames(folder, pattern string) (int, error) {
	if pattern == "" {
		pattern = binding.DefaultFramePattern
	}
	matches, err := filepath.Glob(filepath.Join(folder, pattern))
	if err != nil {
		return 0, fmt.Errorf("bad frame pattern %q: %w", pattern, err)
	}
	n := 0
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.Mode().IsRegular() {
			n++
		}
	}
	return n, nil
}
