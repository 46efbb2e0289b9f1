package job

import "github.com/mattjoyce/rendergate/internal/binding"

// Validated is a descriptor that passed Validate. It owns a private copy of
// the descriptor, so later edits to the caller's value never leak into it.
// Only Descriptor.Validate builds a usable one; a zero Validated reports
// false from Valid.
type Validated struct {
	desc    Descriptor
	binding *binding.Binding
}

// Valid reports whether v was produced by Descriptor.Validate.
func (v *Validated) Valid() bool { return v != nil && v.binding != nil }

// Descriptor returns a copy of the validated descriptor.
func (v *Validated) Descriptor() Descriptor { return v.desc.clone() }

// Binding returns the binding the job was validated against.
func (v *Validated) Binding() *binding.Binding { return v.binding }

// Name returns the job's display name.
func (v *Validated) Name() string { return v.desc.DisplayName() }

// GPU returns the device index the job renders on.
func (v *Validated) GPU() int { return v.desc.GPU }

// ResolveFrameRange resolves the job's frame selection against available frames.
func (v *Validated) ResolveFrameRange(available int) (start, end int, err error) {
	return v.desc.ResolveFrameRange(available)
}

// FramePlan is the frame accounting for one resolved job.
type FramePlan struct {
	Available    int `json:"available"`
	Start        int `json:"start"`
	End          int `json:"end"`
	Stride       int `json:"stride"`
	SourceFrames int `json:"source_frames"`
	OutputFrames int `json:"output_frames"`
}

// PlanFrames resolves the frame range and counts the source frames the
// renderer will load and the images it will write. With a slowdown factor
// each consecutive source pair yields that many interpolated images.
func (v *Validated) PlanFrames(available int) (FramePlan, error) {
	start, end, err := v.ResolveFrameRange(available)
	if err != nil {
		return FramePlan{}, err
	}
	stride := v.desc.EffectiveStride()
	source := (end-start)/stride + 1
	output := source
	if v.desc.Slowdown != nil {
		output = max(source-1, 0) * *v.desc.Slowdown
	}
	return FramePlan{
		Available:    available,
		Start:        start,
		End:          end,
		Stride:       stride,
		SourceFrames: source,
		OutputFrames: output,
	}, nil
}
