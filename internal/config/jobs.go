package config

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/mattjoyce/rendergate/internal/binding"
	"github.com/mattjoyce/rendergate/internal/job"
)

// Descriptors expands the configured jobs into job descriptors, in file order.
// A job with a matrix yields one descriptor per variant x iteration x timestamp;
// {experiment}, {variant}, {iteration} and {timestamp} in name, input_folder and
// output_path are substituted per combination. Each call returns fresh values.
func (c *Config) Descriptors() ([]job.Descriptor, error) {
	var out []job.Descriptor
	for i, jc := range c.Jobs {
		if jc.Binding == "" {
			return nil, fmt.Errorf("jobs[%d]: binding is required", i)
		}
		for _, exp := range expandMatrix(jc) {
			out = append(out, jc.descriptor(exp))
		}
	}
	return out, nil
}

func expandMatrix(jc JobConf) []job.Experiment {
	base := job.Experiment{
		ID:        jc.Experiment.ID,
		Variant:   jc.Experiment.Variant,
		Iteration: jc.Experiment.Iteration,
		Timestamp: jc.Experiment.Timestamp,
	}
	if jc.Matrix == nil {
		return []job.Experiment{base}
	}

	variants := jc.Matrix.Variants
	if len(variants) == 0 {
		variants = []string{base.Variant}
	}
	iterations := jc.Matrix.Iterations
	if len(iterations) == 0 {
		iterations = []int{base.Iteration}
	}
	timestamps := jc.Matrix.Timestamps
	if len(timestamps) == 0 {
		timestamps = []string{base.Timestamp}
	}

	out := make([]job.Experiment, 0, len(variants)*len(iterations)*len(timestamps))
	for _, v := range variants {
		for _, it := range iterations {
			for _, ts := range timestamps {
				out = append(out, job.Experiment{ID: base.ID, Variant: v, Iteration: it, Timestamp: ts})
			}
		}
	}
	return out
}

func (jc JobConf) descriptor(exp job.Experiment) job.Descriptor {
	r := strings.NewReplacer(
		"{experiment}", exp.ID,
		"{variant}", exp.Variant,
		"{iteration}", strconv.Itoa(exp.Iteration),
		"{timestamp}", exp.Timestamp,
	)

	d := job.Descriptor{
		Name:        r.Replace(jc.Name),
		Binding:     jc.Binding,
		Experiment:  exp,
		InputFolder: r.Replace(jc.InputFolder),
		OutputPath:  r.Replace(jc.OutputPath),
		GPU:         jc.GPU,
		NumFrames:   copyInt(jc.NumFrames),
		StartFrame:  copyInt(jc.StartFrame),
		EndFrame:    copyInt(jc.EndFrame),
		Stride:      copyInt(jc.Stride),
		Slowdown:    copyInt(jc.Slowdown),
		NumLayers:   copyInt(jc.NumLayers),
		ClampEnd:    jc.ClampEnd,
	}
	if jc.Orbit != nil {
		d.Orbit = &job.Orbit{
			Degrees: jc.Orbit.Degrees,
			Center:  job.Vec3(jc.Orbit.Center),
			LookAt:  job.Vec3(jc.Orbit.LookAt),
		}
	}
	if len(jc.Params) > 0 {
		d.Params = maps.Clone(jc.Params)
	}
	return d
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	return job.Ptr(*p)
}

// BuildRegistry registers the inline bindings, then any discovered under
// bindings_dir. Inline bindings win over discovered ones of the same name.
func (c *Config) BuildRegistry(logger func(level, msg string, args ...any)) (*binding.Registry, error) {
	reg := binding.NewRegistry()

	for _, name := range slices.Sorted(maps.Keys(c.Bindings)) {
		b, err := c.Bindings[name].toBinding(name)
		if err != nil {
			return nil, err
		}
		if err := reg.Add(b); err != nil {
			return nil, fmt.Errorf("binding %q: %w", name, err)
		}
	}

	if c.BindingsDir != "" {
		if err := binding.Discover(reg, c.BindingsDir, logger); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (bc BindingConf) toBinding(name string) (*binding.Binding, error) {
	params := make(binding.Params, 0, len(bc.Params))
	for _, p := range bc.Params {
		typ, ok := binding.CoreType(p)
		if t := bc.ParamTypes[p]; t != "" {
			typ, ok = binding.ParamType(t), true
		}
		if !ok {
			typ = binding.TypeString
		}
		params = append(params, binding.Param{Name: p, Type: typ})
	}
	for _, p := range slices.Sorted(maps.Keys(bc.ParamTypes)) {
		if !slices.Contains(bc.Params, p) {
			return nil, fmt.Errorf("binding %q: param_types names undeclared param %q", name, p)
		}
	}

	return &binding.Binding{
		Name:         name,
		SceneFile:    bc.Scene,
		EntryScript:  bc.EntryScript,
		FramePattern: bc.FramePattern,
		Description:  bc.Description,
		Params:       params,
	}, nil
}
