package dispatch

import (
	"errors"
	"strconv"
	"strings"

	"github.com/mattjoyce/rendergate/internal/binding"
	"github.com/mattjoyce/rendergate/internal/job"
)

const defaultDeviceEnv = "CUDA_VISIBLE_DEVICES"

var errUnvalidated = errors.New("job was not validated")

// ProcessSpec is a fully built renderer invocation.
type ProcessSpec struct {
	Job         string
	Argv        []string
	Env         []string
	SceneFile   string
	EntryScript string
	GPU         int
}

// BuildInvocation turns a validated job into a renderer command line:
//
//	<binary> <scene> --background --python <entry-script> -- <flags...>
//
// Core flags come first in a fixed order, then binding-specific params
// sorted by name. Unset optional fields are omitted. Env holds only the
// device overlay; Dispatch layers it over the parent environment.
//
// A Validated that did not come from Descriptor.Validate yields a spec with
// no Argv, which Dispatch reports as a launch error.
func (d *Dispatcher) BuildInvocation(v *job.Validated) ProcessSpec {
	if !v.Valid() {
		return ProcessSpec{}
	}
	desc := v.Descriptor()
	b := v.Binding()

	argv := []string{d.cfg.Binary, b.SceneFile}
	if d.cfg.BackgroundFlag != "" {
		argv = append(argv, d.cfg.BackgroundFlag)
	}
	if d.cfg.ScriptFlag != "" {
		argv = append(argv, d.cfg.ScriptFlag)
	}
	argv = append(argv, b.EntryScript)
	if d.cfg.Separator != "" {
		argv = append(argv, d.cfg.Separator)
	}
	argv = append(argv, paramFlags(desc, b)...)

	deviceEnv := d.cfg.DeviceEnv
	if deviceEnv == "" {
		deviceEnv = defaultDeviceEnv
	}

	return ProcessSpec{
		Job:         v.Name(),
		Argv:        argv,
		Env:         []string{deviceEnv + "=" + strconv.Itoa(desc.GPU)},
		SceneFile:   b.SceneFile,
		EntryScript: b.EntryScript,
		GPU:         desc.GPU,
	}
}

func paramFlags(desc job.Descriptor, b *binding.Binding) []string {
	var args []string
	flag := func(name string, values ...string) {
		args = append(args, "--"+name)
		args = append(args, values...)
	}

	flag(binding.ParamInFolder, desc.InputFolder)
	if desc.OutputPath != "" {
		flag(binding.ParamOutPath, desc.OutputPath)
	}
	flag(binding.ParamGPU, strconv.Itoa(desc.GPU))
	if desc.NumFrames != nil {
		flag(binding.ParamNumFrames, strconv.Itoa(*desc.NumFrames))
	} else {
		flag(binding.ParamStartFrame, strconv.Itoa(*desc.StartFrame))
		flag(binding.ParamEndFrame, strconv.Itoa(*desc.EndFrame))
	}
	if desc.Stride != nil {
		flag(binding.ParamStride, strconv.Itoa(*desc.Stride))
	}
	if desc.Slowdown != nil {
		flag(binding.ParamSlowdown, strconv.Itoa(*desc.Slowdown))
	}
	if desc.Orbit != nil {
		flag(binding.ParamOrbitDegrees, formatFloat(desc.Orbit.Degrees))
		flag(binding.ParamOrbitCenter, vec3(desc.Orbit.Center)...)
		flag(binding.ParamLookAt, vec3(desc.Orbit.LookAt)...)
	}
	if desc.NumLayers != nil {
		flag(binding.ParamNumLayers, strconv.Itoa(*desc.NumLayers))
	}

	for _, name := range b.ExtraParams() {
		value, ok := desc.Params[name]
		if !ok {
			continue
		}
		typ, _ := b.ParamType(name)
		switch typ {
		case binding.TypeBool:
			if on, _ := strconv.ParseBool(value); on {
				flag(name)
			}
		case binding.TypeVec3:
			flag(name, strings.Fields(value)...)
		default:
			flag(name, value)
		}
	}
	return args
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func vec3(v job.Vec3) []string {
	return []string{formatFloat(v[0]), formatFloat(v[1]), formatFloat(v[2])}
}
