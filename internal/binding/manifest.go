package binding

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParamType is the value shape a scene entry script expects for a flag.
type ParamType string

const (
	TypeString ParamType = "string"
	TypeInt    ParamType = "int"
	TypeFloat  ParamType = "float"
	TypeVec3   ParamType = "vec3"
	TypeBool   ParamType = "bool"
)

func (t ParamType) valid() bool {
	switch t {
	case TypeString, TypeInt, TypeFloat, TypeVec3, TypeBool:
		return true
	}
	return false
}

// Core parameter names understood by every render entry script.
const (
	ParamInFolder     = "inFolder"
	ParamOutPath      = "outPath"
	ParamGPU          = "gpu"
	ParamNumFrames    = "numFrames"
	ParamStartFrame   = "startFrame"
	ParamEndFrame     = "endFrame"
	ParamStride       = "stride"
	ParamSlowdown     = "slowdown"
	ParamOrbitDegrees = "orbitDegrees"
	ParamOrbitCenter  = "orbitCenter"
	ParamLookAt       = "lookAt"
	ParamNumLayers    = "numLayers"
)

var coreTypes = map[string]ParamType{
	ParamInFolder:     TypeString,
	ParamOutPath:      TypeString,
	ParamGPU:          TypeInt,
	ParamNumFrames:    TypeInt,
	ParamStartFrame:   TypeInt,
	ParamEndFrame:     TypeInt,
	ParamStride:       TypeInt,
	ParamSlowdown:     TypeInt,
	ParamOrbitDegrees: TypeFloat,
	ParamOrbitCenter:  TypeVec3,
	ParamLookAt:       TypeVec3,
	ParamNumLayers:    TypeInt,
}

// IsCore reports whether name is one of the fixed core parameters.
func IsCore(name string) bool {
	_, ok := coreTypes[name]
	return ok
}

// CoreType returns the fixed type of a core parameter.
func CoreType(name string) (ParamType, bool) {
	t, ok := coreTypes[name]
	return t, ok
}

// Param declares one parameter a binding's entry script accepts.
type Param struct {
	Name        string    `yaml:"name" json:"name"`
	Type        ParamType `yaml:"type" json:"type"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
}

// Params is the list of parameters a binding supports.
//
// Accepted formats:
//   - plain names: params: [inFolder, gpu, numFrames]
//   - objects: params: [{name: meshName, type: string}]
type Params []Param

func defaultParamType(name string) ParamType {
	if t, ok := coreTypes[name]; ok {
		return t
	}
	return TypeString
}

func (p *Params) UnmarshalYAML(n *yaml.Node) error {
	if n == nil {
		*p = nil
		return nil
	}
	if n.Kind != yaml.SequenceNode {
		return fmt.Errorf("params must be a sequence")
	}

	out := make([]Param, 0, len(n.Content))
	for _, item := range n.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			name := strings.TrimSpace(item.Value)
			out = append(out, Param{Name: name, Type: defaultParamType(name)})
		case yaml.MappingNode:
			var tmp Param
			if err := item.Decode(&tmp); err != nil {
				return fmt.Errorf("invalid param object: %w", err)
			}
			tmp.Name = strings.TrimSpace(tmp.Name)
			if tmp.Type == "" {
				tmp.Type = defaultParamType(tmp.Name)
			}
			out = append(out, tmp)
		default:
			return fmt.Errorf("invalid param entry (must be string or object)")
		}
	}

	*p = out
	return nil
}

// Manifest is the on-disk binding.yaml format.
type Manifest struct {
	Name         string `yaml:"name"`
	Scene        string `yaml:"scene"`
	EntryScript  string `yaml:"entry_script"`
	FramePattern string `yaml:"frame_pattern,omitempty"`
	Description  string `yaml:"description,omitempty"`
	Params       Params `yaml:"params"`
}

// DefaultFramePattern matches the simulation frame dumps the scenes load.
const DefaultFramePattern = "*.npy"

// Binding is the fixed contract with one scene: where the scene and its entry
// script live and which named parameters the script understands. Bindings are
// read-only once registered.
type Binding struct {
	Name         string `json:"name"`
	SceneFile    string `json:"scene_file"`
	EntryScript  string `json:"entry_script"`
	FramePattern string `json:"frame_pattern"`
	Description  string `json:"description,omitempty"`
	Params       Params `json:"params"`
}

// Supports reports whether the entry script declares the named parameter.
// inFolder and gpu are passed to every script.
func (b *Binding) Supports(name string) bool {
	if name == ParamInFolder || name == ParamGPU {
		return true
	}
	for _, p := range b.Params {
		if p.Name == name {
			return true
		}
	}
	return false
}

// ParamType returns the declared type for a parameter.
func (b *Binding) ParamType(name string) (ParamType, bool) {
	if t, ok := coreTypes[name]; ok && b.Supports(name) {
		return t, true
	}
	for _, p := range b.Params {
		if p.Name == name {
			return p.Type, true
		}
	}
	return "", false
}

// ExtraParams returns the declared non-core parameter names, sorted.
func (b *Binding) ExtraParams() []string {
	var out []string
	for _, p := range b.Params {
		if !IsCore(p.Name) {
			out = append(out, p.Name)
		}
	}
	sort.Strings(out)
	return out
}

// Validate checks the manifest-level shape of a binding.
func (b *Binding) Validate() error {
	if strings.TrimSpace(b.Name) == "" {
		return fmt.Errorf("binding name is required")
	}
	if b.SceneFile == "" {
		return fmt.Errorf("binding %q: scene is required", b.Name)
	}
	if b.EntryScript == "" {
		return fmt.Errorf("binding %q: entry_script is required", b.Name)
	}
	seen := make(map[string]bool, len(b.Params))
	for _, p := range b.Params {
		if p.Name == "" {
			return fmt.Errorf("binding %q: param with empty name", b.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("binding %q: duplicate param %q", b.Name, p.Name)
		}
		seen[p.Name] = true
		if !p.Type.valid() {
			return fmt.Errorf("binding %q: param %q has invalid type %q", b.Name, p.Name, p.Type)
		}
		if core, ok := coreTypes[p.Name]; ok && p.Type != core {
			return fmt.Errorf("binding %q: core param %q must be type %s", b.Name, p.Name, core)
		}
	}
	return nil
}
