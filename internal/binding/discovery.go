package binding

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const manifestFilename = "binding.yaml"

// Registry holds renderer bindings indexed by name.
type Registry struct {
	bindings map[string]*Binding
}

// NewRegistry creates an empty binding registry.
func NewRegistry() *Registry {
	return &Registry{
		bindings: make(map[string]*Binding),
	}
}

// Get retrieves a binding by name.
func (r *Registry) Get(name string) (*Binding, bool) {
	b, ok := r.bindings[name]
	return b, ok
}

// All returns all registered bindings.
func (r *Registry) All() map[string]*Binding {
	return r.bindings
}

// Names returns registered binding names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.bindings))
	for name := range r.bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Add validates and registers a binding.
func (r *Registry) Add(b *Binding) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if _, exists := r.bindings[b.Name]; exists {
		return fmt.Errorf("binding %q already registered", b.Name)
	}
	if b.FramePattern == "" {
		b.FramePattern = DefaultFramePattern
	}
	r.bindings[b.Name] = b
	return nil
}

// FromManifest builds a Binding from a manifest, resolving relative scene and
// script paths against baseDir.
func FromManifest(m Manifest, baseDir string) *Binding {
	return &Binding{
		Name:         strings.TrimSpace(m.Name),
		SceneFile:    resolvePath(baseDir, m.Scene),
		EntryScript:  resolvePath(baseDir, m.EntryScript),
		FramePattern: m.FramePattern,
		Description:  m.Description,
		Params:       m.Params,
	}
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) || baseDir == "" {
		return p
	}
	return filepath.Join(baseDir, p)
}

// Discover scans bindingsDir for binding.yaml manifests and registers them into reg.
// Invalid manifests are logged but not fatal; duplicate names keep the first one found.
func Discover(reg *Registry, bindingsDir string, logger func(level, msg string, args ...any)) error {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}

	absRoot, err := filepath.Abs(bindingsDir)
	if err != nil {
		return fmt.Errorf("failed to resolve bindings dir %q: %w", bindingsDir, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("bindings dir does not exist: %s", absRoot)
		}
		return fmt.Errorf("failed to stat bindings dir %s: %w", absRoot, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("bindings dir is not a directory: %s", absRoot)
	}

	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != manifestFilename {
			return nil
		}

		b, err := loadManifest(path)
		if err != nil {
			logger("warn", "failed to load binding", "path", path, "error", err.Error())
			return nil
		}

		if err := reg.Add(b); err != nil {
			if existing, ok := reg.Get(b.Name); ok {
				logger("warn", "duplicate binding ignored (keeping first discovered)",
					"binding", b.Name,
					"ignored_path", path,
					"kept_scene", existing.SceneFile,
				)
			} else {
				logger("warn", "invalid binding", "path", path, "error", err.Error())
			}
			return nil
		}

		logger("info", "loaded binding", "binding", b.Name, "scene", b.SceneFile, "entry_script", b.EntryScript)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan bindings dir %s: %w", absRoot, err)
	}
	return nil
}

// loadManifest reads a single binding.yaml.
func loadManifest(manifestPath string) (*Binding, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	if strings.Contains(m.Scene, "..") || strings.Contains(m.EntryScript, "..") {
		return nil, fmt.Errorf("scene or entry_script contains path traversal")
	}

	b := FromManifest(m, filepath.Dir(manifestPath))
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return b, nil
}

// CheckFiles verifies the scene file and entry script exist on disk.
func (b *Binding) CheckFiles() error {
	files := []struct{ label, path string }{
		{"scene", b.SceneFile},
		{"entry_script", b.EntryScript},
	}
	for _, f := range files {
		info, err := os.Stat(f.path)
		if err != nil {
			return fmt.Errorf("binding %q: %s %s: %w", b.Name, f.label, f.path, err)
		}
		if info.IsDir() {
			return fmt.Errorf("binding %q: %s %s is a directory", b.Name, f.label, f.path)
		}
	}
	return nil
}
