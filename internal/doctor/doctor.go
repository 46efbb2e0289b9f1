// Package doctor validates rendergate configuration, bindings and jobs
// without launching the renderer.
package doctor

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattjoyce/rendergate/internal/binding"
	"github.com/mattjoyce/rendergate/internal/config"
	"github.com/mattjoyce/rendergate/internal/job"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
	Code     string `json:"code,omitempty"`
}

// Doctor validates configuration against the binding registry.
type Doctor struct {
	cfg      *config.Config
	registry *binding.Registry
}

// New creates a Doctor from a loaded config and binding registry.
func New(cfg *config.Config, registry *binding.Registry) *Doctor {
	if registry == nil {
		registry = binding.NewRegistry()
	}
	return &Doctor{cfg: cfg, registry: registry}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validateRenderer(r)
	d.validateBindings(r)
	used := d.validateJobs(r)
	d.validateNotify(r)
	d.warnUnusedBindings(r, used)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateServiceConfig(r *Result) {
	if d.cfg.State.Path == "" {
		d.addError(r, "service", "state.path", "state.path is required")
	}
	if len(d.registry.All()) == 0 {
		d.addError(r, "service", "bindings", "no bindings registered (set bindings_dir or bindings)")
	}
}

// validateRenderer checks the renderer binary resolves and the timeouts make sense.
func (d *Doctor) validateRenderer(r *Result) {
	rc := d.cfg.Renderer
	if rc.Binary == "" {
		d.addError(r, "renderer", "renderer.binary", "renderer.binary is required")
	} else if name, ok := config.UnresolvedEnvVar(rc.Binary); ok {
		d.addError(r, "renderer", "renderer.binary", fmt.Sprintf("environment variable ${%s} not set", name))
	} else if _, err := exec.LookPath(rc.Binary); err != nil {
		d.addError(r, "renderer", "renderer.binary", fmt.Sprintf("renderer %q not found: %v", rc.Binary, err))
	}

	if rc.Timeout > 0 && rc.GracePeriod >= rc.Timeout {
		d.addWarning(r, "renderer", "renderer.grace_period",
			fmt.Sprintf("grace_period %v is not shorter than timeout %v", rc.GracePeriod, rc.Timeout))
	}
	if !rc.Capture() {
		d.addWarning(r, "renderer", "renderer.capture_output",
			"capture_output is off; stderr will not be kept in run history")
	}
}

// validateBindings checks each binding's scene and entry script exist.
func (d *Doctor) validateBindings(r *Result) {
	for _, name := range d.registry.Names() {
		b, _ := d.registry.Get(name)
		if err := b.CheckFiles(); err != nil {
			d.addError(r, "bindings", "bindings."+name, err.Error())
		}
	}
}

// validateJobs expands the job list and runs every descriptor through the
// same validation and frame resolution a real run would. It returns the set
// of bindings referenced by jobs.
func (d *Doctor) validateJobs(r *Result) map[string]bool {
	used := make(map[string]bool)

	descs, err := d.cfg.Descriptors()
	if err != nil {
		d.addError(r, "jobs", "jobs", err.Error())
		return used
	}
	if len(descs) == 0 {
		d.addWarning(r, "jobs", "jobs", "no jobs configured")
		return used
	}

	outputs := make(map[string]string)
	for i, desc := range descs {
		field := fmt.Sprintf("jobs[%d] (%s)", i, desc.DisplayName())
		used[desc.Binding] = true

		for _, p := range []struct{ key, value string }{
			{"input_folder", desc.InputFolder},
			{"output_path", desc.OutputPath},
		} {
			if name, ok := config.UnresolvedEnvVar(p.value); ok {
				d.addWarning(r, "env_vars", field+"."+p.key,
					fmt.Sprintf("environment variable ${%s} not set", name))
			}
		}
		if desc.Experiment.ID == "" {
			d.addWarning(r, "jobs", field, "job has no experiment id; history will only show its name")
		}
		if desc.OutputPath != "" {
			if prev, ok := outputs[desc.OutputPath]; ok {
				d.addWarning(r, "jobs", field+".output_path",
					fmt.Sprintf("output_path %q is also written by %s", desc.OutputPath, prev))
			} else {
				outputs[desc.OutputPath] = field
			}
		}

		b, _ := d.registry.Get(desc.Binding)
		v, err := desc.Validate(b)
		if err != nil {
			d.addJobError(r, field, err)
			continue
		}
		available, err := job.CountFrames(desc.InputFolder, v.Binding().FramePattern)
		if err != nil {
			d.addJobError(r, field, err)
			continue
		}
		if _, err := v.PlanFrames(available); err != nil {
			d.addJobError(r, field, err)
		}
	}
	return used
}

func (d *Doctor) addJobError(r *Result, field string, err error) {
	r.Errors = append(r.Errors, Issue{Category: "jobs", Field: field, Message: err.Error(), Code: job.Code(err)})
}

func (d *Doctor) validateNotify(r *Result) {
	n := d.cfg.Notify
	if n.NATSURL == "" {
		return
	}
	if name, ok := config.UnresolvedEnvVar(n.NATSURL); ok {
		d.addError(r, "notify", "notify.nats_url", fmt.Sprintf("environment variable ${%s} not set", name))
	}
	if strings.TrimSpace(n.Subject) == "" {
		d.addError(r, "notify", "notify.subject", "notify.subject is required when nats_url is set")
	}
}

// warnUnusedBindings warns about registered bindings no job references.
func (d *Doctor) warnUnusedBindings(r *Result, used map[string]bool) {
	for _, name := range d.registry.Names() {
		if !used[name] {
			d.addWarning(r, "unused", "",
				fmt.Sprintf("binding %q registered but not referenced by any job", name))
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		category := e.Category
		if e.Code != "" {
			category += "/" + e.Code
		}
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
