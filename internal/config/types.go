package config

import "time"

// Config represents the complete rendergate configuration.
type Config struct {
	Include     []string               `yaml:"include,omitempty"`
	Service     ServiceConfig          `yaml:"service"`
	Renderer    RendererConfig         `yaml:"renderer"`
	State       StateConfig            `yaml:"state"`
	Locks       LocksConfig            `yaml:"locks,omitempty"`
	BindingsDir string                 `yaml:"bindings_dir,omitempty"`
	Bindings    map[string]BindingConf `yaml:"bindings,omitempty"`
	Batch       BatchConfig            `yaml:"batch"`
	Notify      NotifyConfig           `yaml:"notify,omitempty"`
	API         APIConfig              `yaml:"api,omitempty"`
	Jobs        []JobConf              `yaml:"jobs"`

	// SourcePath is the absolute path of the root config file.
	SourcePath string `yaml:"-"`
	// SourceFiles lists the root config and every included file.
	SourceFiles []string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// RendererConfig describes how the external renderer is launched.
type RendererConfig struct {
	Binary         string        `yaml:"binary"`
	BackgroundFlag string        `yaml:"background_flag,omitempty"`
	ScriptFlag     string        `yaml:"script_flag,omitempty"`
	Separator      string        `yaml:"separator,omitempty"`
	DeviceEnv      string        `yaml:"device_env,omitempty"`
	Timeout        time.Duration `yaml:"timeout,omitempty"`
	GracePeriod    time.Duration `yaml:"grace_period,omitempty"`
	CaptureOutput  *bool         `yaml:"capture_output,omitempty"`
}

// Capture reports whether renderer stdout/stderr should be captured.
func (r RendererConfig) Capture() bool {
	return r.CaptureOutput == nil || *r.CaptureOutput
}

// StateConfig defines run history storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// LocksConfig enables per-GPU device reservation when Dir is set.
type LocksConfig struct {
	Dir  string        `yaml:"dir"`
	Poll time.Duration `yaml:"poll,omitempty"`
}

// BindingConf is an inline renderer binding.
type BindingConf struct {
	Scene        string   `yaml:"scene"`
	EntryScript  string   `yaml:"entry_script"`
	FramePattern string   `yaml:"frame_pattern,omitempty"`
	Description  string   `yaml:"description,omitempty"`
	Params       []string `yaml:"params,omitempty"`
	// ParamTypes declares types for non-core params; untyped ones are strings.
	ParamTypes map[string]string `yaml:"param_types,omitempty"`
}

// BatchConfig defines batch policy.
type BatchConfig struct {
	ContinueOnError *bool `yaml:"continue_on_error,omitempty"`
}

// Continue reports whether a batch keeps going after a failed job. Unset means true.
func (b BatchConfig) Continue() bool {
	return b.ContinueOnError == nil || *b.ContinueOnError
}

// NotifyConfig enables outcome events on a NATS subject.
type NotifyConfig struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// APIConfig defines the read-only status API. With Token set, every route
// except /healthz requires "Authorization: Bearer <token>".
type APIConfig struct {
	Listen      string   `yaml:"listen"`
	Token       string   `yaml:"token,omitempty"`
	// CORSOrigins are browser origins allowed to call the API.
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

// JobConf is one job entry as written in YAML. A job with a matrix expands to
// one descriptor per combination.
type JobConf struct {
	Name        string            `yaml:"name,omitempty"`
	Binding     string            `yaml:"binding"`
	Experiment  ExperimentConf    `yaml:"experiment,omitempty"`
	InputFolder string            `yaml:"input_folder"`
	OutputPath  string            `yaml:"output_path,omitempty"`
	GPU         int               `yaml:"gpu"`
	NumFrames   *int              `yaml:"num_frames,omitempty"`
	StartFrame  *int              `yaml:"start_frame,omitempty"`
	EndFrame    *int              `yaml:"end_frame,omitempty"`
	Stride      *int              `yaml:"stride,omitempty"`
	Slowdown    *int              `yaml:"slowdown,omitempty"`
	Orbit       *OrbitConf        `yaml:"orbit,omitempty"`
	NumLayers   *int              `yaml:"num_layers,omitempty"`
	Params      map[string]string `yaml:"params,omitempty"`
	ClampEnd    bool              `yaml:"clamp_end,omitempty"`
	Matrix      *MatrixConf       `yaml:"matrix,omitempty"`
}

// ExperimentConf is the structured experiment identity of a job.
type ExperimentConf struct {
	ID        string `yaml:"id"`
	Variant   string `yaml:"variant,omitempty"`
	Iteration int    `yaml:"iteration,omitempty"`
	Timestamp string `yaml:"timestamp,omitempty"`
}

// OrbitConf is the camera orbit of an animation job.
type OrbitConf struct {
	Degrees float64    `yaml:"degrees"`
	Center  [3]float64 `yaml:"center,flow"`
	LookAt  [3]float64 `yaml:"look_at,flow"`
}

// MatrixConf varies one job across experiment variants, iterations and timestamps.
type MatrixConf struct {
	Variants   []string `yaml:"variants,omitempty"`
	Iterations []int    `yaml:"iterations,omitempty"`
	Timestamps []string `yaml:"timestamps,omitempty"`
}

// Defaults returns a Config with the Blender-style launch convention.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "rendergate",
			LogLevel: "info",
		},
		Renderer: RendererConfig{
			Binary:         "blender",
			BackgroundFlag: "--background",
			ScriptFlag:     "--python",
			Separator:      "--",
			DeviceEnv:      "CUDA_VISIBLE_DEVICES",
			GracePeriod:    5 * time.Second,
		},
		State: StateConfig{
			Path: "./data/rendergate.db",
		},
		Locks: LocksConfig{
			Poll: 2 * time.Second,
		},
		Notify: NotifyConfig{
			Subject: "rendergate.outcomes",
		},
		API: APIConfig{
			Listen: "127.0.0.1:8091",
		},
		Bindings: make(map[string]BindingConf),
	}
}
