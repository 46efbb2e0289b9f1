package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file, or from config.yaml when
// configPath is a directory. A .env file beside the config is loaded into the
// process environment first (existing variables win), then ${VAR} references
// are interpolated, includes merged, checksums verified and the result validated.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}

	if err := loadDotEnv(filepath.Dir(absPath)); err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath

	visited := map[string]bool{absPath: true}
	if len(cfg.Include) > 0 {
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}
	for path := range visited {
		cfg.SourceFiles = append(cfg.SourceFiles, path)
	}
	sort.Strings(cfg.SourceFiles)

	cfg = applyConfigDefaults(cfg)
	resolveRelativePaths(cfg, filepath.Dir(absPath))

	if err := verifyAllConfigHashes(cfg.SourceFiles); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveConfigPath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// DiscoverConfigPath finds the config by checking standard locations.
// Priority order: $RENDERGATE_CONFIG, ~/.config/rendergate, ./rendergate.yaml
func DiscoverConfigPath() (string, error) {
	if p := os.Getenv("RENDERGATE_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "rendergate")
		if _, err := os.Stat(filepath.Join(userConfigDir, "config.yaml")); err == nil {
			return userConfigDir, nil
		}
	}

	if _, err := os.Stat("./rendergate.yaml"); err == nil {
		return "./rendergate.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $RENDERGATE_CONFIG, ~/.config/rendergate, ./rendergate.yaml)")
}

func loadDotEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// loadIncludes recursively loads and merges files from the include array.
// visited tracks loaded files to prevent cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)

		resolvedPath := includePath
		if !filepath.IsAbs(includePath) {
			resolvedPath = filepath.Join(baseDir, includePath)
		}

		absPath, err := filepath.Abs(resolvedPath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}

		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}

		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s\n"+
					"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
			}
			return fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
		}
		visited[absPath] = true

		includedCfg, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}

		// Relative paths inside an included file are relative to that file.
		resolveRelativePaths(includedCfg, filepath.Dir(absPath))

		if err := deepMergeConfig(cfg, includedCfg); err != nil {
			return fmt.Errorf("include[%d] (%s): merge failed: %w", i, includePath, err)
		}

		if len(includedCfg.Include) > 0 {
			if err := loadIncludes(cfg, includedCfg.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}

	return nil
}

// loadConfigFile loads and parses a single config file.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}
	return &cfg, nil
}

// deepMergeConfig merges src into dst, with src taking precedence for non-zero values.
func deepMergeConfig(dst, src *Config) error {
	if src.Service.Name != "" {
		dst.Service.Name = src.Service.Name
	}
	if src.Service.LogLevel != "" {
		dst.Service.LogLevel = src.Service.LogLevel
	}

	r := src.Renderer
	if r.Binary != "" {
		dst.Renderer.Binary = r.Binary
	}
	if r.BackgroundFlag != "" {
		dst.Renderer.BackgroundFlag = r.BackgroundFlag
	}
	if r.ScriptFlag != "" {
		dst.Renderer.ScriptFlag = r.ScriptFlag
	}
	if r.Separator != "" {
		dst.Renderer.Separator = r.Separator
	}
	if r.DeviceEnv != "" {
		dst.Renderer.DeviceEnv = r.DeviceEnv
	}
	if r.Timeout != 0 {
		dst.Renderer.Timeout = r.Timeout
	}
	if r.GracePeriod != 0 {
		dst.Renderer.GracePeriod = r.GracePeriod
	}
	if r.CaptureOutput != nil {
		dst.Renderer.CaptureOutput = r.CaptureOutput
	}

	if src.State.Path != "" {
		dst.State.Path = src.State.Path
	}
	if src.Locks.Dir != "" {
		dst.Locks.Dir = src.Locks.Dir
	}
	if src.Locks.Poll != 0 {
		dst.Locks.Poll = src.Locks.Poll
	}
	if src.BindingsDir != "" {
		dst.BindingsDir = src.BindingsDir
	}
	if src.Batch.ContinueOnError != nil {
		dst.Batch.ContinueOnError = src.Batch.ContinueOnError
	}
	if src.Notify.NATSURL != "" {
		dst.Notify.NATSURL = src.Notify.NATSURL
	}
	if src.Notify.Subject != "" {
		dst.Notify.Subject = src.Notify.Subject
	}
	if src.API.Listen != "" {
		dst.API.Listen = src.API.Listen
	}
	if src.API.Token != "" {
		dst.API.Token = src.API.Token
	}
	if len(src.API.CORSOrigins) > 0 {
		dst.API.CORSOrigins = src.API.CORSOrigins
	}

	// Bindings are additive; a duplicate name is an error rather than a silent override.
	if len(src.Bindings) > 0 {
		if dst.Bindings == nil {
			dst.Bindings = make(map[string]BindingConf)
		}
		for name, b := range src.Bindings {
			if _, exists := dst.Bindings[name]; exists {
				return fmt.Errorf("binding %q defined more than once", name)
			}
			dst.Bindings[name] = b
		}
	}

	dst.Jobs = append(dst.Jobs, src.Jobs...)
	return nil
}

func verifyAllConfigHashes(paths []string) error {
	dirToFiles := make(map[string][]string)
	for _, path := range paths {
		dir := filepath.Dir(path)
		dirToFiles[dir] = append(dirToFiles[dir], path)
	}

	for dir, files := range dirToFiles {
		checksums, err := LoadChecksums(dir)
		if err != nil {
			// If .checksums is missing, we skip verification for this directory.
			continue
		}

		for _, path := range files {
			basename := filepath.Base(path)
			expectedHash, ok := checksums.Hashes[basename]
			if !ok {
				return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
					"Run: rendergate config lock --config %s", basename, dir, dir)
			}

			if err := VerifyFileHash(path, expectedHash); err != nil {
				return fmt.Errorf("config verification failed for %s: %w\n"+
					"If you edited this file intentionally, run: rendergate config lock --config %s", path, err, dir)
			}
		}
	}

	return nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Renderer.Binary == "" {
		cfg.Renderer.Binary = defaults.Renderer.Binary
	}
	if cfg.Renderer.BackgroundFlag == "" {
		cfg.Renderer.BackgroundFlag = defaults.Renderer.BackgroundFlag
	}
	if cfg.Renderer.ScriptFlag == "" {
		cfg.Renderer.ScriptFlag = defaults.Renderer.ScriptFlag
	}
	if cfg.Renderer.Separator == "" {
		cfg.Renderer.Separator = defaults.Renderer.Separator
	}
	if cfg.Renderer.DeviceEnv == "" {
		cfg.Renderer.DeviceEnv = defaults.Renderer.DeviceEnv
	}
	if cfg.Renderer.GracePeriod == 0 {
		cfg.Renderer.GracePeriod = defaults.Renderer.GracePeriod
	}
	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.Locks.Poll == 0 {
		cfg.Locks.Poll = defaults.Locks.Poll
	}
	if cfg.Notify.Subject == "" {
		cfg.Notify.Subject = defaults.Notify.Subject
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.Bindings == nil {
		cfg.Bindings = make(map[string]BindingConf)
	}
	return cfg
}

// resolveRelativePaths anchors filesystem paths in cfg at baseDir. Paths that
// still hold an unresolved ${VAR} are left for validation to report.
func resolveRelativePaths(cfg *Config, baseDir string) {
	anchor := func(p string) string {
		if p == "" || filepath.IsAbs(p) || envVarPattern.MatchString(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}

	cfg.State.Path = anchor(cfg.State.Path)
	cfg.Locks.Dir = anchor(cfg.Locks.Dir)
	cfg.BindingsDir = anchor(cfg.BindingsDir)
	for name, b := range cfg.Bindings {
		b.Scene = anchor(b.Scene)
		b.EntryScript = anchor(b.EntryScript)
		cfg.Bindings[name] = b
	}
	for i := range cfg.Jobs {
		cfg.Jobs[i].InputFolder = anchor(cfg.Jobs[i].InputFolder)
		cfg.Jobs[i].OutputPath = anchor(cfg.Jobs[i].OutputPath)
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// UnresolvedEnvVar returns the first ${VAR} name left in s, if any.
func UnresolvedEnvVar(s string) (string, bool) {
	m := envVarPattern.FindStringSubmatch(s)
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if name, ok := UnresolvedEnvVar(cfg.Renderer.Binary); ok {
		return fmt.Errorf("renderer.binary: environment variable ${%s} is not set", name)
	}
	if cfg.Renderer.Timeout < 0 {
		return fmt.Errorf("renderer.timeout must not be negative")
	}
	if cfg.Renderer.GracePeriod < 0 {
		return fmt.Errorf("renderer.grace_period must not be negative")
	}
	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	for name, b := range cfg.Bindings {
		if b.Scene == "" {
			return fmt.Errorf("binding %q: scene is required", name)
		}
		if b.EntryScript == "" {
			return fmt.Errorf("binding %q: entry_script is required", name)
		}
	}

	if len(cfg.Bindings) == 0 && cfg.BindingsDir == "" {
		return fmt.Errorf("no bindings configured (set bindings_dir or bindings)")
	}

	for i, j := range cfg.Jobs {
		if j.Binding == "" {
			return fmt.Errorf("jobs[%d]: binding is required", i)
		}
		if j.Matrix != nil && len(j.Matrix.Variants) == 0 && len(j.Matrix.Iterations) == 0 && len(j.Matrix.Timestamps) == 0 {
			return fmt.Errorf("jobs[%d]: matrix must list variants, iterations or timestamps", i)
		}
	}

	return nil
}
