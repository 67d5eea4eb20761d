// Package config provides configuration management for kapla.
//
// Configuration is loaded from multiple sources with the following precedence
// (highest to lowest):
//  1. CLI flags (set via SetOverride)
//  2. Environment variables with the KAPLA_ prefix (KAPLA_POETRY_BIN, ...)
//  3. Project config: kapla.yaml or .kapla/config.yaml in the project directory
//  4. Global config: ~/.config/kapla/config.yaml
//  5. Built-in defaults
//
// The package uses Viper for configuration merging.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/charbonnierg/kapla-v2/internal/runlog"
)

// FileName is the project configuration file name.
const FileName = "kapla.yaml"

// EnvPrefix prefixes every environment variable read by the loader.
const EnvPrefix = "KAPLA"

// Config represents the kapla.yaml configuration file.
type Config struct {
	// Version is the configuration schema version (currently "1")
	Version string `yaml:"version" mapstructure:"version" validate:"required,eq=1"`

	// Concurrency is the maximum number of projects processed at once
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency" validate:"gte=1,lte=64"`

	// BuildConcurrency overrides Concurrency for builds
	BuildConcurrency int `yaml:"build_concurrency" mapstructure:"build_concurrency" validate:"gte=1,lte=64"`

	// Timeout bounds a whole run (0 = no timeout)
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" validate:"gte=0"`

	// CancelGrace is how long cancelled commands may take to exit
	CancelGrace time.Duration `yaml:"cancel_grace" mapstructure:"cancel_grace" validate:"gt=0"`

	// Policy decides what happens after a project fails
	Policy string `yaml:"policy" mapstructure:"policy" validate:"oneof=best-effort stop-on-failure skip-dependents"`

	// Quiet suppresses command output
	Quiet bool `yaml:"quiet" mapstructure:"quiet"`

	// BuildIsolation lets pip build editable installs in an isolated environment
	BuildIsolation bool `yaml:"build_isolation" mapstructure:"build_isolation"`

	Poetry PoetryConfig `yaml:"poetry" mapstructure:"poetry"`
	Python PythonConfig `yaml:"python" mapstructure:"python"`
	Logs   LogsConfig   `yaml:"logs" mapstructure:"logs"`
}

// PoetryConfig locates the poetry executable.
type PoetryConfig struct {
	Bin string `yaml:"bin" mapstructure:"bin" validate:"required"`
}

// PythonConfig locates the virtual environment and its interpreter.
type PythonConfig struct {
	// Venv is the virtual environment directory, relative to the repository root
	Venv string `yaml:"venv" mapstructure:"venv" validate:"required"`

	// Bin overrides the interpreter of Venv
	Bin string `yaml:"bin,omitempty" mapstructure:"bin"`
}

// LogsConfig controls the per-project command logs of install and build.
type LogsConfig struct {
	// Enabled writes the output of every command to a log file
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Dir is the log directory, relative to the repository root
	Dir string `yaml:"dir" mapstructure:"dir" validate:"required_if=Enabled true"`

	// Retention removes logs older than this at the start of a run (0 = keep all)
	Retention time.Duration `yaml:"retention" mapstructure:"retention" validate:"gte=0"`
}

// ValidationError describes one invalid configuration field.
type ValidationError struct {
	Field   string
	Tag     string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ValidationErrors lists every invalid field of a configuration.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var b strings.Builder
	b.WriteString("invalid configuration")
	for i, err := range e {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(err.Message)
	}
	return b.String()
}

// Loader merges the configuration sources of a repository.
type Loader struct {
	v          *viper.Viper
	validate   *validator.Validate
	overrides  map[string]interface{}
	projectDir string
}

// NewLoader returns a loader reading KAPLA_* variables and searching the
// current directory for a project config.
func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaultValues(DefaultConfig()) {
		v.SetDefault(key, value)
	}

	return &Loader{
		v:          v,
		validate:   validator.New(),
		overrides:  make(map[string]interface{}),
		projectDir: ".",
	}
}

// SetProjectDir sets the directory searched for a project config, usually
// the repository root.
func (l *Loader) SetProjectDir(dir string) {
	l.projectDir = dir
}

// SetOverride sets a value taking precedence over every other source. Nested
// keys use dots ("poetry.bin").
func (l *Loader) SetOverride(key string, value interface{}) {
	l.overrides[key] = value
}

// Load merges the global config, the project config, the environment and
// the overrides on top of the defaults.
func (l *Loader) Load() (*Config, error) {
	sources := []struct {
		kind string
		path string
	}{
		{"global", l.globalConfigPath()},
		{"project", l.findProjectConfig()},
	}
	for _, src := range sources {
		if src.path == "" || !fileExists(src.path) {
			continue
		}
		if err := l.merge(src.path); err != nil {
			return nil, fmt.Errorf("failed to load %s config %s: %w", src.kind, src.path, err)
		}
	}
	return l.decode()
}

// LoadFromPath merges a single file on top of the defaults, ignoring the
// global and project configs. Used for an explicit --config flag.
func (l *Loader) LoadFromPath(path string) (*Config, error) {
	if err := l.merge(path); err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return l.decode()
}

func (l *Loader) merge(path string) error {
	l.v.SetConfigFile(path)
	return l.v.MergeInConfig()
}

func (l *Loader) decode() (*Config, error) {
	for key, value := range l.overrides {
		l.v.Set(key, value)
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := l.Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg against the field constraints and returns
// ValidationErrors listing every invalid field.
func (l *Loader) Validate(cfg *Config) error {
	err := l.validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validation error: %w", err)
	}

	errs := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		errs = append(errs, ValidationError{
			Field:   fe.Namespace(),
			Tag:     fe.Tag(),
			Value:   fe.Value(),
			Message: describe(fe),
		})
	}
	return errs
}

// defaultValues flattens cfg into viper keys. Every key needs a default for
// AutomaticEnv to reach it during Unmarshal.
func defaultValues(cfg *Config) map[string]interface{} {
	return map[string]interface{}{
		"version":           cfg.Version,
		"concurrency":       cfg.Concurrency,
		"build_concurrency": cfg.BuildConcurrency,
		"timeout":           cfg.Timeout,
		"cancel_grace":      cfg.CancelGrace,
		"policy":            cfg.Policy,
		"quiet":             cfg.Quiet,
		"build_isolation":   cfg.BuildIsolation,
		"poetry.bin":        cfg.Poetry.Bin,
		"python.venv":       cfg.Python.Venv,
		"python.bin":        cfg.Python.Bin,
		"logs.enabled":      cfg.Logs.Enabled,
		"logs.dir":          cfg.Logs.Dir,
		"logs.retention":    cfg.Logs.Retention,
	}
}

func (l *Loader) globalConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "kapla", "config.yaml")
}

// findProjectConfig returns kapla.yaml, else .kapla/config.yaml, of the
// project directory.
func (l *Loader) findProjectConfig() string {
	for _, path := range []string{
		filepath.Join(l.projectDir, FileName),
		filepath.Join(l.projectDir, ".kapla", "config.yaml"),
	} {
		if fileExists(path) {
			return path
		}
	}
	return ""
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")

	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("'%s' is required", field)
	case "eq":
		return fmt.Sprintf("'%s' must be '%s' (got '%v')", field, fe.Param(), fe.Value())
	case "gt":
		return fmt.Sprintf("'%s' must be greater than %s (got '%v')", field, fe.Param(), fe.Value())
	case "gte":
		return fmt.Sprintf("'%s' must be at least %s (got '%v')", field, fe.Param(), fe.Value())
	case "lte":
		return fmt.Sprintf("'%s' must be at most %s (got '%v')", field, fe.Param(), fe.Value())
	case "oneof":
		return fmt.Sprintf("'%s' must be one of [%s] (got '%v')", field, fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("'%s' failed validation '%s'", field, fe.Tag())
	}
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Version:          "1",
		Concurrency:      8,
		BuildConcurrency: 8,
		CancelGrace:      10 * time.Second,
		Policy:           "best-effort",
		BuildIsolation:   true,
		Poetry: PoetryConfig{
			Bin: "poetry",
		},
		Python: PythonConfig{
			Venv: ".venv",
		},
		Logs: LogsConfig{
			Enabled:   true,
			Dir:       runlog.DefaultDir,
			Retention: 7 * 24 * time.Hour,
		},
	}
}

// WriteDefault writes DefaultConfig to path.
func WriteDefault(path string) error {
	return Write(DefaultConfig(), path)
}

// Write encodes cfg as YAML at path, creating parent directories.
func Write(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Exists reports whether a file exists at path.
func Exists(path string) bool {
	return fileExists(path)
}

// GlobalConfigPath returns ~/.config/kapla/config.yaml, or "" when the home
// directory is unknown.
func GlobalConfigPath() string {
	return NewLoader().globalConfigPath()
}
