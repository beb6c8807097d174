// internal/config/config.go
//
// This package handles configuration and the .conclave directory structure.
// Settings come from .conclave/config.yaml and can be overridden by CONCLAVE_*
// environment variables or bound command-line flags.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/conclave/internal/workflow"
)

const (
	// EnvPrefix prefixes every environment override, e.g.
	// CONCLAVE_SCHEDULER_POOL_SIZE.
	EnvPrefix = "CONCLAVE"

	// FileName is the config file inside the state directory.
	FileName = "config.yaml"
)

const defaultProjectConfigYAML = `# conclave project configuration
version: 1

workflows:
  dir: workflows
  # default: review

checkpoint:
  # memory, file or sqlite
  backend: file

scheduler:
  pool_size: 4
  max_attempts: 2
  max_reruns: 1
  retry_backoff: 250ms
  # task_timeout: 10m

log:
  level: info
  json: false

# Each role maps to a command that reads a task as JSON on stdin and writes
# a report as JSON on stdout.
roles: {}
#  security:
#    command: ./reviewers/security.sh
`

// Keys understood by the loader. Every key has a default so environment
// overrides apply even when the file omits it.
const (
	keyVersion          = "version"
	keyStateDir         = "state_dir"
	keyWorkflowDir      = "workflows.dir"
	keyWorkflowDefault  = "workflows.default"
	keyWorkflowPatterns = "workflows.patterns"
	keyCheckpointType   = "checkpoint.backend"
	keyCheckpointPath   = "checkpoint.path"
	keyPoolSize         = "scheduler.pool_size"
	keyMaxAttempts      = "scheduler.max_attempts"
	keyMaxReruns        = "scheduler.max_reruns"
	keyRetryBackoff     = "scheduler.retry_backoff"
	keyTaskTimeout      = "scheduler.task_timeout"
	keyLogLevel         = "log.level"
	keyLogJSON          = "log.json"
	keyLogFile          = "log.file"
)

// Flag-bindable key names.
const (
	KeyLogLevel    = keyLogLevel
	KeyLogJSON     = keyLogJSON
	KeyPoolSize    = keyPoolSize
	KeyMaxAttempts = keyMaxAttempts
	KeyMaxReruns   = keyMaxReruns
	KeyTaskTimeout = keyTaskTimeout
	KeyCheckpoint  = keyCheckpointType
	KeyStateDir    = keyStateDir
)

// WorkflowConfig says where definitions live.
type WorkflowConfig struct {
	Dir      string   `mapstructure:"dir" yaml:"dir"`
	Default  string   `mapstructure:"default" yaml:"default,omitempty"`
	Patterns []string `mapstructure:"patterns" yaml:"patterns,omitempty"`
}

// CheckpointConfig selects the audit log backend.
type CheckpointConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend" validate:"oneof=memory file sqlite"`
	// Path overrides the backend's default location inside the state dir.
	Path string `mapstructure:"path" yaml:"path,omitempty"`
}

// SchedulerConfig tunes layer execution.
type SchedulerConfig struct {
	PoolSize     int           `mapstructure:"pool_size" yaml:"pool_size" validate:"gte=1"`
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts" validate:"gte=1"`
	MaxReruns    int           `mapstructure:"max_reruns" yaml:"max_reruns" validate:"gte=0"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff" validate:"gte=0"`
	TaskTimeout  time.Duration `mapstructure:"task_timeout" yaml:"task_timeout,omitempty" validate:"gte=0"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
	File  string `mapstructure:"file" yaml:"file,omitempty"`
}

// RoleConfig binds a role name to the worker that fulfils it: either a local
// command or an HTTP endpoint.
type RoleConfig struct {
	Command string        `mapstructure:"command" yaml:"command,omitempty" validate:"required_without=URL,excluded_with=URL"`
	URL     string        `mapstructure:"url" yaml:"url,omitempty" validate:"omitempty,url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty" validate:"gte=0"`
}

// ProjectConfig models .conclave/config.yaml.
type ProjectConfig struct {
	Version    int                   `mapstructure:"version" yaml:"version" validate:"gte=1"`
	StateDir   string                `mapstructure:"state_dir" yaml:"state_dir,omitempty"`
	Workflows  WorkflowConfig        `mapstructure:"workflows" yaml:"workflows"`
	Checkpoint CheckpointConfig      `mapstructure:"checkpoint" yaml:"checkpoint"`
	Scheduler  SchedulerConfig       `mapstructure:"scheduler" yaml:"scheduler"`
	Log        LogConfig             `mapstructure:"log" yaml:"log"`
	Roles      map[string]RoleConfig `mapstructure:"roles" yaml:"roles" validate:"dive"`
}

// Config holds the runtime configuration for conclave.
type Config struct {
	// ProjectDir is the directory conclave was run from.
	ProjectDir string

	// StateDir is the absolute .conclave directory.
	StateDir string

	// File is the config file that was read, empty when none existed.
	File string

	Project ProjectConfig
}

// InitProjectDir creates the workspace under projectDir and writes a default
// config file if none exists.
func InitProjectDir(projectDir string) error {
	ws := workflow.NewWorkspace(filepath.Join(projectDir, workflow.DefaultStateDir))
	if err := ws.Initialize(); err != nil {
		return err
	}
	return ensureProjectConfig(filepath.Join(ws.Dir(), FileName))
}

// Load reads the project config for projectDir. v may carry flag bindings;
// nil uses a fresh viper instance. configFile overrides the default
// .conclave/config.yaml location.
func Load(projectDir, configFile string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve project dir: %w", err)
	}
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{ProjectDir: abs}
	path := strings.TrimSpace(configFile)
	if path == "" {
		path = filepath.Join(abs, workflow.DefaultStateDir, FileName)
	} else {
		path = resolvePath(abs, path)
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.File = path
	} else if !errors.Is(err, fs.ErrNotExist) || configFile != "" {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var parsed ProjectConfig
	if err := v.Unmarshal(&parsed); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	parsed.applyDefaults()
	parsed.normalize()
	if err := parsed.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.Project = parsed
	cfg.StateDir = resolvePath(abs, parsed.StateDir)
	return cfg, nil
}

// Workspace returns the on-disk layout rooted at StateDir.
func (c *Config) Workspace() *workflow.Workspace {
	return workflow.NewWorkspace(c.StateDir)
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	if c.File != "" {
		return c.File
	}
	return filepath.Join(c.StateDir, FileName)
}

// WorkflowDir returns the absolute directory searched for definitions.
func (c *Config) WorkflowDir() string {
	return resolvePath(c.ProjectDir, c.Project.Workflows.Dir)
}

// DefaultWorkflow returns the configured default workflow file.
func (c *Config) DefaultWorkflow() string {
	return c.Project.Workflows.Default
}

// CheckpointPath returns where the configured backend stores records.
func (c *Config) CheckpointPath() string {
	if c.Project.Checkpoint.Path != "" {
		return resolvePath(c.StateDir, c.Project.Checkpoint.Path)
	}
	switch c.Project.Checkpoint.Backend {
	case "sqlite":
		return c.Workspace().CheckpointDBPath()
	case "memory":
		return ""
	default:
		return c.Workspace().CheckpointLogPath()
	}
}

// LogFile returns the log file path; the default lives under the state dir.
func (c *Config) LogFile() string {
	if c.Project.Log.File != "" {
		return resolvePath(c.ProjectDir, c.Project.Log.File)
	}
	return c.Workspace().LogPath()
}

// RoleNames returns the configured roles in sorted order.
func (c *Config) RoleNames() []string {
	names := make([]string, 0, len(c.Project.Roles))
	for name := range c.Project.Roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetDefaultWorkflow updates the default workflow and persists the value back
// to the config file.
func (c *Config) SetDefaultWorkflow(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("config: workflow name is required")
	}
	c.Project.Workflows.Default = name
	return c.saveProjectConfig()
}

func setDefaults(v *viper.Viper) {
	defaults := defaultProjectConfig()
	v.SetDefault(keyVersion, defaults.Version)
	v.SetDefault(keyStateDir, defaults.StateDir)
	v.SetDefault(keyWorkflowDir, defaults.Workflows.Dir)
	v.SetDefault(keyWorkflowDefault, "")
	v.SetDefault(keyWorkflowPatterns, []string{})
	v.SetDefault(keyCheckpointType, defaults.Checkpoint.Backend)
	v.SetDefault(keyCheckpointPath, "")
	v.SetDefault(keyPoolSize, defaults.Scheduler.PoolSize)
	v.SetDefault(keyMaxAttempts, defaults.Scheduler.MaxAttempts)
	v.SetDefault(keyMaxReruns, defaults.Scheduler.MaxReruns)
	v.SetDefault(keyRetryBackoff, defaults.Scheduler.RetryBackoff)
	v.SetDefault(keyTaskTimeout, defaults.Scheduler.TaskTimeout)
	v.SetDefault(keyLogLevel, defaults.Log.Level)
	v.SetDefault(keyLogJSON, defaults.Log.JSON)
	v.SetDefault(keyLogFile, "")
}

func defaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version:    1,
		StateDir:   workflow.DefaultStateDir,
		Workflows:  WorkflowConfig{Dir: workflow.DefaultWorkflowDir},
		Checkpoint: CheckpointConfig{Backend: "file"},
		Scheduler: SchedulerConfig{
			PoolSize:     4,
			MaxAttempts:  2,
			MaxReruns:    1,
			RetryBackoff: 250 * time.Millisecond,
		},
		Log:   LogConfig{Level: "info"},
		Roles: map[string]RoleConfig{},
	}
}

func (pc *ProjectConfig) applyDefaults() {
	defaults := defaultProjectConfig()
	if pc.Version == 0 {
		pc.Version = defaults.Version
	}
	if strings.TrimSpace(pc.StateDir) == "" {
		pc.StateDir = defaults.StateDir
	}
	if strings.TrimSpace(pc.Workflows.Dir) == "" {
		pc.Workflows.Dir = defaults.Workflows.Dir
	}
	if strings.TrimSpace(pc.Checkpoint.Backend) == "" {
		pc.Checkpoint.Backend = defaults.Checkpoint.Backend
	}
	if pc.Scheduler.PoolSize == 0 {
		pc.Scheduler.PoolSize = defaults.Scheduler.PoolSize
	}
	if pc.Scheduler.MaxAttempts == 0 {
		pc.Scheduler.MaxAttempts = defaults.Scheduler.MaxAttempts
	}
	if strings.TrimSpace(pc.Log.Level) == "" {
		pc.Log.Level = defaults.Log.Level
	}
	if pc.Roles == nil {
		pc.Roles = map[string]RoleConfig{}
	}
}

func (pc *ProjectConfig) normalize() {
	pc.StateDir = strings.TrimSpace(pc.StateDir)
	pc.Workflows.Dir = strings.TrimSpace(pc.Workflows.Dir)
	pc.Workflows.Default = strings.TrimSpace(pc.Workflows.Default)
	patterns := pc.Workflows.Patterns[:0]
	for _, pattern := range pc.Workflows.Patterns {
		if trimmed := strings.TrimSpace(pattern); trimmed != "" {
			patterns = append(patterns, trimmed)
		}
	}
	pc.Workflows.Patterns = patterns
	pc.Checkpoint.Backend = normalizeName(pc.Checkpoint.Backend)
	pc.Checkpoint.Path = strings.TrimSpace(pc.Checkpoint.Path)
	pc.Log.Level = normalizeName(pc.Log.Level)
	pc.Log.File = strings.TrimSpace(pc.Log.File)

	roles := make(map[string]RoleConfig, len(pc.Roles))
	for name, rc := range pc.Roles {
		rc.Command = strings.TrimSpace(rc.Command)
		rc.URL = strings.TrimSpace(rc.URL)
		roles[normalizeName(name)] = rc
	}
	pc.Roles = roles
}

var structValidator = validator.New()

func (pc *ProjectConfig) validate() error {
	if err := structValidator.Struct(pc); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("%s fails %q (got %v)", fe.Namespace(), fieldRule(fe), fe.Value())
		}
		return err
	}
	for name := range pc.Roles {
		if name == "" {
			return fmt.Errorf("roles: role name is required")
		}
	}
	return nil
}

func fieldRule(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

func normalizeName(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0644)
}

func (c *Config) saveProjectConfig() error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	c.Project.applyDefaults()
	c.Project.normalize()
	if err := c.Project.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	path := c.ProjectConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: ensure state dir: %w", err)
	}
	data, err := yaml.Marshal(c.Project)
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: write project config: %w", err)
	}
	c.File = path
	return nil
}
