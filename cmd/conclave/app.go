package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kingrea/conclave/internal/checkpoint"
	"github.com/kingrea/conclave/internal/config"
	"github.com/kingrea/conclave/internal/logging"
	"github.com/kingrea/conclave/internal/metrics"
	"github.com/kingrea/conclave/internal/role"
	"github.com/kingrea/conclave/internal/workflow"
	"github.com/kingrea/conclave/internal/workflow/engine"
	"github.com/kingrea/conclave/internal/workflow/scheduler"
)

// annotationWorkspace marks commands that write to .conclave/ and therefore
// also log to the workspace log file.
const annotationWorkspace = "conclave/workspace"

type flagBinding struct {
	flag string
	key  string
}

// cli carries state shared by every command for one invocation.
type cli struct {
	stdout     io.Writer
	stderr     io.Writer
	projectDir string
	configFile string
	v          *viper.Viper
	bindings   []flagBinding
	cfg        *config.Config
	logger     *logging.Logger
	closers    []func() error
}

func newCLI(stdout, stderr io.Writer) *cli {
	return &cli{stdout: stdout, stderr: stderr, v: viper.New()}
}

// bindFlag routes a flag into the config key so flags override the file and
// the environment.
func (c *cli) bindFlag(flag, key string) {
	c.bindings = append(c.bindings, flagBinding{flag: flag, key: key})
}

func (c *cli) setup(cmd *cobra.Command) error {
	for _, b := range c.bindings {
		if f := cmd.Flags().Lookup(b.flag); f != nil {
			if err := c.v.BindPFlag(b.key, f); err != nil {
				return fmt.Errorf("bind --%s: %w", b.flag, err)
			}
		}
	}
	projectDir := strings.TrimSpace(c.projectDir)
	if projectDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("determine working directory: %w", err)
		}
		projectDir = wd
	}
	cfg, err := config.Load(projectDir, c.configFile, c.v)
	if err != nil {
		return err
	}
	c.cfg = cfg

	logCfg := logging.Config{
		Level:  logging.Level(cfg.Project.Log.Level),
		JSON:   cfg.Project.Log.JSON,
		Output: c.stderr,
	}
	if cmd.Annotations[annotationWorkspace] == "true" {
		logCfg.File = cfg.LogFile()
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	c.logger = logger
	cmd.SetContext(logging.ContextWithLogger(cmd.Context(), logger))
	logger.Debug("config loaded", "project", cfg.ProjectDir, "file", cfg.File, "state_dir", cfg.StateDir)
	return nil
}

func (c *cli) close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	if err := c.logger.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// registry registers one handler per configured role: an HTTP worker when the
// role names a url, a local command otherwise.
func (c *cli) registry() (*role.Registry, error) {
	reg := role.NewRegistry(role.WithLogger(c.logger))
	for _, name := range c.cfg.RoleNames() {
		handler, err := c.roleHandler(c.cfg.Project.Roles[name])
		if err != nil {
			return nil, fmt.Errorf("role %s: %w", name, err)
		}
		if err := reg.Register(name, handler); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (c *cli) roleHandler(rc config.RoleConfig) (role.Handler, error) {
	if rc.URL != "" {
		return role.NewHTTPHandler(rc.URL, rc.Timeout)
	}
	handler, err := role.NewCommandHandler(rc.Command)
	if err != nil {
		return nil, err
	}
	handler.Dir = c.cfg.ProjectDir
	return handler, nil
}

func (c *cli) openLog(ctx context.Context) (checkpoint.Log, error) {
	if err := c.cfg.Workspace().Initialize(); err != nil {
		return nil, err
	}
	log, err := checkpoint.Open(ctx, checkpoint.Backend(c.cfg.Project.Checkpoint.Backend), c.cfg.CheckpointPath())
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, log.Close)
	return log, nil
}

func (c *cli) repository() *engine.Repository {
	return engine.NewRepository(c.cfg.Workspace())
}

// openEngine wires the checkpoint log, scheduler, role registry and run
// repository from config.
func (c *cli) openEngine(ctx context.Context, recorder *metrics.Recorder) (*engine.Engine, *role.Registry, error) {
	log, err := c.openLog(ctx)
	if err != nil {
		return nil, nil, err
	}
	s := c.cfg.Project.Scheduler
	sched := scheduler.New(log,
		scheduler.WithLogger(c.logger),
		scheduler.WithMetrics(recorder),
		scheduler.WithPoolSize(s.PoolSize),
		scheduler.WithMaxAttempts(s.MaxAttempts),
		scheduler.WithMaxReruns(s.MaxReruns),
		scheduler.WithRetryBackoff(s.RetryBackoff),
		scheduler.WithTaskTimeout(s.TaskTimeout),
	)
	reg, err := c.registry()
	if err != nil {
		return nil, nil, err
	}
	eng, err := engine.New(sched, c.repository(), reg, engine.WithLogger(c.logger))
	if err != nil {
		return nil, nil, err
	}
	return eng, reg, nil
}

// loadDefinition accepts a file path or a name relative to the workflow dir.
// An empty name falls back to the configured default.
func (c *cli) loadDefinition(name string) (workflow.WorkflowDefinition, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = c.cfg.DefaultWorkflow()
	}
	if name == "" {
		return workflow.WorkflowDefinition{}, "", fmt.Errorf("no workflow given and workflows.default is not configured")
	}
	candidates := []string{name}
	if !filepath.IsAbs(name) {
		candidates = append(candidates, filepath.Join(c.cfg.ProjectDir, name))
	}
	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			def, err := workflow.LoadDefinitionFile(path)
			return def, path, err
		}
	}
	def, err := workflow.LoadDefinitionRelative(c.cfg.WorkflowDir(), name)
	return def, name, err
}
