package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func writeConfig(t *testing.T, projectDir, body string) {
	t.Helper()
	stateDir := filepath.Join(projectDir, ".conclave")
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, FileName), []byte(strings.TrimSpace(body)), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDefaultsWhenMissing(t *testing.T) {
	projectDir := t.TempDir()
	cfg, err := Load(projectDir, "", nil)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.File != "" {
		t.Fatalf("expected no config file, got %s", cfg.File)
	}
	if cfg.Project.Version != 1 {
		t.Fatalf("expected default version == 1, got %d", cfg.Project.Version)
	}
	if cfg.Project.Scheduler.PoolSize != 4 || cfg.Project.Scheduler.MaxAttempts != 2 || cfg.Project.Scheduler.MaxReruns != 1 {
		t.Fatalf("unexpected scheduler defaults: %+v", cfg.Project.Scheduler)
	}
	if cfg.Project.Scheduler.RetryBackoff != 250*time.Millisecond {
		t.Fatalf("expected 250ms backoff, got %s", cfg.Project.Scheduler.RetryBackoff)
	}
	if cfg.StateDir != filepath.Join(cfg.ProjectDir, ".conclave") {
		t.Fatalf("unexpected state dir %s", cfg.StateDir)
	}
	if cfg.CheckpointPath() != filepath.Join(cfg.StateDir, "checkpoints.jsonl") {
		t.Fatalf("unexpected checkpoint path %s", cfg.CheckpointPath())
	}
	if cfg.LogFile() != filepath.Join(cfg.StateDir, "logs", "conclave.log") {
		t.Fatalf("unexpected log file %s", cfg.LogFile())
	}
}

func TestLoadParsesYaml(t *testing.T) {
	projectDir := t.TempDir()
	writeConfig(t, projectDir, `
version: 1
workflows:
  dir: pipelines
  default: review.yaml
checkpoint:
  backend: SQLite
scheduler:
  pool_size: 8
  max_attempts: 3
  max_reruns: 0
  retry_backoff: 1s
  task_timeout: 2m
log:
  level: DEBUG
  json: true
roles:
  Security:
    command: ./reviewers/security.sh --strict
  style:
    command: ./reviewers/style.sh
`)
	cfg, err := Load(projectDir, "", nil)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.File == "" {
		t.Fatalf("expected config file to be recorded")
	}
	p := cfg.Project
	if p.Checkpoint.Backend != "sqlite" {
		t.Fatalf("expected normalized backend, got %q", p.Checkpoint.Backend)
	}
	if cfg.CheckpointPath() != filepath.Join(cfg.StateDir, "checkpoints.db") {
		t.Fatalf("unexpected checkpoint path %s", cfg.CheckpointPath())
	}
	if p.Scheduler.PoolSize != 8 || p.Scheduler.MaxAttempts != 3 || p.Scheduler.MaxReruns != 0 {
		t.Fatalf("unexpected scheduler config: %+v", p.Scheduler)
	}
	if p.Scheduler.RetryBackoff != time.Second || p.Scheduler.TaskTimeout != 2*time.Minute {
		t.Fatalf("unexpected durations: %+v", p.Scheduler)
	}
	if p.Log.Level != "debug" || !p.Log.JSON {
		t.Fatalf("unexpected log config: %+v", p.Log)
	}
	if got := cfg.RoleNames(); len(got) != 2 || got[0] != "security" || got[1] != "style" {
		t.Fatalf("unexpected roles %v", got)
	}
	if p.Roles["security"].Command != "./reviewers/security.sh --strict" {
		t.Fatalf("unexpected command %q", p.Roles["security"].Command)
	}
	if cfg.WorkflowDir() != filepath.Join(cfg.ProjectDir, "pipelines") {
		t.Fatalf("unexpected workflow dir %s", cfg.WorkflowDir())
	}
	if cfg.DefaultWorkflow() != "review.yaml" {
		t.Fatalf("wrong default workflow: %s", cfg.DefaultWorkflow())
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	projectDir := t.TempDir()
	writeConfig(t, projectDir, `
scheduler:
  pool_size: 2
`)
	t.Setenv("CONCLAVE_SCHEDULER_POOL_SIZE", "6")
	t.Setenv("CONCLAVE_LOG_LEVEL", "warn")
	t.Setenv("CONCLAVE_CHECKPOINT_BACKEND", "memory")

	cfg, err := Load(projectDir, "", nil)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Project.Scheduler.PoolSize != 6 {
		t.Fatalf("expected env pool size 6, got %d", cfg.Project.Scheduler.PoolSize)
	}
	if cfg.Project.Log.Level != "warn" {
		t.Fatalf("expected env log level, got %s", cfg.Project.Log.Level)
	}
	if cfg.CheckpointPath() != "" {
		t.Fatalf("memory backend should have no path, got %s", cfg.CheckpointPath())
	}
}

func TestExplicitValuesOverrideFile(t *testing.T) {
	projectDir := t.TempDir()
	writeConfig(t, projectDir, `
log:
  level: info
`)
	v := viper.New()
	v.Set(KeyLogLevel, "error")
	v.Set(KeyMaxAttempts, 5)
	cfg, err := Load(projectDir, "", v)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Project.Log.Level != "error" || cfg.Project.Scheduler.MaxAttempts != 5 {
		t.Fatalf("expected overrides to win, got %+v %+v", cfg.Project.Log, cfg.Project.Scheduler)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"unknown backend": "checkpoint:\n  backend: redis\n",
		"bad log level":   "log:\n  level: loud\n",
		"negative reruns": "scheduler:\n  max_reruns: -1\n",
		"empty command":   "roles:\n  security:\n    command: \"  \"\n",
		"command and url": "roles:\n  security:\n    command: ./sec.sh\n    url: http://127.0.0.1:9000/review\n",
		"malformed url":   "roles:\n  security:\n    url: not a url\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			projectDir := t.TempDir()
			writeConfig(t, projectDir, body)
			if _, err := Load(projectDir, "", nil); err == nil {
				t.Fatalf("expected validation error but got none")
			}
		})
	}
}

func TestLoadHTTPRole(t *testing.T) {
	projectDir := t.TempDir()
	writeConfig(t, projectDir, "roles:\n  Style:\n    url: \" http://127.0.0.1:9000/review \"\n    timeout: 30s\n")
	cfg, err := Load(projectDir, "", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	rc, ok := cfg.Project.Roles["style"]
	if !ok {
		t.Fatalf("expected style role, got %v", cfg.Project.Roles)
	}
	if rc.URL != "http://127.0.0.1:9000/review" || rc.Command != "" {
		t.Fatalf("unexpected role config %+v", rc)
	}
	if rc.Timeout != 30*time.Second {
		t.Fatalf("expected 30s timeout, got %s", rc.Timeout)
	}
}

func TestExplicitConfigFileMustExist(t *testing.T) {
	projectDir := t.TempDir()
	if _, err := Load(projectDir, "missing.yaml", nil); err == nil {
		t.Fatalf("expected error for missing explicit config file")
	}
}

func TestInitProjectDirWritesLoadableDefaults(t *testing.T) {
	projectDir := t.TempDir()
	if err := InitProjectDir(projectDir); err != nil {
		t.Fatalf("InitProjectDir: %v", err)
	}
	for _, dir := range []string{"runs", "logs"} {
		if info, err := os.Stat(filepath.Join(projectDir, ".conclave", dir)); err != nil || !info.IsDir() {
			t.Fatalf("expected %s dir: %v", dir, err)
		}
	}
	cfg, err := Load(projectDir, "", nil)
	if err != nil {
		t.Fatalf("Load after init: %v", err)
	}
	if cfg.File == "" {
		t.Fatalf("expected generated config file to be read")
	}
	if len(cfg.Project.Roles) != 0 {
		t.Fatalf("expected no roles, got %v", cfg.Project.Roles)
	}
}

func TestSetDefaultWorkflowPersists(t *testing.T) {
	projectDir := t.TempDir()
	if err := InitProjectDir(projectDir); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(projectDir, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.SetDefaultWorkflow(" docs.yaml "); err != nil {
		t.Fatalf("SetDefaultWorkflow: %v", err)
	}
	reloaded, err := Load(projectDir, "", nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.DefaultWorkflow() != "docs.yaml" {
		t.Fatalf("expected persisted default, got %q", reloaded.DefaultWorkflow())
	}
	if reloaded.Project.Scheduler.RetryBackoff != 250*time.Millisecond {
		t.Fatalf("expected backoff to survive round trip, got %s", reloaded.Project.Scheduler.RetryBackoff)
	}
	if err := cfg.SetDefaultWorkflow(""); err == nil {
		t.Fatalf("expected error for empty workflow name")
	}
}
