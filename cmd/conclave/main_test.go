package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/conclave/internal/checkpoint"
)

const reviewWorkflow = `
id: docs
name: Documentation review
layers:
  - name: draft
    tasks:
      - id: draft
        role: drafter
  - name: judge
    gate:
      family: quality
      metrics:
        - name: quality
      floor: 7
    tasks:
      - id: judge
        role: judge
        depends_on: [draft]
  - name: publish
    tasks:
      - id: publish
        role: publisher
        depends_on: [judge]
`

type project struct {
	t   *testing.T
	dir string
}

func newProject(t *testing.T, judgeScore string) *project {
	t.Helper()
	dir := t.TempDir()
	p := &project{t: t, dir: dir}
	p.script("drafter.sh", `{"role":"drafter"}`)
	p.script("judge.sh", `{"role":"judge","scores":{"quality":`+judgeScore+`}}`)
	p.script("publisher.sh", `{"role":"publisher"}`)
	p.write("workflows/docs.yaml", reviewWorkflow)
	p.write(".conclave/config.yaml", `
workflows:
  default: docs.yaml
scheduler:
  max_attempts: 1
  retry_backoff: 1ms
roles:
  drafter:
    command: ./drafter.sh
  judge:
    command: ./judge.sh
  publisher:
    command: ./publisher.sh
`)
	return p
}

func (p *project) write(rel, body string) {
	p.t.Helper()
	path := filepath.Join(p.dir, rel)
	require.NoError(p.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(p.t, os.WriteFile(path, []byte(strings.TrimSpace(body)+"\n"), 0o644))
}

func (p *project) script(name, output string) {
	p.t.Helper()
	body := "#!/bin/sh\ncat > /dev/null\necho '" + output + "'\n"
	path := filepath.Join(p.dir, name)
	require.NoError(p.t, os.WriteFile(path, []byte(body), 0o755))
}

func (p *project) run(args ...string) (int, string, string) {
	p.t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--project", p.dir, "--output", "plain"}, args...)
	code := execute(context.Background(), full, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunCompletesWorkflow(t *testing.T) {
	p := newProject(t, "9")
	code, out, errOut := p.run("run")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "Layer 0 draft (attempt 1)")
	assert.Contains(t, out, "composite 9.00")
	assert.Contains(t, out, "complete")

	code, out, errOut = p.run("checkpoints", "--json")
	require.Equal(t, exitOK, code, errOut)
	var records []checkpoint.Record
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 3)
	for _, rec := range records {
		assert.Equal(t, checkpoint.DecisionProceed, rec.Decision)
	}

	code, out, _ = p.run("status")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "docs")

	_, err := os.Stat(filepath.Join(p.dir, ".conclave", "logs", "conclave.log"))
	assert.NoError(t, err)
}

func TestHeldRunStopsAndResumesWithAcknowledgement(t *testing.T) {
	p := newProject(t, "5")
	code, out, _ := p.run("run")
	require.Equal(t, exitStopped, code)
	assert.Contains(t, out, "HOLD")
	assert.Contains(t, out, "--ack-hold")

	code, out, errOut := p.run("resume", "--ack-hold", "--note", "accepted by docs lead")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "acknowledged")
	assert.Contains(t, out, "publish")

	code, out, _ = p.run("checkpoints")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "HOLD acknowledged by operator: accepted by docs lead")

	code, _, errOut = p.run("resume")
	assert.Equal(t, exitError, code)
	assert.Contains(t, errOut, "Error:")
}

func TestRunWithSchedulerFlagsAndMetrics(t *testing.T) {
	p := newProject(t, "9")
	code, out, errOut := p.run("run", "workflows/docs.yaml", "--checkpoint", "sqlite", "--pool-size", "2", "--metrics")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "conclave_layer_decisions_total{decision=PROCEED,layer=draft} 1")
	_, err := os.Stat(filepath.Join(p.dir, ".conclave", "checkpoints.db"))
	assert.NoError(t, err)
}

func TestRunWithHTTPWorker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"role":"judge","scores":{"quality":8}}`))
	}))
	defer srv.Close()

	p := newProject(t, "1")
	p.write(".conclave/config.yaml", `
workflows:
  default: docs.yaml
scheduler:
  max_attempts: 1
roles:
  drafter:
    command: ./drafter.sh
  judge:
    url: `+srv.URL+`/judge
    timeout: 5s
  publisher:
    command: ./publisher.sh
`)
	code, out, errOut := p.run("run")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "composite 8.00")
	assert.Equal(t, int32(1), calls.Load())
}

func TestValidate(t *testing.T) {
	p := newProject(t, "9")
	p.write("workflows/ghost.yaml", `
id: ghost
layers:
  - tasks:
      - id: haunt
        role: ghost
`)
	code, out, _ := p.run("validate", "docs.yaml")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "OK:")
	assert.Contains(t, out, "3 layers, 3 tasks")

	code, out, _ = p.run("validate", "ghost.yaml")
	assert.Equal(t, exitError, code)
	assert.Contains(t, out, "Invalid:")
	assert.Contains(t, out, "ghost")

	code, _, _ = p.run("validate", "--structure-only", "ghost.yaml")
	assert.Equal(t, exitOK, code)
}

func TestListMarksDefaultAndBrokenDefinitions(t *testing.T) {
	p := newProject(t, "9")
	p.write("workflows/broken.yaml", "id: broken\nlayers: [")
	code, out, _ := p.run("list")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "* docs.yaml  Documentation review (3 layers)")
	assert.Contains(t, out, "broken.yaml  error:")
}

func TestSynthesizeReports(t *testing.T) {
	p := newProject(t, "9")
	p.write("reports/security.json", `{"role":"security","findings":[{"location":"api.go:10","severity":"minor","description":"input not validated"}],"scores":{"quality":6}}`)
	p.write("reports/style.json", `{"role":"style","findings":[{"location":"api.go:10","severity":"critical","description":"panics on empty body"}],"scores":{"quality":8}}`)

	code, out, errOut := p.run("synthesize", "--artifact", "api.go", "--expect", "security,style,tests",
		filepath.Join(p.dir, "reports/security.json"), filepath.Join(p.dir, "reports/style.json"))
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "Synthesis of api.go")
	assert.Contains(t, out, "critical (was minor)")
	assert.Contains(t, out, "missing sources: tests")
	assert.Contains(t, out, "baseline quality 7.00")
}

func TestInitWritesWorkspace(t *testing.T) {
	dir := t.TempDir()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{"--project", dir, "init"}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())
	_, err := os.Stat(filepath.Join(dir, ".conclave", "config.yaml"))
	assert.NoError(t, err)
}
