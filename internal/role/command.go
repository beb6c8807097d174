package role

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kingrea/conclave/internal/report"
)

// waitDelay bounds how long a killed worker may hold its output pipes open.
const waitDelay = time.Second

// maxStderr is how many trailing bytes of worker stderr an error quotes.
const maxStderr = 512

// CommandHandler runs a worker as an external process. The task is written to
// stdin as JSON and stdout must hold a single JSON report.
type CommandHandler struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// NewCommandHandler splits command on whitespace into a path and arguments.
func NewCommandHandler(command string) (CommandHandler, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return CommandHandler{}, fmt.Errorf("role: command is required")
	}
	return CommandHandler{Path: fields[0], Args: fields[1:]}, nil
}

func (h CommandHandler) Handle(ctx context.Context, task Task) (report.Report, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return report.Report{}, Fatal(fmt.Errorf("role: encode task %s: %w", task.ID, err))
	}
	cmd := exec.CommandContext(ctx, h.Path, h.Args...)
	cmd.Dir = h.Dir
	cmd.WaitDelay = waitDelay
	cmd.Env = append(os.Environ(), h.Env...)
	cmd.Env = append(cmd.Env,
		"CONCLAVE_TASK_ID="+task.ID,
		"CONCLAVE_ROLE="+task.Role,
		"CONCLAVE_RUN_ID="+task.RunID,
		"CONCLAVE_ATTEMPT="+strconv.Itoa(task.Attempt),
	)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return report.Report{}, fmt.Errorf("role: %s task %s: %w", task.Role, task.ID, ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return report.Report{}, fmt.Errorf("role: %s task %s: %w%s", task.Role, task.ID, err, stderrSuffix(stderr.String()))
		}
		return report.Report{}, Fatal(fmt.Errorf("role: %s task %s: start %s: %w", task.Role, task.ID, h.Path, err))
	}
	rep, err := report.Decode(bytes.TrimSpace(stdout.Bytes()))
	if err != nil {
		return report.Report{}, Fatal(fmt.Errorf("role: %s task %s: %w", task.Role, task.ID, err))
	}
	return rep, nil
}

func stderrSuffix(stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return ""
	}
	if len(stderr) > maxStderr {
		cut := len(stderr) - maxStderr
		for cut < len(stderr) && !utf8.RuneStart(stderr[cut]) {
			cut++
		}
		stderr = stderr[cut:]
	}
	return ": " + stderr
}
