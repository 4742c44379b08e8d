package agent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/jkaninda/kazi/internal/domain"
)

// CommandRunner executes tasks by running a subprocess. The prompt arrives
// on stdin, the task file (when set) and the token budget as environment
// variables, and stdout becomes the result. This keeps the worker free of
// any model wire protocol: the command can call whatever backend it likes.
type CommandRunner struct {
	// Command and Args form the subprocess invocation.
	Command string
	Args    []string
}

func (r *CommandRunner) Execute(ctx context.Context, task *domain.Task, maxTokens int) (string, error) {
	cmd := exec.CommandContext(ctx, r.Command, r.Args...)
	cmd.Stdin = bytes.NewReader([]byte(task.Prompt))
	cmd.Env = append(cmd.Environ(),
		"KAZI_TASK_ID="+task.ID,
		"KAZI_TASK_TYPE="+string(task.Type),
		"KAZI_TASK_FILE="+task.File,
		"KAZI_TASK_ACTION="+task.Action,
		"KAZI_MAX_TOKENS="+strconv.Itoa(maxTokens),
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("task %s: %w", task.ID, ctx.Err())
		}
		msg := bytes.TrimSpace(stderr.Bytes())
		if len(msg) > 0 {
			return "", fmt.Errorf("task %s: %s: %w", task.ID, msg, err)
		}
		return "", fmt.Errorf("task %s: %w", task.ID, err)
	}
	return stdout.String(), nil
}
