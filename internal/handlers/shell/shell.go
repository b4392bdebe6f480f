// Package shell runs scripts as local commands.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"conductor/internal/handlers"
)

// Runner starts Command once per run. The run request is written to stdin as
// JSON and the command prints its RunResult on stdout.
type Runner struct {
	Command string
	Args    []string
}

func (r Runner) Run(ctx context.Context, req handlers.RunRequest) (handlers.RunResult, error) {
	var res handlers.RunResult
	if r.Command == "" {
		return res, fmt.Errorf("command is required")
	}
	in, err := json.Marshal(req)
	if err != nil {
		return res, err
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.Command, r.Args...)
	cmd.Stdin = bytes.NewReader(in)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(),
		"CONDUCTOR_TASK_ID="+req.TaskID,
		"CONDUCTOR_SCRIPT="+req.Definition.Script,
	)
	if err := cmd.Run(); err != nil {
		return res, fmt.Errorf("shell error: %v; stderr=%s", err, stderr.String())
	}
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return res, fmt.Errorf("invalid command output: %w; out=%s", err, stdout.String())
	}
	return res, nil
}
