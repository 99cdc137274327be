package hostapp

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"
)

type ExecRequest struct {
	Command    string
	Args       []string
	Env        []string
	WorkingDir string
	Stdin      string
}

type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimeMS   int64
	// Err is set if the command could not be started.
	Err string
}

// exec runs a command to completion and collects its output.
// The command is killed if ctx is done first.
func (a *App) exec(ctx context.Context, req ExecRequest) ExecResult {
	if req.Command == "" {
		return ExecResult{ExitCode: -1, Err: "request contained no command"}
	}

	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	cmd.Dir = req.WorkingDir
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	start := time.Now()
	err := cmd.Run()
	res := ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
		TimeMS: time.Since(start).Milliseconds(),
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		a.Log.Debugf("error running %q: %s", req.Command, err)
		res.ExitCode = -1
		res.Err = err.Error()
	}
	return res
}
