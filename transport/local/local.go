// Package local runs the session proxy as a child process, optionally behind a wrapper command like "ssh host".
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/guseggert/tether/transport"
	"go.uber.org/zap"
)

type Transport struct {
	// Binary is the tether binary on the target host.
	Binary string
	// Wrapper is prepended to the command line, e.g. []string{"ssh", "host"}.
	Wrapper []string
	// GlobalArgs are passed before the proxy command, e.g. []string{"--log-level", "debug"}.
	GlobalArgs []string
	Env        []string
	Log        *zap.SugaredLogger
}

func New(log *zap.SugaredLogger, binary string) *Transport {
	return &Transport{Binary: binary, Log: log.Named("local_transport")}
}

func (t *Transport) command(req transport.ProxyRequest) []string {
	var argv []string
	argv = append(argv, t.Wrapper...)
	argv = append(argv, t.Binary)
	argv = append(argv, t.GlobalArgs...)
	return append(argv, transport.ProxyArgs(req)...)
}

type result struct {
	code   int
	timeMS int64
	err    error
}

type proc struct {
	resultChan <-chan result
}

func (p *proc) Wait(ctx context.Context) (*transport.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-p.resultChan:
		return &transport.Result{ExitCode: res.code, TimeMS: res.timeMS}, res.err
	}
}

// StartProxy starts the proxy. Cancelling ctx kills it.
func (t *Transport) StartProxy(ctx context.Context, req transport.ProxyRequest) (transport.Process, error) {
	argv := t.command(req)
	cmd := exec.Command(argv[0], argv[1:]...)
	if len(t.Env) > 0 {
		cmd.Env = append(os.Environ(), t.Env...)
	}
	cmd.Stdout = req.Stdout
	cmd.Stderr = req.Stderr

	// Stdin is copied outside of cmd.Wait, which would otherwise block until req.Stdin hits EOF.
	var stdin io.WriteCloser
	if req.Stdin != nil {
		var err error
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("creating stdin pipe: %w", err)
		}
	}

	t.Log.Debugw("starting proxy", "Argv", argv)
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting proxy: %w", err)
	}
	if stdin != nil {
		go func() {
			defer stdin.Close()
			_, err := io.Copy(stdin, req.Stdin)
			t.Log.Debugw("done copying stdin", "Error", err)
		}()
	}

	resultChan := make(chan result, 1)
	procExitedChan := make(chan struct{})
	go func() {
		exitCode := 0
		var resultErr error

		err := cmd.Wait()
		timeMS := time.Since(start).Milliseconds()
		close(procExitedChan)
		if req.Stdin != nil {
			transport.CloseStdin(req.Stdin)
		}
		var exitErr *exec.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
		default:
			resultErr = err
			exitCode = -1
		}
		resultChan <- result{code: exitCode, timeMS: timeMS, err: resultErr}
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = cmd.Process.Kill()
		case <-procExitedChan:
		}
	}()

	return &proc{resultChan: resultChan}, nil
}
