// Package transport starts session proxies on the host that runs the session daemon.
//
// The proxy's stdio is the only channel between a client and a daemon, so a
// Transport just needs some way to run "tether proxy" on that host and wire
// up its stdin, stdout and stderr: a local exec, ssh, a docker exec, or the
// WebSocket bridge.
package transport

import (
	"context"
	"errors"
	"io"
)

// ErrProxyExited is returned to writers of a ProxyRequest's Stdin once the proxy has exited.
var ErrProxyExited = errors.New("proxy exited")

type ProxyRequest struct {
	Session      string
	Reconnecting bool

	// Stdin carries framed Envelopes to the daemon. The proxy exits when it returns EOF.
	Stdin io.Reader
	// Stdout receives framed Envelopes from the daemon.
	Stdout io.Writer
	// Stderr receives the daemon's log records, one JSON object per line.
	Stderr io.Writer
}

type Result struct {
	ExitCode int
	TimeMS   int64
}

type Process interface {
	// Wait blocks until the proxy exits. The error is non-nil only if the exit code could not be determined.
	Wait(ctx context.Context) (*Result, error)
}

type Transport interface {
	StartProxy(ctx context.Context, req ProxyRequest) (Process, error)
}

// CloseStdin makes further writes into a proxy's stdin fail instead of being consumed by a dead proxy.
// Transports call it when the proxy exits, before reporting its result.
func CloseStdin(stdin io.Reader) {
	switch r := stdin.(type) {
	case *io.PipeReader:
		r.CloseWithError(ErrProxyExited)
	case io.Closer:
		r.Close()
	}
}

// ProxyArgs returns the arguments of the proxy command for req.
func ProxyArgs(req ProxyRequest) []string {
	args := []string{"proxy", "--identifier", req.Session}
	if req.Reconnecting {
		args = append(args, "--reconnect")
	}
	return args
}
