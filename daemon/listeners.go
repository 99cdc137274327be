package daemon

import (
	"errors"
	"fmt"
	"net"

	"github.com/guseggert/tether/session"
)

// Listeners are the three rendezvous sockets a proxy attaches to.
type Listeners struct {
	Input      *net.UnixListener
	Output     *net.UnixListener
	Diagnostic *net.UnixListener
}

// Listen binds the session's input, output and diagnostic sockets.
// Socket files are not unlinked when the listeners close; whoever owns the PID file cleans them up.
func Listen(paths session.Paths) (*Listeners, error) {
	bind := func(name, path string) (*net.UnixListener, error) {
		l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
		if err != nil {
			return nil, fmt.Errorf("binding %s socket: %w", name, err)
		}
		l.SetUnlinkOnClose(false)
		return l, nil
	}

	ls := &Listeners{}
	var err error
	if ls.Input, err = bind("stdin", paths.InputSocket); err != nil {
		return nil, err
	}
	if ls.Output, err = bind("stdout", paths.OutputSocket); err != nil {
		ls.Close()
		return nil, err
	}
	if ls.Diagnostic, err = bind("stderr", paths.DiagnosticSocket); err != nil {
		ls.Close()
		return nil, err
	}
	return ls, nil
}

func (l *Listeners) Close() error {
	var errs []error
	for _, ln := range []*net.UnixListener{l.Input, l.Output, l.Diagnostic} {
		if ln == nil {
			continue
		}
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
