package proxy

import (
	"context"
	"fmt"
	"io"

	"github.com/guseggert/tether/framing"
	"golang.org/x/sync/errgroup"
)

type stdinFrame struct {
	payload []byte
	err     error
}

// readStdin reads whole frames from r until it fails.
// Reads can block indefinitely, so this runs on its own goroutine outside the relay group.
func readStdin(ctx context.Context, r io.Reader, frames chan<- stdinFrame) {
	for {
		payload, err := framing.Read(r)
		select {
		case frames <- stdinFrame{payload: payload, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// Relay pumps stdin frames to the input socket, output socket frames to stdout,
// and diagnostic bytes to stderr. It returns when any of them ends, closing conns.
// The returned error always wraps ErrDetached.
func Relay(ctx context.Context, conns *Conns, stdin io.Reader, stdout, stderr io.Writer) error {
	defer conns.Close()

	group, ctx := errgroup.WithContext(ctx)

	frames := make(chan stdinFrame)
	go readStdin(ctx, stdin, frames)

	group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case f := <-frames:
				if f.err != nil {
					return fmt.Errorf("reading stdin: %w", f.err)
				}
				if err := framing.Write(conns.Input, f.payload); err != nil {
					return fmt.Errorf("writing to input socket: %w", err)
				}
			}
		}
	})
	group.Go(func() error {
		return ended("output socket", framing.Copy(stdout, conns.Output))
	})
	group.Go(func() error {
		_, err := io.Copy(stderr, conns.Diagnostic)
		return ended("diagnostic socket", err)
	})
	group.Go(func() error {
		<-ctx.Done()
		conns.Close()
		return nil
	})

	return fmt.Errorf("%w: %w", ErrDetached, group.Wait())
}

// ended turns the end of a copy into an error so the group stops the other relays.
func ended(name string, err error) error {
	if err == nil {
		return fmt.Errorf("%s closed", name)
	}
	return fmt.Errorf("relaying %s: %w", name, err)
}
