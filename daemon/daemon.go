// Package daemon implements the long-running session server.
//
// The daemon accepts a "triple" of connections (input, output, diagnostic) on
// its rendezvous sockets, one triple per proxy attach. While a triple is
// attached, Envelopes read from the input socket are delivered on Incoming,
// Envelopes sent on Outgoing are written to the output socket, and log chunks
// are forwarded to the diagnostic socket. When the triple breaks, the daemon
// goes back to waiting for the next one; Envelopes not yet written stay queued.
// If no triple arrives within the idle timeout, Run returns ErrIdleTimeout.
package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guseggert/tether/envelope"
	"github.com/guseggert/tether/framing"
	inet "github.com/guseggert/tether/internal/net"
	"go.uber.org/zap"
)

const (
	// DefaultIdleTimeout is how long the daemon waits for a proxy before exiting.
	DefaultIdleTimeout = 10 * time.Minute
	// DefaultChannelCapacity bounds the inbound and outbound Envelope queues.
	DefaultChannelCapacity = 4096
	// DefaultMaxMessageSize caps the length a frame header on the input socket may claim.
	DefaultMaxMessageSize = 64 << 20
)

var (
	// ErrIdleTimeout is returned by Run when no proxy attached within the idle timeout.
	ErrIdleTimeout = errors.New("timed out waiting for new connections")

	errListenersClosed = errors.New("rendezvous listeners closed")
)

type Daemon struct {
	log *zap.SugaredLogger

	listeners   *Listeners
	idleTimeout time.Duration
	idleHandler func()
	logs        <-chan []byte
	maxMessage  uint32

	incoming chan envelope.Envelope
	outgoing chan envelope.Envelope

	// pending is an outbound Envelope whose write failed; it is sent first on the next triple.
	pending *envelope.Envelope
}

type Option func(d *Daemon)

func WithIdleTimeout(timeout time.Duration) Option {
	return func(d *Daemon) {
		d.idleTimeout = timeout
	}
}

// WithIdleHandler sets a function called when the idle timeout fires, before Run returns.
func WithIdleHandler(f func()) Option {
	return func(d *Daemon) {
		d.idleHandler = f
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Daemon) {
		d.log = l.Named("daemon").Sugar()
	}
}

// WithLogStream sets the source of raw log chunks forwarded to the diagnostic socket.
func WithLogStream(logs <-chan []byte) Option {
	return func(d *Daemon) {
		d.logs = logs
	}
}

// WithMaxMessageSize sets the largest inbound frame accepted. A larger frame breaks the attach.
func WithMaxMessageSize(n uint32) Option {
	return func(d *Daemon) {
		d.maxMessage = n
	}
}

func WithChannelCapacity(n int) Option {
	return func(d *Daemon) {
		d.incoming = make(chan envelope.Envelope, n)
		d.outgoing = make(chan envelope.Envelope, n)
	}
}

// New builds a daemon serving the given listeners. Run takes ownership of the listeners.
func New(listeners *Listeners, opts ...Option) *Daemon {
	d := &Daemon{
		log:         zap.NewNop().Sugar(),
		listeners:   listeners,
		idleTimeout: DefaultIdleTimeout,
		maxMessage:  DefaultMaxMessageSize,
		incoming:    make(chan envelope.Envelope, DefaultChannelCapacity),
		outgoing:    make(chan envelope.Envelope, DefaultChannelCapacity),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Incoming delivers Envelopes received from attached proxies, in order.
func (d *Daemon) Incoming() <-chan envelope.Envelope {
	return d.incoming
}

// Outgoing queues Envelopes for delivery to the attached proxy, or the next one to attach.
func (d *Daemon) Outgoing() chan<- envelope.Envelope {
	return d.outgoing
}

// Run serves proxy attaches until ctx is done, the idle timeout elapses, or the listeners fail.
// Cancelling ctx is a clean shutdown and returns nil.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer d.listeners.Close()

	triples := acceptTriples(ctx, d.listeners)

	var next *triple
	for {
		t := next
		if t == nil {
			d.log.Info("accepting new connections")
			var err error
			t, err = d.await(ctx, triples)
			if err != nil {
				return err
			}
			if t == nil {
				return nil
			}
		}

		d.log.Info("proxy attached")
		var err error
		next, err = d.serve(ctx, t, triples)
		t.close()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			d.log.Info("shutting down")
			return nil
		}
	}
}

// await blocks until a triple arrives, the idle timeout fires, or ctx is done.
// It returns a nil triple and nil error when ctx is done.
func (d *Daemon) await(ctx context.Context, triples <-chan *triple) (*triple, error) {
	timer := time.NewTimer(d.idleTimeout)
	defer timer.Stop()

	select {
	case t, ok := <-triples:
		if !ok {
			return nil, errListenersClosed
		}
		return t, nil
	case <-timer.C:
		d.log.Warnf("timed out waiting for new connections after %s, exiting", d.idleTimeout)
		if d.idleHandler != nil {
			d.idleHandler()
		}
		return nil, ErrIdleTimeout
	case <-ctx.Done():
		return nil, nil
	}
}

// serve pumps messages over t until it breaks, a newer triple replaces it, or ctx is done.
// It returns the replacing triple, if any.
func (d *Daemon) serve(ctx context.Context, t *triple, triples <-chan *triple) (*triple, error) {
	done := make(chan struct{})
	defer close(done)

	inbound := make(chan envelope.Envelope)
	readErr := make(chan error, 1)
	go readInput(t, d.maxMessage, inbound, readErr, done)

	output := bufio.NewWriter(t.output)
	diagnostic := bufio.NewWriter(t.diagnostic)

	if d.pending != nil {
		env := *d.pending
		d.pending = nil
		if err := d.writeEnvelope(output, env); err != nil {
			return nil, nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil, nil

		case next, ok := <-triples:
			if !ok {
				return nil, errListenersClosed
			}
			d.log.Info("new proxy attached, replacing current connections")
			return next, nil

		case err := <-readErr:
			d.logConnError("error reading message on stdin", err)
			return nil, nil

		case env := <-inbound:
			select {
			case d.incoming <- env:
			case <-ctx.Done():
				return nil, nil
			}

		case env := <-d.outgoing:
			if err := d.writeEnvelope(output, env); err != nil {
				return nil, nil
			}

		case chunk := <-d.logs:
			if _, err := diagnostic.Write(chunk); err != nil {
				d.logConnError("failed to write log message to stderr", err)
				return nil, nil
			}
			if err := diagnostic.Flush(); err != nil {
				d.logConnError("failed to flush stderr stream", err)
				return nil, nil
			}
		}
	}
}

// writeEnvelope frames env onto w. On an I/O error env is kept as pending and the error returned.
// Envelopes that cannot be encoded are dropped.
func (d *Daemon) writeEnvelope(w *bufio.Writer, env envelope.Envelope) error {
	b, err := envelope.Marshal(env)
	if err != nil {
		d.log.Errorf("dropping outgoing message of type %q: %s", env.Type, err)
		return nil
	}
	err = framing.Write(w, b)
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		d.pending = &env
		d.logConnError("failed to write stdout message", err)
		return err
	}
	return nil
}

func (d *Daemon) logConnError(msg string, err error) {
	if inet.IsExpectedCloseError(err) {
		d.log.Infof("%s: %s", msg, err)
		return
	}
	d.log.Warnf("%s: %s", msg, err)
}

// readInput decodes Envelopes from the triple's input connection until it fails.
func readInput(t *triple, limit uint32, inbound chan<- envelope.Envelope, readErr chan<- error, done <-chan struct{}) {
	for {
		payload, err := framing.ReadLimit(t.input, limit)
		if err != nil {
			readErr <- err
			return
		}
		env, err := envelope.Unmarshal(payload)
		if err != nil {
			readErr <- fmt.Errorf("decoding message: %w", err)
			return
		}
		select {
		case inbound <- env:
		case <-done:
			return
		}
	}
}
