// Package client talks to a session daemon through a proxy started by a transport.
//
// The client writes framed Envelopes to the proxy's stdin and reads them from
// its stdout. When the proxy exits the client starts a new one with
// Reconnecting set, so the daemon and its queued messages survive transport
// failures. The proxy's stderr carries the daemon's JSON log records, which
// are logged again through the client's logger.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/tether/envelope"
	"github.com/guseggert/tether/framing"
	"github.com/guseggert/tether/proxy"
	"github.com/guseggert/tether/transport"
	"go.uber.org/zap"
)

const (
	DefaultMaxReconnects  = 5
	DefaultReconnectDelay = 100 * time.Millisecond
	DefaultCapacity       = 1024
)

var (
	// ErrServerNotRunning is returned when a reconnect finds that the session daemon has exited.
	ErrServerNotRunning  = errors.New("server not running")
	ErrTooManyReconnects = errors.New("too many reconnects")
	ErrClosed            = errors.New("client closed")
)

type Client struct {
	Session string

	log       *zap.SugaredLogger
	serverLog *zap.Logger
	transport transport.Transport

	resume         bool
	maxReconnects  int
	reconnectDelay time.Duration

	outgoing chan []byte
	incoming chan envelope.Envelope
	// pending is an encoded Envelope whose write to a proxy failed; it is written first to the next one.
	pending []byte

	nextID     atomic.Uint32
	waitersMut sync.Mutex
	waiters    map[uint32]chan envelope.Envelope

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

type Option func(c *Client)

// WithSession sets the session identifier. By default a random UUID is used.
func WithSession(id string) Option {
	return func(c *Client) {
		c.Session = id
	}
}

// WithResume attaches to an existing daemon on the first connection instead of starting a fresh one.
func WithResume(resume bool) Option {
	return func(c *Client) {
		c.resume = resume
	}
}

// WithMaxReconnects bounds how many times a new proxy is started. A negative value means no limit.
func WithMaxReconnects(n int) Option {
	return func(c *Client) {
		c.maxReconnects = n
	}
}

func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) {
		c.reconnectDelay = d
	}
}

func WithCapacity(n int) Option {
	return func(c *Client) {
		c.outgoing = make(chan []byte, n)
		c.incoming = make(chan envelope.Envelope, n)
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.log = l.Named("client").Sugar()
		c.serverLog = l.Named("server")
	}
}

// Dial starts the first proxy and returns a client attached through it.
func Dial(ctx context.Context, t transport.Transport, opts ...Option) (*Client, error) {
	c := &Client{
		log:            zap.NewNop().Sugar(),
		serverLog:      zap.NewNop(),
		transport:      t,
		maxReconnects:  DefaultMaxReconnects,
		reconnectDelay: DefaultReconnectDelay,
		outgoing:       make(chan []byte, DefaultCapacity),
		incoming:       make(chan envelope.Envelope, DefaultCapacity),
		waiters:        map[uint32]chan envelope.Envelope{},
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.Session == "" {
		c.Session = uuid.NewString()
	}
	c.log = c.log.With("Session", c.Session)

	// proxies live as long as the client, not as long as ctx
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	stop := context.AfterFunc(ctx, cancel)
	a, err := c.start(runCtx, c.resume)
	canceled := !stop()
	if err != nil {
		cancel()
		return nil, err
	}
	go c.run(runCtx, a)
	if canceled {
		<-c.done
		return nil, ctx.Err()
	}
	return c, nil
}

// Incoming delivers Envelopes from the daemon that do not answer a pending Request.
// It is closed once the client is done.
func (c *Client) Incoming() <-chan envelope.Envelope {
	return c.incoming
}

// Done is closed when the client stops, either from Close or because it could not stay attached.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the client stopped. It is only valid after Done is closed.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Client) Close() error {
	c.cancel()
	<-c.done
	return nil
}

// Send queues env for delivery to the daemon.
// Envelopes are delivered in order, across reconnects.
func (c *Client) Send(ctx context.Context, env envelope.Envelope) error {
	b, err := envelope.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return c.err
	default:
	}
	select {
	case c.outgoing <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.err
	}
}

// Request sends env and waits for the Envelope whose ResponseTo matches its ID.
// An ID is assigned if env has none.
func (c *Client) Request(ctx context.Context, env envelope.Envelope) (envelope.Envelope, error) {
	if env.ID == 0 {
		env.ID = c.newID()
	}
	ch := make(chan envelope.Envelope, 1)
	c.waitersMut.Lock()
	c.waiters[env.ID] = ch
	c.waitersMut.Unlock()
	defer func() {
		c.waitersMut.Lock()
		delete(c.waiters, env.ID)
		c.waitersMut.Unlock()
	}()

	if err := c.Send(ctx, env); err != nil {
		return envelope.Envelope{}, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return envelope.Envelope{}, ctx.Err()
	case <-c.done:
		return envelope.Envelope{}, c.err
	}
}

func (c *Client) newID() uint32 {
	for {
		if id := c.nextID.Add(1); id != 0 {
			return id
		}
	}
}

// run supervises proxies until the client is closed or cannot reattach.
func (c *Client) run(ctx context.Context, a *attachment) {
	var err error
	defer func() {
		c.err = err
		close(c.incoming)
		close(c.done)
	}()

	reconnects := 0
	for {
		res, waitErr := a.proc.Wait(ctx)
		a.stop()
		if ctx.Err() != nil {
			err = ErrClosed
			return
		}
		switch {
		case waitErr != nil:
			c.log.Warnf("proxy failed: %s", waitErr)
		case res.ExitCode == proxy.ExitCodeServerNotRunning:
			c.log.Info("server is no longer running")
			err = ErrServerNotRunning
			return
		default:
			c.log.Infof("proxy exited with code %d", res.ExitCode)
		}

		if c.maxReconnects >= 0 && reconnects >= c.maxReconnects {
			err = fmt.Errorf("%w: gave up after %d", ErrTooManyReconnects, reconnects)
			return
		}
		reconnects++

		select {
		case <-ctx.Done():
			err = ErrClosed
			return
		case <-time.After(c.reconnectDelay):
		}
		c.log.Infof("reconnecting (attempt %d)", reconnects)
		a, err = c.start(ctx, true)
		if err != nil {
			return
		}
	}
}

// attachment is one running proxy and the goroutines pumping its stdio.
type attachment struct {
	proc    transport.Process
	stdinW  *io.PipeWriter
	stdoutW *io.PipeWriter
	stderrW *io.PipeWriter
	done    chan struct{}
	wg      sync.WaitGroup
}

// stop closes the proxy's pipes and waits for the pumps to finish.
func (a *attachment) stop() {
	a.stdinW.Close()
	a.stdoutW.Close()
	a.stderrW.Close()
	close(a.done)
	a.wg.Wait()
}

func (c *Client) start(ctx context.Context, reconnecting bool) (*attachment, error) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	proc, err := c.transport.StartProxy(ctx, transport.ProxyRequest{
		Session:      c.Session,
		Reconnecting: reconnecting,
		Stdin:        stdinR,
		Stdout:       stdoutW,
		Stderr:       stderrW,
	})
	if err != nil {
		stdinW.Close()
		stdoutW.Close()
		stderrW.Close()
		return nil, fmt.Errorf("starting proxy: %w", err)
	}

	a := &attachment{
		proc:    proc,
		stdinW:  stdinW,
		stdoutW: stdoutW,
		stderrW: stderrW,
		done:    make(chan struct{}),
	}
	a.wg.Add(3)
	go func() {
		defer a.wg.Done()
		c.writeOutgoing(a)
	}()
	go func() {
		defer a.wg.Done()
		c.readIncoming(ctx, stdoutR)
	}()
	go func() {
		defer a.wg.Done()
		c.relogServer(stderrR)
	}()
	return a, nil
}

// writeOutgoing writes queued Envelopes to the proxy's stdin until the attachment stops or a write fails.
func (c *Client) writeOutgoing(a *attachment) {
	if c.pending != nil {
		if err := framing.Write(a.stdinW, c.pending); err != nil {
			return
		}
		c.pending = nil
	}
	for {
		select {
		case <-a.done:
			return
		case b := <-c.outgoing:
			if err := framing.Write(a.stdinW, b); err != nil {
				c.log.Debugf("error writing to proxy, keeping message for the next one: %s", err)
				c.pending = b
				return
			}
		}
	}
}

// readIncoming reads Envelopes from the proxy's stdout, routing responses to their waiters.
func (c *Client) readIncoming(ctx context.Context, r io.ReadCloser) {
	defer r.Close()
	for {
		b, err := framing.Read(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				c.log.Debugf("error reading from proxy: %s", err)
			}
			return
		}
		env, err := envelope.Unmarshal(b)
		if err != nil {
			c.log.Warnf("dropping undecodable message: %s", err)
			continue
		}
		if env.ResponseTo != 0 {
			c.waitersMut.Lock()
			ch, ok := c.waiters[env.ResponseTo]
			delete(c.waiters, env.ResponseTo)
			c.waitersMut.Unlock()
			if ok {
				ch <- env
				continue
			}
		}
		select {
		case c.incoming <- env:
		case <-ctx.Done():
			return
		}
	}
}
