package bridge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guseggert/tether/proxy"
	"github.com/guseggert/tether/transport"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type attachCall struct {
	session      string
	reconnecting bool
}

// echoAttacher copies stdin to stdout, writes a log line to stderr, and detaches at stdin EOF.
// Reconnects to session "gone" fail like a proxy that finds no server.
type echoAttacher struct {
	mu    sync.Mutex
	calls []attachCall
}

func (a *echoAttacher) recorded() []attachCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]attachCall(nil), a.calls...)
}

func (a *echoAttacher) attach(ctx context.Context, session string, reconnecting bool, stdin io.Reader, stdout, stderr io.Writer) error {
	a.mu.Lock()
	a.calls = append(a.calls, attachCall{session: session, reconnecting: reconnecting})
	a.mu.Unlock()

	if session == "gone" && reconnecting {
		return proxy.ErrServerNotRunning
	}
	fmt.Fprintln(stderr, `{"msg":"attached"}`)
	_, err := io.Copy(stdout, stdin)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: stdin closed", proxy.ErrDetached)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startBridge(t *testing.T, opts ...Option) (*echoAttacher, *Client) {
	t.Helper()
	a := &echoAttacher{}
	s := NewServer(a.attach, opts...)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return a, NewClient(srv.URL, WithClientWaitInterval(10*time.Millisecond))
}

func TestAttachRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a, c := startBridge(t)

	stdout := &lockedBuffer{}
	stderr := &lockedBuffer{}
	p, err := c.StartProxy(ctx, transport.ProxyRequest{
		Session: "abc",
		Stdin:   strings.NewReader("hello bridge"),
		Stdout:  stdout,
		Stderr:  stderr,
	})
	require.NoError(t, err)

	res, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, "hello bridge", stdout.String())
	assert.Equal(t, `{"msg":"attached"}`+"\n", stderr.String())
	assert.Equal(t, []attachCall{{session: "abc"}}, a.recorded())
}

func TestLargeStdinIsChunked(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, c := startBridge(t)

	in := bytes.Repeat([]byte("0123456789"), 10000)
	stdout := &lockedBuffer{}
	p, err := c.StartProxy(ctx, transport.ProxyRequest{Session: "abc", Stdin: bytes.NewReader(in), Stdout: stdout})
	require.NoError(t, err)

	res, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, string(in), stdout.String())
}

func TestServerNotRunningExitCode(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a, c := startBridge(t)

	p, err := c.StartProxy(ctx, transport.ProxyRequest{Session: "gone", Reconnecting: true, Stdin: strings.NewReader("")})
	require.NoError(t, err)

	res, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, proxy.ExitCodeServerNotRunning, res.ExitCode)
	assert.Equal(t, []attachCall{{session: "gone", reconnecting: true}}, a.recorded())
}

// ephemeralAddr returns a loopback address with a currently unused TCP port.
func ephemeralAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().String()
}

func TestWaitForServerAndHeartbeatTimeout(t *testing.T) {
	addr := ephemeralAddr(t)

	var failed atomic.Bool
	s := NewServer((&echoAttacher{}).attach,
		WithListenAddr(addr),
		WithHeartbeatTimeout(200*time.Millisecond),
		WithHeartbeatFailureHandler(func() { failed.Store(true) }),
	)
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run() }()

	c := NewClient("http://"+addr, WithClientWaitInterval(10*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.WaitForServer(ctx))

	c.StartHeartbeat(20 * time.Millisecond)
	time.Sleep(500 * time.Millisecond)
	assert.False(t, failed.Load(), "heartbeat failed while heartbeats were sent")

	c.StopHeartbeat()
	assert.Eventually(t, failed.Load, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, s.Stop())
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestWaitForServerRespectsContext(t *testing.T) {
	// nothing listens on a freshly released port
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	c := NewClient("http://"+addr,
		WithClientWaitInterval(10*time.Millisecond),
		WithCustomizeRetryableClient(func(r *retryablehttp.Client) { r.RetryMax = 0 }),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitForServer(ctx), context.DeadlineExceeded)
}
