package local

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/tether/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCommand(t *testing.T) {
	cases := []struct {
		name      string
		transport Transport
		req       transport.ProxyRequest
		expArgv   []string
	}{
		{
			name:      "fresh attach",
			transport: Transport{Binary: "tether"},
			req:       transport.ProxyRequest{Session: "abc"},
			expArgv:   []string{"tether", "proxy", "--identifier", "abc"},
		},
		{
			name:      "reconnect",
			transport: Transport{Binary: "tether"},
			req:       transport.ProxyRequest{Session: "abc", Reconnecting: true},
			expArgv:   []string{"tether", "proxy", "--identifier", "abc", "--reconnect"},
		},
		{
			name:      "wrapped with global args",
			transport: Transport{Binary: "/opt/tether", Wrapper: []string{"ssh", "host"}, GlobalArgs: []string{"--log-level", "debug"}},
			req:       transport.ProxyRequest{Session: "abc"},
			expArgv:   []string{"ssh", "host", "/opt/tether", "--log-level", "debug", "proxy", "--identifier", "abc"},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expArgv, c.transport.command(c.req))
		})
	}
}

func TestStartProxy(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tr := New(zap.NewNop().Sugar(), "echo")
	stdout := &bytes.Buffer{}
	p, err := tr.StartProxy(ctx, transport.ProxyRequest{
		Session:      "abc",
		Reconnecting: true,
		Stdin:        strings.NewReader(""),
		Stdout:       stdout,
		Stderr:       &bytes.Buffer{},
	})
	require.NoError(t, err)

	res, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "proxy --identifier abc --reconnect\n", stdout.String())
}

func TestStartProxyExitCode(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tr := New(zap.NewNop().Sugar(), "tether")
	tr.Wrapper = []string{"sh", "-c", "exit 90"}
	p, err := tr.StartProxy(ctx, transport.ProxyRequest{Session: "abc", Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}})
	require.NoError(t, err)

	res, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 90, res.ExitCode)
}

func TestCancelKillsProxy(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	tr := New(zap.NewNop().Sugar(), "tether")
	tr.Wrapper = []string{"sh", "-c", "exec sleep 60"}
	p, err := tr.StartProxy(ctx, transport.ProxyRequest{Session: "abc", Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}})
	require.NoError(t, err)
	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer waitCancel()
	res, err := p.Wait(waitCtx)
	require.NoError(t, err)
	assert.NotEqual(t, 0, res.ExitCode)
}

func TestStdinFailsAfterProxyExits(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stdinR, stdinW := io.Pipe()
	tr := New(zap.NewNop().Sugar(), "tether")
	tr.Wrapper = []string{"sh", "-c", "exit 1"}
	p, err := tr.StartProxy(ctx, transport.ProxyRequest{Session: "abc", Stdin: stdinR, Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}})
	require.NoError(t, err)

	res, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)

	_, err = stdinW.Write([]byte("lost?"))
	assert.ErrorIs(t, err, transport.ErrProxyExited)
}
