package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/guseggert/tether/daemon"
	"github.com/guseggert/tether/envelope"
	"github.com/guseggert/tether/internal/logging"
	"github.com/guseggert/tether/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestIdleTimeoutStopsApp(t *testing.T) {
	dir := t.TempDir()
	paths, err := session.New(session.Dirs{StateDir: dir, LogsDir: dir}, "s")
	require.NoError(t, err)
	listeners, err := daemon.Listen(paths)
	require.NoError(t, err)
	srvLog, err := logging.NewServer(filepath.Join(dir, "server.log"), zap.DebugLevel)
	require.NoError(t, err)
	defer srvLog.Close()

	cause := make(chan error, 1)
	serve := func(ctx context.Context, incoming <-chan envelope.Envelope, outgoing chan<- envelope.Envelope) error {
		<-ctx.Done()
		cause <- context.Cause(ctx)
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- serveSession(context.Background(), srvLog, listeners, 50*time.Millisecond, serve)
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, daemon.ErrIdleTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not time out")
	}
	assert.ErrorIs(t, <-cause, daemon.ErrIdleTimeout)
}

func TestCancelStopsApp(t *testing.T) {
	dir := t.TempDir()
	paths, err := session.New(session.Dirs{StateDir: dir, LogsDir: dir}, "s")
	require.NoError(t, err)
	listeners, err := daemon.Listen(paths)
	require.NoError(t, err)
	srvLog, err := logging.NewServer(filepath.Join(dir, "server.log"), zap.DebugLevel)
	require.NoError(t, err)
	defer srvLog.Close()

	cause := make(chan error, 1)
	serve := func(ctx context.Context, incoming <-chan envelope.Envelope, outgoing chan<- envelope.Envelope) error {
		<-ctx.Done()
		cause <- context.Cause(ctx)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serveSession(ctx, srvLog, listeners, time.Minute, serve)
	}()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.ErrorIs(t, <-cause, context.Canceled)
}
