package transport

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closeRecorder struct {
	io.Reader
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestCloseStdin(t *testing.T) {
	r, w := io.Pipe()
	CloseStdin(r)
	_, err := w.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrProxyExited)

	c := &closeRecorder{}
	CloseStdin(c)
	assert.True(t, c.closed)

	// readers that cannot be closed are left alone
	CloseStdin(nil)
}

func TestProxyArgs(t *testing.T) {
	assert.Equal(t, []string{"proxy", "--identifier", "s"}, ProxyArgs(ProxyRequest{Session: "s"}))
	args := ProxyArgs(ProxyRequest{Session: "s", Reconnecting: true})
	require.Len(t, args, 4)
	assert.Equal(t, "--reconnect", args[3])
}
