package daemon

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func socketPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	l, err := net.Listen("unix", filepath.Join(t.TempDir(), "s.sock"))
	require.NoError(t, err)
	defer l.Close()

	client, err = net.Dial("unix", l.Addr().String())
	require.NoError(t, err)
	server, err = l.Accept()
	require.NoError(t, err)
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

func TestPeerClosed(t *testing.T) {
	server, client := socketPair(t)
	assert.False(t, peerClosed(server))

	_, err := client.Write([]byte("x"))
	require.NoError(t, err)
	assert.False(t, peerClosed(server))

	// peeking leaves the byte for the reader
	buf := make([]byte, 1)
	require.NoError(t, server.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "x", string(buf))

	require.NoError(t, client.Close())
	assert.True(t, peerClosed(server))
}

func TestMatcherPairsByPeer(t *testing.T) {
	conn := func() net.Conn {
		c, _ := socketPair(t)
		return c
	}
	m := newMatcher()
	defer m.closeAll()

	in1, out2, in2, diag2 := conn(), conn(), conn(), conn()
	assert.Nil(t, m.add(accepted{slot: slotInput, pid: 1, conn: in1}))
	assert.Nil(t, m.add(accepted{slot: slotOutput, pid: 2, conn: out2}))
	assert.Nil(t, m.add(accepted{slot: slotInput, pid: 2, conn: in2}))
	tr := m.add(accepted{slot: slotDiagnostic, pid: 2, conn: diag2})
	require.NotNil(t, tr)
	assert.Same(t, in2, tr.input)
	assert.Same(t, out2, tr.output)
	assert.Same(t, diag2, tr.diagnostic)

	// pid 1 started dialing first and never finished
	assert.Empty(t, m.partials)
}

func TestMatcherReplacesRedialedSocket(t *testing.T) {
	m := newMatcher()
	defer m.closeAll()

	oldIn, _ := socketPair(t)
	newIn, _ := socketPair(t)
	out, _ := socketPair(t)
	diag, _ := socketPair(t)
	assert.Nil(t, m.add(accepted{slot: slotInput, pid: 7, conn: oldIn}))
	assert.Nil(t, m.add(accepted{slot: slotInput, pid: 7, conn: newIn}))
	assert.Nil(t, m.add(accepted{slot: slotOutput, pid: 7, conn: out}))
	tr := m.add(accepted{slot: slotDiagnostic, pid: 7, conn: diag})
	require.NotNil(t, tr)
	assert.Same(t, newIn, tr.input)

	_, err := oldIn.Write([]byte("x"))
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestMatcherDropsClosedConnections(t *testing.T) {
	m := newMatcher()
	defer m.closeAll()

	staleIn, staleClient := socketPair(t)
	out, _ := socketPair(t)
	diag, _ := socketPair(t)
	require.NoError(t, staleClient.Close())

	assert.Nil(t, m.add(accepted{slot: slotInput, conn: staleIn}))
	assert.Nil(t, m.add(accepted{slot: slotOutput, conn: out}))
	assert.Nil(t, m.add(accepted{slot: slotDiagnostic, conn: diag}))

	in, _ := socketPair(t)
	tr := m.add(accepted{slot: slotInput, conn: in})
	require.NotNil(t, tr)
	assert.Same(t, in, tr.input)
}
