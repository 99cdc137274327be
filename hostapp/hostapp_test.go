package hostapp

import (
	"context"
	"testing"
	"time"

	"github.com/guseggert/tether/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func serve(t *testing.T) (chan<- envelope.Envelope, <-chan envelope.Envelope) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	in := make(chan envelope.Envelope)
	out := make(chan envelope.Envelope)
	app := New(zap.NewNop().Sugar())
	go app.Serve(ctx, in, out)
	return in, out
}

func roundTrip(t *testing.T, env envelope.Envelope) envelope.Envelope {
	t.Helper()
	in, out := serve(t)
	in <- env
	select {
	case reply := <-out:
		assert.Equal(t, env.ID, reply.ResponseTo)
		return reply
	case <-time.After(10 * time.Second):
		t.Fatal("no reply")
		return envelope.Envelope{}
	}
}

func TestPing(t *testing.T) {
	reply := roundTrip(t, envelope.Envelope{ID: 3, Type: TypePing, Payload: []byte("hi")})
	assert.Equal(t, TypePong, reply.Type)
	assert.Equal(t, []byte("hi"), reply.Payload)
}

func TestUnknownType(t *testing.T) {
	reply := roundTrip(t, envelope.Envelope{ID: 4, Type: "bogus"})
	assert.Equal(t, TypeError, reply.Type)
	assert.Contains(t, string(reply.Payload), "bogus")
}

func TestExec(t *testing.T) {
	cases := []struct {
		name      string
		req       ExecRequest
		expCode   int
		expStdout string
		expStderr string
		expErr    bool
	}{
		{
			name:      "happy case",
			req:       ExecRequest{Command: "echo", Args: []string{"hello"}},
			expStdout: "hello\n",
		},
		{
			name:      "stdout and stderr",
			req:       ExecRequest{Command: "sh", Args: []string{"-c", "printf foo; printf bar 1>&2"}},
			expStdout: "foo",
			expStderr: "bar",
		},
		{
			name:      "stdin to stdout",
			req:       ExecRequest{Command: "sh", Args: []string{"-c", "read line; echo $line bar"}, Stdin: "foo"},
			expStdout: "foo bar\n",
		},
		{
			name:    "non-zero exit",
			req:     ExecRequest{Command: "sh", Args: []string{"-c", "exit 3"}},
			expCode: 3,
		},
		{
			name:    "missing binary",
			req:     ExecRequest{Command: "/definitely/not/here"},
			expCode: -1,
			expErr:  true,
		},
		{
			name:    "no command",
			req:     ExecRequest{},
			expCode: -1,
			expErr:  true,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			payload, err := envelope.MarshalPayload(c.req)
			require.NoError(t, err)

			reply := roundTrip(t, envelope.Envelope{ID: 1, Type: TypeExec, Payload: payload})
			require.Equal(t, TypeExecResult, reply.Type)

			var res ExecResult
			require.NoError(t, envelope.UnmarshalPayload(reply.Payload, &res))
			assert.Equal(t, c.expCode, res.ExitCode)
			assert.Equal(t, c.expStdout, res.Stdout)
			assert.Equal(t, c.expStderr, res.Stderr)
			assert.Equal(t, c.expErr, res.Err != "")
		})
	}
}
