package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshal(t *testing.T) {
	e := Envelope{ID: 7, Type: "ping", Payload: []byte("hi")}
	b, err := Marshal(e)
	require.NoError(t, err)

	got, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestUnmarshalGarbage(t *testing.T) {
	_, err := Unmarshal([]byte("not cbor at all"))
	assert.Error(t, err)
}

func TestReply(t *testing.T) {
	req := Envelope{ID: 12, Type: "ping"}
	resp := req.Reply("pong", []byte("x"))
	assert.Equal(t, uint32(12), resp.ResponseTo)
	assert.Equal(t, uint32(0), resp.ID)
	assert.Equal(t, "pong", resp.Type)
}
