package daemon

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPeerPIDIsDialingProcess(t *testing.T) {
	server, _ := socketPair(t)
	assert.Equal(t, os.Getpid(), peerPID(server))
}
