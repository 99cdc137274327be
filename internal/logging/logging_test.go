package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestTeeForwardsAndDrops(t *testing.T) {
	file := &bytes.Buffer{}
	tee := NewTee(file, 1)

	_, err := tee.Write([]byte("one\n"))
	require.NoError(t, err)
	_, err = tee.Write([]byte("two\n"))
	require.NoError(t, err)

	assert.Equal(t, "one\ntwo\n", file.String())
	assert.Equal(t, []byte("one\n"), <-tee.Chunks())
	assert.Equal(t, uint64(1), tee.Dropped())
}

func TestServerLoggerWritesFileAndChannel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server-x.log")
	s, err := NewServer(path, zapcore.DebugLevel)
	require.NoError(t, err)

	s.Logger.Sugar().Infow("hello", "k", "v")
	require.NoError(t, s.Close())

	chunk := <-s.Tee.Chunks()
	var rec map[string]any
	require.NoError(t, json.Unmarshal(chunk, &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "server", rec["logger"])
	assert.Equal(t, "v", rec["k"])

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, chunk, b)
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, l)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
