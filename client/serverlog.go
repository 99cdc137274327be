package client

import (
	"bufio"
	"encoding/json"
	"io"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const maxLogLine = 1 << 20

// relogServer logs each JSON record the daemon forwards on the proxy's stderr.
func (c *Client) relogServer(r io.ReadCloser) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLogLine)
	for scanner.Scan() {
		c.relogLine(scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		c.log.Debugf("error reading server logs: %s", err)
		// keep draining so the proxy never blocks on stderr
		_, _ = io.Copy(io.Discard, r)
	}
}

func (c *Client) relogLine(line []byte) {
	if len(line) == 0 {
		return
	}
	var rec map[string]any
	if err := json.Unmarshal(line, &rec); err != nil {
		c.serverLog.Info(string(line))
		return
	}

	msg, _ := rec["msg"].(string)
	lvl := zapcore.InfoLevel
	if s, ok := rec["level"].(string); ok {
		_ = lvl.UnmarshalText([]byte(s))
	}
	// never let a forwarded record panic or exit the client
	if lvl > zapcore.ErrorLevel {
		lvl = zapcore.ErrorLevel
	}
	delete(rec, "msg")
	delete(rec, "level")

	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, zap.Any(k, rec[k]))
	}
	if ce := c.serverLog.Check(lvl, msg); ce != nil {
		ce.Write(fields...)
	}
}
