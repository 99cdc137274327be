// Package logging builds the zap loggers used by the server and proxy processes.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DiagnosticCapacity is how many log records are buffered for the diagnostic socket while no proxy is attached.
const DiagnosticCapacity = 1024

// ParseLevel parses a level name like "debug" or "warn".
func ParseLevel(s string) (zapcore.Level, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("parsing log level %q: %w", s, err)
	}
	return l, nil
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

// New returns a JSON logger writing to w.
func New(w io.Writer, level zapcore.Level) *zap.Logger {
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(w), level)
	return zap.New(core)
}

// NewProxy returns the proxy process logger, which writes JSON records to stderr.
func NewProxy(level zapcore.Level) *zap.Logger {
	return New(zapcore.Lock(os.Stderr), level).Named("proxy").With(zap.Int("pid", os.Getpid()))
}

// Server is the server process logger together with its live diagnostic stream.
type Server struct {
	Logger *zap.Logger
	Tee    *Tee
	file   *os.File
}

// NewServer opens path in append mode and returns a logger whose records go to the file and to the Tee's channel.
func NewServer(path string, level zapcore.Level) (*Server, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening log file in append mode: %w", err)
	}
	tee := NewTee(f, DiagnosticCapacity)
	return &Server{
		Logger: New(tee, level).Named("server"),
		Tee:    tee,
		file:   f,
	}, nil
}

func (s *Server) Close() error {
	_ = s.Logger.Sync()
	return s.file.Close()
}
