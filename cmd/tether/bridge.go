package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/tether/bridge"
	"github.com/guseggert/tether/internal/logging"
	"github.com/guseggert/tether/proxy"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"
)

var bridgeCommand = &cli.Command{
	Name:  "bridge",
	Usage: "serve session attaches over HTTP WebSockets",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "listen-addr",
			Usage: "The address for the HTTP server to listen on.",
			Value: "127.0.0.1:8080",
		},
		&cli.StringFlag{
			Name:  "on-heartbeat-failure",
			Usage: "Action to take on a heartbeat failure. One of [exit,none].",
			Value: "none",
		},
		&cli.DurationFlag{
			Name:  "heartbeat-timeout",
			Usage: "Duration to wait for a heartbeat before running the failure action. Zero disables the check.",
		},
		&cli.DurationFlag{
			Name:  "idle-timeout",
			Usage: "Idle timeout of newly started servers.",
		},
	},
	Action: runBridge,
}

func runBridge(ctx *cli.Context) error {
	level, err := logging.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return err
	}
	logger := logging.New(zapcore.Lock(os.Stderr), level)
	defer logger.Sync()
	log := logger.Named("bridge").Sugar()

	opts := []bridge.Option{
		bridge.WithLogger(logger),
		bridge.WithListenAddr(ctx.String("listen-addr")),
		bridge.WithHeartbeatTimeout(ctx.Duration("heartbeat-timeout")),
	}
	switch s := ctx.String("on-heartbeat-failure"); s {
	case "exit":
		opts = append(opts, bridge.WithHeartbeatFailureHandler(bridge.HeartbeatFailureExit))
	case "none":
		// nothing
	default:
		return fmt.Errorf("unsupported on-heartbeat-failure %q", s)
	}

	attach := func(attachCtx context.Context, id string, reconnecting bool, stdin io.Reader, stdout, stderr io.Writer) error {
		l, err := newLauncher(ctx, log, id)
		if err != nil {
			return err
		}
		return proxy.Attach(attachCtx, l, reconnecting, stdin, stdout, stderr)
	}
	s := bridge.NewServer(attach, opts...)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		s.Stop()
	}()
	return s.Run()
}
