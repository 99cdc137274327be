package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/tether/internal/logging"
	"github.com/guseggert/tether/proxy"
	"github.com/guseggert/tether/session"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var proxyCommand = &cli.Command{
	Name:  "proxy",
	Usage: "attach stdio to a session server, starting it if needed",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "identifier",
			Usage:    "The session identifier.",
			Required: true,
		},
		&cli.BoolFlag{
			Name:  "reconnect",
			Usage: "Attach to an existing server and fail if there is none, instead of starting a fresh one.",
		},
		&cli.DurationFlag{
			Name:  "idle-timeout",
			Usage: "Idle timeout of a newly started server.",
		},
	},
	Action: runProxy,
}

func newLauncher(ctx *cli.Context, log *zap.SugaredLogger, id string) (*proxy.Launcher, error) {
	d, err := dirs(ctx)
	if err != nil {
		return nil, err
	}
	paths, err := session.New(d, id)
	if err != nil {
		return nil, err
	}
	spawner := &proxy.ExecSpawner{
		LogLevel:    ctx.String("log-level"),
		IdleTimeout: ctx.Duration("idle-timeout"),
	}
	return proxy.NewLauncher(log, paths, spawner), nil
}

func runProxy(ctx *cli.Context) error {
	level, err := logging.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return err
	}
	logger := logging.NewProxy(level)
	defer logger.Sync()
	log := logger.Sugar()

	l, err := newLauncher(ctx, log, ctx.String("identifier"))
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = proxy.Attach(sigCtx, l, ctx.Bool("reconnect"), os.Stdin, os.Stdout, os.Stderr)
	if errors.Is(err, proxy.ErrDetached) {
		log.Infof("proxy exiting: %s", err)
	} else {
		log.Errorf("proxy failed: %s", err)
	}
	return cli.Exit("", proxy.ExitCode(err))
}
