package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/guseggert/tether/daemon"
	"github.com/guseggert/tether/envelope"
	"github.com/guseggert/tether/gc"
	"github.com/guseggert/tether/hostapp"
	"github.com/guseggert/tether/internal/logging"
	"github.com/guseggert/tether/internal/version"
	"github.com/guseggert/tether/pidfile"
	"github.com/guseggert/tether/session"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "run the session server (started by the proxy)",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "log-file", Required: true},
		&cli.StringFlag{Name: "pid-file", Required: true},
		&cli.StringFlag{Name: "stdin-socket", Required: true},
		&cli.StringFlag{Name: "stdout-socket", Required: true},
		&cli.StringFlag{Name: "stderr-socket", Required: true},
		&cli.DurationFlag{
			Name:  "idle-timeout",
			Usage: "Exit after this long without an attached proxy.",
			Value: daemon.DefaultIdleTimeout,
		},
	},
	Action: runServer,
}

func runServer(ctx *cli.Context) error {
	level, err := logging.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return err
	}
	paths := session.Paths{
		PIDFile:          ctx.String("pid-file"),
		InputSocket:      ctx.String("stdin-socket"),
		OutputSocket:     ctx.String("stdout-socket"),
		DiagnosticSocket: ctx.String("stderr-socket"),
		LogFile:          ctx.String("log-file"),
	}
	paths.Identifier = filepath.Base(filepath.Dir(paths.PIDFile))

	srvLog, err := logging.NewServer(paths.LogFile, level)
	if err != nil {
		return err
	}
	defer srvLog.Close()
	log := srvLog.Logger.Sugar().With("Session", paths.Identifier)

	pid := os.Getpid()
	log.Infof("starting server with PID %d, version %s", pid, version.Version)

	if err := pidfile.New(log).Write(paths.PIDFile, pid); err != nil {
		log.Errorf("error writing PID file: %s", err)
		return err
	}
	listeners, err := daemon.Listen(paths)
	if err != nil {
		log.Errorf("error binding sockets: %s", err)
		_, _ = pidfile.RemoveIfOwner(paths.PIDFile, pid)
		return err
	}

	go collectGarbage(log)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = serveSession(sigCtx, srvLog, listeners, ctx.Duration("idle-timeout"), hostapp.New(log).Serve)
	cleanup(log, paths, pid)

	if errors.Is(err, daemon.ErrIdleTimeout) {
		return nil
	}
	return err
}

type serveFunc func(ctx context.Context, incoming <-chan envelope.Envelope, outgoing chan<- envelope.Envelope) error

// serveSession runs the daemon and the hosted app until the daemon stops.
// The app's context is cancelled with daemon.ErrIdleTimeout when the daemon gives up waiting for a proxy.
func serveSession(ctx context.Context, srvLog *logging.Server, listeners *daemon.Listeners, idleTimeout time.Duration, serve serveFunc) error {
	appCtx, cancelApp := context.WithCancelCause(ctx)
	defer cancelApp(nil)

	d := daemon.New(listeners,
		daemon.WithLogger(srvLog.Logger),
		daemon.WithLogStream(srvLog.Tee.Chunks()),
		daemon.WithIdleTimeout(idleTimeout),
		daemon.WithIdleHandler(func() { cancelApp(daemon.ErrIdleTimeout) }),
	)
	appDone := make(chan error, 1)
	go func() {
		appDone <- serve(appCtx, d.Incoming(), d.Outgoing())
	}()

	err := d.Run(ctx)
	cancelApp(nil)
	if appErr := <-appDone; appErr != nil {
		srvLog.Logger.Sugar().Warnf("app exited with error: %s", appErr)
	}
	return err
}

// cleanup removes the session files unless a newer server has already taken the session over.
func cleanup(log *zap.SugaredLogger, paths session.Paths, pid int) {
	owner, err := pidfile.RemoveIfOwner(paths.PIDFile, pid)
	if err != nil {
		log.Warnf("error removing PID file: %s", err)
		return
	}
	if !owner {
		log.Info("PID file belongs to another server, leaving session files")
		return
	}
	if err := paths.RemoveSockets(); err != nil {
		log.Warnf("error removing sockets: %s", err)
	}
	log.Info("server exited")
}

func collectGarbage(log *zap.SugaredLogger) {
	exe, err := os.Executable()
	if err != nil {
		log.Warnf("error finding executable for binary cleanup: %s", err)
		return
	}
	if err := gc.New(log, filepath.Dir(exe), version.Semver()).Run(); err != nil {
		log.Warnf("error cleaning up old server binaries: %s", err)
	}
}
