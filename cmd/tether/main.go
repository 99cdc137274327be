package main

import (
	"log"
	"os"
	"path/filepath"

	"github.com/guseggert/tether/internal/version"
	"github.com/guseggert/tether/session"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:    "tether",
		Usage:   "persistent sessions that survive transport disconnects",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "state-dir",
				Usage:   "Directory holding per-session PID files and sockets. Defaults to $XDG_STATE_HOME/tether.",
				EnvVars: []string{"TETHER_STATE_DIR"},
			},
			&cli.StringFlag{
				Name:    "logs-dir",
				Usage:   "Directory holding server log files. Defaults to <state-dir>/logs.",
				EnvVars: []string{"TETHER_LOGS_DIR"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"TETHER_LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			runCommand,
			proxyCommand,
			bridgeCommand,
			{
				Name:  "version",
				Usage: "print the version",
				Action: func(ctx *cli.Context) error {
					_, err := ctx.App.Writer.Write([]byte(version.Version + "\n"))
					return err
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// dirs resolves the state and logs directories from the global flags.
func dirs(ctx *cli.Context) (session.Dirs, error) {
	d, err := session.DefaultDirs()
	if err != nil {
		return session.Dirs{}, err
	}
	if s := ctx.String("state-dir"); s != "" {
		d.StateDir = s
		d.LogsDir = filepath.Join(s, "logs")
	}
	if s := ctx.String("logs-dir"); s != "" {
		d.LogsDir = s
	}
	return d, nil
}
