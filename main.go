package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mickyco94/gamemon/internal/config"
	"github.com/mickyco94/gamemon/internal/executor"
	"github.com/mickyco94/gamemon/internal/logging"
	"github.com/mickyco94/gamemon/internal/runner"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// flagKeys maps command line flags to the settings they override
var flagKeys = map[string]string{
	"config":        "config",
	"poll-interval": "poll_interval",
	"shell":         "shell",
	"match-mode":    "match_mode",
	"scanner":       "scanner",
	"listen":        "listen",
	"log-level":     "log_level",
	"log-format":    "log_format",
	"log-file":      "log_file",
	"syslog":        "syslog",
}

func main() {
	app := &cli.App{
		Name:  "gamemon",
		Usage: "run commands when games start and stop",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "settings", Usage: "daemon settings file"},
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "entries file (.toml or .yaml)"},
			&cli.DurationFlag{Name: "poll-interval", Usage: "time between process scans"},
			&cli.StringFlag{Name: "shell", Usage: "shell used to run commands"},
			&cli.StringFlag{Name: "match-mode", Usage: "exact or contains"},
			&cli.StringFlag{Name: "scanner", Usage: "ps or gopsutil"},
			&cli.StringFlag{Name: "listen", Usage: "control server address"},
			&cli.StringFlag{Name: "log-level"},
			&cli.StringFlag{Name: "log-format", Usage: "text or json"},
			&cli.StringFlag{Name: "log-file"},
			&cli.BoolFlag{Name: "syslog"},
		},
		Action: run,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "start the watchdog (default)",
				Action: run,
			},
			{
				Name:   "check",
				Usage:  "validate the entries file",
				Action: check,
			},
			{
				Name:   "list",
				Usage:  "show entries and whether they are running",
				Action: list,
			},
			{
				Name:      "exec",
				Usage:     "run an entry's commands now",
				ArgsUsage: "<name> <start|end>",
				Action:    execute,
			},
			{
				Name:   "init",
				Usage:  "write an empty entries file",
				Action: initialise,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func settings(c *cli.Context) (*config.Settings, error) {
	overrides := map[string]any{}
	for flag, key := range flagKeys {
		if c.IsSet(flag) {
			overrides[key] = c.Value(flag)
		}
	}
	return config.LoadSettings(c.String("settings"), overrides)
}

func setup(c *cli.Context) (*config.Settings, *logrus.Logger, io.Closer, error) {
	s, err := settings(c)
	if err != nil {
		return nil, nil, nil, err
	}

	logger, closer, err := logging.New(logging.Options{
		Level:  s.LogLevel,
		Format: s.LogFormat,
		File:   s.LogFile,
		Syslog: s.Syslog,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	return s, logger, closer, nil
}

func run(c *cli.Context) error {
	s, logger, closer, err := setup(c)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithField("config", s.Config).Info("Starting gamemon")

	return runner.New(logger, s).Run(ctx)
}

func check(c *cli.Context) error {
	s, err := settings(c)
	if err != nil {
		return err
	}
	return runner.Check(s, c.App.Writer)
}

func list(c *cli.Context) error {
	s, logger, closer, err := setup(c)
	if err != nil {
		return err
	}
	defer closer.Close()

	return runner.List(c.Context, logger, s, c.App.Writer)
}

func execute(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("usage: gamemon exec <name> <start|end>", 2)
	}

	phase, err := executor.ParsePhase(c.Args().Get(1))
	if err != nil {
		return err
	}

	s, logger, closer, err := setup(c)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runner.Exec(ctx, logger, s, c.Args().Get(0), phase)
}

func initialise(c *cli.Context) error {
	s, err := settings(c)
	if err != nil {
		return err
	}
	return runner.Init(s, c.App.Writer)
}
