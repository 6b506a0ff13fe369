package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"

	"github.com/joeycumines/go-kcore/internal/klog"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/urfave/cli"
)

// version is set at link time.
var version = "dev"

var runFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "config, c",
		Usage: "TOML config file, overlaid by the other flags",
	},
	cli.IntFlag{
		Name:  "cpus",
		Usage: "number of simulated processors",
	},
	cli.DurationFlag{
		Name:  "tick",
		Usage: "periodic timer tick interval",
	},
	cli.BoolFlag{
		Name:  "tickless",
		Usage: "program a one-shot timer per deadline instead of ticking",
	},
	cli.DurationFlag{
		Name:  "duration, d",
		Usage: "how long to run the workloads",
	},
	cli.StringFlag{
		Name:  "log-level",
		Usage: "one of trace, debug, info, notice, warning, err, crit, alert, emerg, disabled",
	},
	cli.StringFlag{
		Name:  "workload, w",
		Usage: "comma separated workloads: futex, pipe, sleep, disk",
	},
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "kcore"
	app.Usage = "boot the kernel core on the host clock and run workloads against it"
	app.Version = version
	app.HideVersion = true
	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "run workloads as user threads",
			Flags:  runFlags,
			Action: runCommand,
		},
		{
			Name:   "version",
			Usage:  "print the version",
			Action: versionCommand,
		},
	}
	return app
}

// configFromContext loads the config file, if any, and applies the flags
// that were set.
func configFromContext(c *cli.Context) (*Config, error) {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("cpus") {
		cfg.CPUs = c.Int("cpus")
	}
	if c.IsSet("tick") {
		cfg.Tick = c.Duration("tick")
	}
	if c.IsSet("tickless") {
		cfg.Tickless = c.Bool("tickless")
	}
	if c.IsSet("duration") {
		cfg.Duration = c.Duration("duration")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("workload") {
		cfg.Workloads = parseWorkloads(c.String("workload"))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newLogger(w io.Writer, level logiface.Level) klog.Logger {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}

func runCommand(c *cli.Context) error {
	cfg, err := configFromContext(c)
	if err != nil {
		return err
	}
	level, _ := parseLevel(cfg.LogLevel)
	logger := newLogger(c.App.ErrWriter, level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	x, err := run(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := printReport(c.App.Writer, x); err != nil {
		return err
	}
	return x.Err()
}

func versionCommand(c *cli.Context) error {
	v := c.App.Version
	if info, ok := debug.ReadBuildInfo(); ok && v == "dev" && info.Main.Version != "" {
		v = info.Main.Version
	}
	_, err := fmt.Fprintf(c.App.Writer, "%s %s (%s_%s)\n", c.App.Name, v, runtime.GOOS, runtime.GOARCH)
	return err
}
