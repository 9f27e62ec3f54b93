package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"github.com/webitel/event-stream-service/config"
)

const (
	ServiceName      = "event-stream-service"
	ServiceNamespace = "webitel"

	startTimeout = 15 * time.Second
	stopTimeout  = 15 * time.Second
)

var (
	version        = "0.0.0"
	commit         = "hash"
	commitDate     = time.Now().String()
	branch         = "branch"
	buildTimestamp = ""
)

func Run() error {
	app := &cli.App{
		Name:    ServiceName,
		Usage:   "Server-Sent Events broadcaster",
		Version: fmt.Sprintf("%s (%s@%s, %s) %s", version, branch, commit, commitDate, buildTimestamp),
		Commands: []*cli.Command{
			serverCmd(),
			topCmd(),
			publishCmd(),
		},
	}

	return app.Run(os.Args)
}

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config_file",
		Usage:   "Path to the configuration file (json, yaml or toml)",
		EnvVars: []string{config.EnvPrefix + "_CONFIG_FILE"},
	}
}

// loadConfig maps the CLI flags onto the config overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	overrides := config.Flags()
	if c.IsSet("port") {
		if err := overrides.Set("server.port", strconv.Itoa(c.Int("port"))); err != nil {
			return nil, err
		}
	}
	if c.IsSet("log-level") {
		if err := overrides.Set("log.level", c.String("log-level")); err != nil {
			return nil, err
		}
	}
	return config.LoadConfig(c.String("config_file"), overrides)
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Run the SSE server",
		Flags: []cli.Flag{
			configFlag(),
			&cli.IntFlag{
				Name:  "port",
				Usage: "SSE listen port",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			app := NewApp(cfg)

			startCtx, cancel := context.WithTimeout(c.Context, startTimeout)
			defer cancel()
			if err := app.Start(startCtx); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("Shutting down...")
			stopCtx, cancelStop := context.WithTimeout(context.Background(), stopTimeout)
			defer cancelStop()
			return app.Stop(stopCtx)
		},
	}
}
