package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"dmrelay/cmd/internal/app"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
)

type flags struct {
	EnvFile   string
	Addr      string
	LogLevel  string
	LogFormat string
	Store     string

	cfg app.Config
	log app.Logger
}

func main() {
	f := &flags{}

	cmd := &cli.Command{
		Name:    "dmrelay",
		Usage:   "Real-time direct-messaging relay",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "env-file",
				Usage:       "dotenv file loaded before reading RELAY_* variables (missing file is ignored)",
				Value:       ".env",
				Destination: &f.EnvFile,
			},
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address (overrides RELAY_HTTP_ADDR)",
				Destination: &f.Addr,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error); overrides RELAY_LOG_LEVEL",
				Destination: &f.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "log format (json, pretty); overrides RELAY_LOG_FORMAT",
				Destination: &f.LogFormat,
			},
			&cli.StringFlag{
				Name:        "store",
				Usage:       "persistence backend (memory, postgres, mongo); overrides RELAY_STORE",
				Destination: &f.Store,
			},
		},
		Before: f.load,
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Apply migrations and run the HTTP and WebSocket server",
				Action: func(ctx context.Context, _ *cli.Command) error {
					return app.Serve(ctx, f.cfg, f.log)
				},
			},
			{
				Name:  "migrate",
				Usage: "Apply the Postgres schema or Mongo indexes and exit",
				Action: func(ctx context.Context, _ *cli.Command) error {
					return app.Migrate(ctx, f.cfg, f.log)
				},
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() > 0 {
				return fmt.Errorf("unknown command %q. Run 'dmrelay --help' for usage", c.Args().First())
			}
			return app.Serve(ctx, f.cfg, f.log)
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "dmrelay:", err)
		os.Exit(1)
	}
}

// load runs before any command: .env first, then RELAY_* variables, then flags.
func (f *flags) load(ctx context.Context, c *cli.Command) (context.Context, error) {
	if err := app.LoadEnvFiles(!c.IsSet("env-file"), f.EnvFile); err != nil {
		return ctx, fmt.Errorf("load env file: %w", err)
	}

	cfg := app.LoadConfig()
	if f.Addr != "" {
		cfg.HTTPAddr = f.Addr
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if f.LogFormat != "" {
		cfg.LogFormat = f.LogFormat
	}
	if f.Store != "" {
		cfg.Store = strings.ToLower(strings.TrimSpace(f.Store))
	}
	if err := cfg.Validate(); err != nil {
		return ctx, err
	}

	f.cfg = cfg
	f.log = app.NewLogger(cfg.LogLevel, cfg.LogFormat)
	return ctx, nil
}
