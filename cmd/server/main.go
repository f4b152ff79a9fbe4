package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"example.com/scorebridge/internal/app"
	"example.com/scorebridge/internal/config"
	"example.com/scorebridge/internal/logging"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cliApp := &cli.App{
		Name:  "scorebridge-server",
		Usage: "match directory and scoring bus",
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
		},
		DefaultCommand: "serve",
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	log, err := logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, log.With().Str("env", cfg.Env).Logger(), nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the HTTP API and the bus broker",
		Action: func(c *cli.Context) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			if err := a.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			log.Info().Msg("stopped")
			return nil
		},
	}
}
