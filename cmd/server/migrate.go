package main

import (
	"errors"

	"example.com/scorebridge/db"
	"example.com/scorebridge/internal/migrate"
	"github.com/urfave/cli/v2"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "apply the embedded postgres migrations and exit",
		Action: func(c *cli.Context) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			if cfg.Store != "postgres" {
				return errors.New("migrate needs store=postgres")
			}
			return migrate.Up(cfg.Postgres.URL, db.Migrations, log)
		},
	}
}
