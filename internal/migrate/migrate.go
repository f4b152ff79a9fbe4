package migrate

import (
	"database/sql"
	"fmt"
	"io/fs"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

// Dir is where the .sql files sit inside the migrations FS.
const Dir = "migrations"

// Up applies all pending migrations from fsys.
//
// It returns an error (no log.Fatal) so the caller can decide how to handle it.
func Up(dbURL string, fsys fs.FS, log zerolog.Logger) error {
	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return fmt.Errorf("migrations: open db: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("database close error")
		}
	}()

	goose.SetBaseFS(fsys)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("migrations: set dialect: %w", err)
	}

	log.Info().Str("dir", Dir).Msg("running database migrations")
	if err := goose.Up(db, Dir); err != nil {
		return fmt.Errorf("migrations: goose up: %w", err)
	}

	v, err := goose.GetDBVersion(db)
	if err != nil {
		return fmt.Errorf("migrations: version: %w", err)
	}
	log.Info().Int64("version", v).Msg("database migrations applied")
	return nil
}
