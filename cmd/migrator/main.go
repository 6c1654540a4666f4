package main

import (
	"database/sql"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/technosupport/ts-vms/internal/config"
)

// migrator applies or rolls back the Postgres audit mirror schema
// (db/migrations) using the same AUDIT_MIRROR_DSN / config.yaml
// connection string the relay server's optional mirror indexer
// connects with, so schema and server never drift onto two different
// databases by accident.
func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	upCmd := flag.Bool("up", false, "run all pending up migrations")
	downCmd := flag.Bool("down", false, "roll back all migrations")
	stepsCmd := flag.Int("steps", 0, "run N migrations forward, or -N back")
	sourceDir := flag.String("source", "file://db/migrations", "migration source URL")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", "error", err)
		os.Exit(1)
	}
	if cfg.Postgres.DSN == "" {
		log.Error("postgres.dsn (or AUDIT_MIRROR_DSN) is required to run migrations")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Error("database open failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Error("migrate driver init failed", "error", err)
		os.Exit(1)
	}

	m, err := migrate.NewWithDatabaseInstance(*sourceDir, "postgres", driver)
	if err != nil {
		log.Error("migrate init failed", "error", err)
		os.Exit(1)
	}

	start := time.Now()
	switch {
	case *upCmd:
		log.Info("running up migrations")
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			log.Error("up migration failed", "error", err)
			os.Exit(1)
		}
	case *downCmd:
		log.Info("rolling back all migrations")
		if err := m.Down(); err != nil && err != migrate.ErrNoChange {
			log.Error("down migration failed", "error", err)
			os.Exit(1)
		}
	case *stepsCmd != 0:
		log.Info("running migration steps", "steps", *stepsCmd)
		if err := m.Steps(*stepsCmd); err != nil && err != migrate.ErrNoChange {
			log.Error("step migration failed", "error", err)
			os.Exit(1)
		}
	default:
		version, dirty, err := m.Version()
		if err != nil {
			log.Info("no migration version recorded (empty database?)")
		} else {
			log.Info("current migration state", "version", version, "dirty", dirty)
		}
	}
	log.Info("migrator finished", "duration", time.Since(start).String())
}
