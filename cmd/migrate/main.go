package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/gofiber/fiber/v2/log"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/ManuelReschke/payhook/internal/pkg/database"
	"github.com/ManuelReschke/payhook/internal/pkg/env"
)

// migrator is the subset of *migrate.Migrate the commands use.
type migrator interface {
	Up() error
	Steps(n int) error
	Migrate(version uint) error
	Force(version int) error
	Version() (uint, bool, error)
}

var errUsage = errors.New("usage")

func main() {
	env.SetupEnvFile()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	source := "file://" + env.GetEnv("MIGRATIONS_PATH", "migrations")
	log.Infof("[Migrate] Connecting to %s@%s:%s/%s",
		env.GetEnv("DB_USER", ""), env.GetEnv("DB_HOST", "127.0.0.1"), env.GetEnv("DB_PORT", "3306"), env.GetEnv("DB_NAME", ""))

	m, err := migrate.New(source, "mysql://"+database.DSN()+"&multiStatements=true")
	if err != nil {
		log.Fatalf("[Migrate] Failed to initialize migrations from %s: %v", source, err)
	}

	err = run(m, os.Args[1:])
	if sourceErr, dbErr := m.Close(); sourceErr != nil || dbErr != nil {
		log.Warnf("[Migrate] Failed to close migration resources: %v, %v", sourceErr, dbErr)
	}
	if errors.Is(err, errUsage) {
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("[Migrate] %v", err)
	}
}

// run executes one command. ErrNoChange is reported, not treated as failure.
func run(m migrator, args []string) error {
	if len(args) == 0 {
		return errUsage
	}

	switch args[0] {
	case "up":
		return report(m.Up(), "Migrations applied", "Database is already up to date")

	case "down":
		if err := m.Steps(-1); err != nil {
			return fmt.Errorf("roll back last migration: %w", err)
		}
		log.Info("[Migrate] Rolled back the last migration")
		return nil

	case "goto":
		version, err := versionArg(args)
		if err != nil {
			return err
		}
		return report(m.Migrate(uint(version)),
			fmt.Sprintf("Migrated to version %d", version),
			fmt.Sprintf("Database is already at version %d", version))

	case "force":
		version, err := versionArg(args)
		if err != nil {
			return err
		}
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("force version %d: %w", version, err)
		}
		log.Infof("[Migrate] Forced version %d, dirty flag cleared", version)
		return nil

	case "status":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Info("[Migrate] No migrations have been applied yet")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read migration version: %w", err)
		}
		if dirty {
			log.Warnf("[Migrate] Current version %d is dirty, fix the schema and run force %d", version, version)
			return nil
		}
		log.Infof("[Migrate] Current version %d", version)
		return nil
	}
	return errUsage
}

func report(err error, applied, unchanged string) error {
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Info("[Migrate] " + unchanged)
		return nil
	case err != nil:
		return err
	}
	log.Info("[Migrate] " + applied)
	return nil
}

func versionArg(args []string) (uint64, error) {
	if len(args) < 2 {
		return 0, fmt.Errorf("%s needs a version number: %w", args[0], errUsage)
	}
	version, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", args[1], err)
	}
	return version, nil
}

func printUsage() {
	fmt.Println("Usage: migrate <command>")
	fmt.Println("Commands:")
	fmt.Println("  up      - apply all pending migrations")
	fmt.Println("  down    - roll back the last migration")
	fmt.Println("  goto N  - migrate to version N")
	fmt.Println("  force N - set version N and clear the dirty flag")
	fmt.Println("  status  - show the current migration version")
}
