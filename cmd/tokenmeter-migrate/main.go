package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tokenmeter/pkg/storage/postgres"
)

var dbURL = flag.String("db-url", os.Getenv("TOKENMETER_POSTGRES_URL"), "PostgreSQL connection URL")

func main() {
	flag.Usage = printUsage
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}
	if *dbURL == "" {
		log.Fatal("No database URL: set -db-url or TOKENMETER_POSTGRES_URL")
	}

	mg, err := postgres.NewMigrator(*dbURL)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize migrations")
	}
	defer func() {
		if err := mg.Close(); err != nil {
			log.WithError(err).Warn("Failed to close migration resources")
		}
	}()

	if err := execute(mg, log, flag.Args()); err != nil {
		log.WithError(err).Error("Migration failed")
		mg.Close()
		os.Exit(1)
	}
}

func execute(mg *postgres.Migrator, log *logrus.Logger, args []string) error {
	switch args[0] {
	case "up":
		if err := mg.Up(); err != nil {
			return err
		}
		log.Info("Migrations applied")

	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid step count %q: %w", args[1], err)
			}
			steps = n
		}
		if err := mg.Down(steps); err != nil {
			return err
		}
		log.WithField("steps", steps).Info("Migrations rolled back")

	case "goto":
		if len(args) < 2 {
			return fmt.Errorf("goto needs a version")
		}
		version, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], err)
		}
		if err := mg.Goto(uint(version)); err != nil {
			return err
		}
		log.WithField("version", version).Info("Migrated to version")

	case "status":
		version, dirty, ok, err := mg.Version()
		if err != nil {
			return err
		}
		if !ok {
			log.Info("No migrations applied yet")
			return nil
		}
		log.WithFields(logrus.Fields{"version": version, "dirty": dirty}).Info("Current migration version")

	default:
		printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
	return nil
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: tokenmeter-migrate [-db-url URL] <command>")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  up        apply all pending migrations")
	fmt.Fprintln(os.Stderr, "  down [N]  roll back N migrations (default 1)")
	fmt.Fprintln(os.Stderr, "  goto V    migrate to version V")
	fmt.Fprintln(os.Stderr, "  status    print the current version")
}
