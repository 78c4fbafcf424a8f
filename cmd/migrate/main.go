// Command migrate manages the sentinel database schema from the command line.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/volitrade/sentinel/internal/infra/persistence/migrations"
)

const (
	dsnEnv                = "SENTINEL_DB_DSN"
	defaultMigrationsPath = "db/migrations"
	defaultTimeout        = 30 * time.Second
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	dsn := fs.String("database", os.Getenv(dsnEnv), "PostgreSQL DSN, defaults to $"+dsnEnv)
	dir := fs.String("path", defaultMigrationsPath, "Directory containing SQL migrations")
	timeout := fs.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
	quiet := fs.Bool("quiet", false, "Suppress informational logs")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: migrate [flags] up | down [n] | status")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	cmd := fs.Arg(0)
	if cmd == "" {
		fs.Usage()
		return errors.New("command required")
	}
	if strings.TrimSpace(*dsn) == "" {
		return fmt.Errorf("database DSN required via -database or $%s", dsnEnv)
	}

	var logger *log.Logger
	if !*quiet {
		logger = log.New(os.Stdout, "sentinel-migrate ", log.LstdFlags)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch cmd {
	case "up":
		return migrations.Apply(ctx, *dsn, *dir, logger)
	case "down":
		steps := 1
		if raw := fs.Arg(1); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("invalid down steps %q: %w", raw, err)
			}
			steps = n
		}
		return migrations.Rollback(ctx, *dsn, *dir, steps, logger)
	case "status":
		version, dirty, err := migrations.Status(ctx, *dsn, *dir)
		if err != nil {
			return err
		}
		if version == 0 {
			fmt.Println("schema version: none")
			return nil
		}
		fmt.Printf("schema version: %d dirty=%t\n", version, dirty)
		return nil
	default:
		return fmt.Errorf("unknown command %q (expected up, down, or status)", cmd)
	}
}
