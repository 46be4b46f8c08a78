// Command migrate управляет схемой PostgreSQL витрины: up, down, redo, status.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
)

const (
	defaultTimeout = 30 * time.Second
	envPostgresDSN = "STOREFRONT_POSTGRES_DSN"
)

type command string

const (
	commandUp     command = "up"
	commandDown   command = "down"
	commandRedo   command = "redo"
	commandStatus command = "status"
)

type config struct {
	command command
	steps   int
	dsn     string
	timeout time.Duration
}

// schemaStore — то, что мигратору нужно от postgres.Store.
type schemaStore interface {
	MigrateUp(ctx context.Context, steps int) error
	MigrateDown(ctx context.Context, steps int) error
	MigrationStatus(ctx context.Context) (postgres.MigrationState, error)
	Close() error
}

var openStore = func(ctx context.Context, dsn string) (schemaStore, error) {
	return postgres.Open(ctx, dsn)
}

func main() {
	cfg, err := readConfig(os.Args[1:], os.Getenv(envPostgresDSN), os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fail("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	if err := run(ctx, cfg, os.Stdout); err != nil {
		cancel()
		fail("%v", err)
	}
}

func readConfig(args []string, envDSN string, output io.Writer) (config, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(output)

	var (
		direction string
		cfg       config
	)
	fs.StringVar(&direction, "direction", string(commandUp), "up|down|redo|status")
	fs.IntVar(&cfg.steps, "steps", 0, "migrations to apply (0 = all) or roll back (0 = one)")
	fs.StringVar(&cfg.dsn, "dsn", "", "PostgreSQL DSN (fallback: "+envPostgresDSN+")")
	fs.DurationVar(&cfg.timeout, "timeout", defaultTimeout, "overall deadline")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	cfg.command = command(strings.ToLower(strings.TrimSpace(direction)))
	switch cfg.command {
	case commandUp, commandDown, commandRedo, commandStatus:
	default:
		return config{}, fmt.Errorf("unsupported direction: %s (use up|down|redo|status)", direction)
	}
	if cfg.steps < 0 {
		return config{}, errors.New("steps must be >= 0")
	}
	if cfg.timeout <= 0 {
		return config{}, errors.New("timeout must be > 0")
	}
	if cfg.dsn = strings.TrimSpace(cfg.dsn); cfg.dsn == "" {
		cfg.dsn = strings.TrimSpace(envDSN)
	}
	if cfg.dsn == "" {
		return config{}, errors.New(envPostgresDSN + " (or -dsn) is required")
	}
	return cfg, nil
}

// run выполняет команду и печатает итоговое состояние схемы.
func run(ctx context.Context, cfg config, out io.Writer) error {
	store, err := openStore(ctx, cfg.dsn)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	if err := apply(ctx, store, cfg); err != nil {
		return err
	}

	state, err := store.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status failed: %w", err)
	}
	_, err = fmt.Fprintf(out, "migrate %s ok: version=%d applied=%d pending=%d\n",
		cfg.command, state.Version, state.Applied, state.Pending)
	return err
}

func apply(ctx context.Context, store schemaStore, cfg config) error {
	switch cfg.command {
	case commandUp:
		if err := store.MigrateUp(ctx, cfg.steps); err != nil {
			return fmt.Errorf("migrate up failed: %w", err)
		}
	case commandDown:
		if err := store.MigrateDown(ctx, cfg.steps); err != nil {
			return fmt.Errorf("migrate down failed: %w", err)
		}
	case commandRedo:
		steps := cfg.steps
		if steps == 0 {
			steps = 1
		}
		if err := store.MigrateDown(ctx, steps); err != nil {
			return fmt.Errorf("redo rollback failed: %w", err)
		}
		if err := store.MigrateUp(ctx, steps); err != nil {
			return fmt.Errorf("redo apply failed: %w", err)
		}
	}
	return nil
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
