package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"syscall"
	"text/tabwriter"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/fabrica-dev/fabrica/internal/adapter/postgres"
	"github.com/fabrica-dev/fabrica/internal/config"
)

// runAdmin dispatches admin subcommands (hash-key, list-projects, migrate).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "hash-key":
		return runAdminHashKey(args[1:])
	case "list-projects":
		return runAdminListProjects(args[1:])
	case "migrate":
		return runAdminMigrate(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: fabrica admin <command> [options]

Commands:
  hash-key         Generate a bcrypt hash for an API key
  list-projects    List all projects
  migrate          Manage database migrations (up, rollback, version)
  help             Show this help message

Examples:
  fabrica admin hash-key
  fabrica admin hash-key --key my-secret-key
  fabrica admin list-projects
  fabrica admin migrate up
  fabrica admin migrate rollback --steps 1
  fabrica admin migrate version
`)
}

func loadAdminStore() (*postgres.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	cleanup := func() {
		pool.Close()
	}
	return postgres.NewStore(pool), cleanup, nil
}

// runAdminHashKey prints a bcrypt hash suitable for auth.api_key_hash or
// the FABRICA_API_KEY_HASH environment variable.
func runAdminHashKey(args []string) error {
	fs := flag.NewFlagSet("hash-key", flag.ContinueOnError)
	key := fs.String("key", "", "API key to hash (prompted if not provided)") //nolint:gosec // CLI flag
	if err := fs.Parse(args); err != nil {
		return err
	}

	apiKey := *key
	if apiKey == "" {
		var err error
		apiKey, err = promptSecret("API key: ")
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
		confirm, err := promptSecret("Confirm API key: ")
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
		if apiKey != confirm {
			return fmt.Errorf("keys do not match")
		}
	}
	if apiKey == "" {
		return fmt.Errorf("key must not be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash key: %w", err)
	}

	// Hash on stdout so it can be piped into config tooling.
	fmt.Println(string(hash))
	return nil
}

func runAdminListProjects(args []string) error {
	fs := flag.NewFlagSet("list-projects", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, cleanup, err := loadAdminStore()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	projects, err := st.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}

	if len(projects) == 0 {
		fmt.Println("No projects found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tITERATIONS\tCOST_USD\tGOAL")
	for i := range projects {
		goal := projects[i].Goal
		if len(goal) > 60 {
			goal = goal[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%.4f\t%s\n",
			projects[i].ID, projects[i].Status, projects[i].Metrics.Iterations, projects[i].Metrics.CostUSD, goal)
	}
	return w.Flush()
}

func runAdminMigrate(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("migrate requires a subcommand: up, rollback or version")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := context.Background()

	switch args[0] {
	case "up":
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		fmt.Fprintln(os.Stderr, "Migrations applied")
		return nil
	case "rollback":
		fs := flag.NewFlagSet("rollback", flag.ContinueOnError)
		steps := fs.Int("steps", 1, "number of migrations to roll back")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if err := postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, *steps); err != nil {
			return fmt.Errorf("migrate rollback: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Rolled back %d migration(s)\n", *steps)
		return nil
	case "version":
		v, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("migrate version: %w", err)
		}
		fmt.Println(v)
		return nil
	default:
		return fmt.Errorf("unknown migrate subcommand: %s", args[0])
	}
}

// promptSecret reads a value from the terminal without echoing.
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)                         // newline after secret input
	if err != nil {
		return "", err
	}
	return string(b), nil
}
