package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "tokenledger",
		Usage: "TBALL token ledger ingestion and inspection CLI",
		Description: `A command-line tool for running and inspecting the token ledger.

Use this CLI to run one-shot ingestions, normalize raw transactions offline,
inspect stored records, and manage Temporal ingestion schedules.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Before: func(c *cli.Context) error {
			if path := c.String("env-file"); path != "" {
				if err := godotenv.Load(path); err != nil {
					return fmt.Errorf("failed to load env file %s: %w", path, err)
				}
			}
			return nil
		},
		Commands: []*cli.Command{
			ingestCommand(),
			normalizeCommand(),
			// Database inspection commands
			{
				Name:  "db",
				Usage: "Database commands",
				Subcommands: []*cli.Command{
					migrateCommand(),
					getTransactionCommand(),
					listTransactionsCommand(),
					countTransactionsCommand(),
				},
			},
			// Temporal management commands
			{
				Name:  "temporal",
				Usage: "Temporal schedule and workflow commands",
				Subcommands: []*cli.Command{
					listSchedulesCommand(),
					createScheduleCommand(),
					deleteScheduleCommand(),
					runWorkflowCommand(),
				},
			},
			// NATS event commands
			{
				Name:  "nats",
				Usage: "NATS ledger event commands",
				Subcommands: []*cli.Command{
					subscribeCommand(),
					inspectStreamCommand(),
				},
			},
			// Client commands (HTTP API)
			clientCommands(),
			// Server utility commands
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load environment variables from this file before running",
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "temporal-host",
				Usage:   "Temporal server address",
				EnvVars: []string{"TEMPORAL_HOST"},
				Value:   "localhost:7233",
			},
			&cli.StringFlag{
				Name:    "temporal-namespace",
				Usage:   "Temporal namespace",
				EnvVars: []string{"TEMPORAL_NAMESPACE"},
				Value:   "default",
			},
			&cli.StringFlag{
				Name:    "temporal-task-queue",
				Usage:   "Temporal task queue the worker polls",
				EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
				Value:   "tokenledger-ingest",
			},
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "Read API base URL",
				EnvVars: []string{"SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
			&cli.StringFlag{
				Name:  "jq",
				Usage: "Apply a jq filter to JSON output (implies --json)",
			},
		},
	}
}
