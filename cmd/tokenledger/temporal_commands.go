package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/brojonat/tokenledger/service/temporal"
	"github.com/urfave/cli/v2"
	"go.temporal.io/sdk/client"
)

func listSchedulesCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-schedules",
		Usage:   "List ingestion schedules",
		Aliases: []string{"ls"},
		Action: func(c *cli.Context) error {
			temporalClient, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			iter, err := temporalClient.ScheduleClient().List(c.Context, client.ScheduleListOptions{
				PageSize: 100,
			})
			if err != nil {
				return fmt.Errorf("failed to list schedules: %w", err)
			}

			var ids []string
			for iter.HasNext() {
				schedule, err := iter.Next()
				if err != nil {
					return fmt.Errorf("failed to iterate schedules: %w", err)
				}
				if strings.HasPrefix(schedule.ID, temporal.ScheduleIDPrefix) {
					ids = append(ids, schedule.ID)
				}
			}

			if wantJSON(c) {
				if ids == nil {
					ids = []string{}
				}
				return printJSON(c, ids)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SCHEDULE ID")
			for _, id := range ids {
				fmt.Fprintf(w, "%s\n", id)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d schedules\n", len(ids))
			return nil
		},
	}
}

func ingestInputFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:    "target",
			Aliases: []string{"n"},
			Usage:   "Number of signatures to collect per run",
			EnvVars: []string{"FETCH_TARGET"},
			Value:   20,
		},
		&cli.BoolFlag{
			Name:  "history",
			Usage: "Use the indexer's address history instead of RPC pagination",
		},
		&cli.BoolFlag{
			Name:    "skip-existing",
			Usage:   "Skip signatures that are already stored",
			EnvVars: []string{"SKIP_EXISTING"},
		},
	}
}

func ingestInputFromFlags(c *cli.Context, address string) temporal.IngestInput {
	return temporal.IngestInput{
		Address:      address,
		Target:       c.Int("target"),
		UseHistory:   c.Bool("history"),
		SkipExisting: c.Bool("skip-existing"),
	}
}

func createScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "create-schedule",
		Usage:     "Create or update the ingestion schedule for an address",
		Aliases:   []string{"create"},
		ArgsUsage: "<address>",
		Flags: append(ingestInputFlags(),
			&cli.DurationFlag{
				Name:    "interval",
				Aliases: []string{"i"},
				Usage:   "Time between ingestion runs",
				EnvVars: []string{"INGEST_INTERVAL"},
				Value:   15 * time.Minute,
			},
		),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("address is required")
			}
			input := ingestInputFromFlags(c, c.Args().First())

			tc, err := getLedgerTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.UpsertIngestSchedule(c.Context, input, c.Duration("interval")); err != nil {
				return err
			}

			fmt.Printf("✓ Schedule for %s runs every %s (target %d)\n", input.Address, c.Duration("interval"), input.Target)
			return nil
		},
	}
}

func deleteScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete-schedule",
		Usage:     "Delete the ingestion schedule for an address",
		Aliases:   []string{"rm"},
		ArgsUsage: "<address>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("address is required")
			}
			address := c.Args().First()

			tc, err := getLedgerTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.DeleteIngestSchedule(c.Context, address); err != nil {
				return err
			}
			fmt.Printf("✓ Deleted schedule for %s\n", address)
			return nil
		},
	}
}

func runWorkflowCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Run one ingestion workflow now and wait for the result",
		ArgsUsage: "<address>",
		Flags: append(ingestInputFlags(),
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "How long to wait for the workflow",
				Value: 15 * time.Minute,
			},
		),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("address is required")
			}
			input := ingestInputFromFlags(c, c.Args().First())

			tc, err := getLedgerTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			result, err := tc.RunIngest(ctx, input)
			if err != nil {
				return err
			}

			if wantJSON(c) {
				return printJSON(c, result)
			}

			s := result.Summary
			fmt.Printf("Address:    %s\n", result.Address)
			fmt.Printf("Collected:  %d\n", result.Collected)
			fmt.Printf("Skipped:    %d\n", s.Skipped)
			fmt.Printf("Fetched:    %d\n", s.Fetched)
			fmt.Printf("Inserted:   %d\n", s.Inserted)
			fmt.Printf("Updated:    %d\n", s.Updated)
			if result.CollectError != "" {
				fmt.Printf("Collect:    %s\n", result.CollectError)
			}
			for _, sig := range s.Missing {
				fmt.Printf("Missing:    %s\n", sig)
			}
			for _, f := range s.Failures {
				fmt.Printf("Failed:     %s (%s): %s\n", f.Signature, f.Stage, f.Error)
			}
			if result.Error != nil {
				return fmt.Errorf("ingestion incomplete: %s", *result.Error)
			}
			return nil
		},
	}
}

// getLedgerTemporalClient connects the schedule-aware client.
func getLedgerTemporalClient(c *cli.Context) (*temporal.Client, error) {
	return temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("temporal-task-queue"),
		newLogger("warn"),
	)
}

// Helper function to connect to Temporal
func getTemporalClient(c *cli.Context) (client.Client, error) {
	temporalClient, err := client.Dial(client.Options{
		HostPort:  c.String("temporal-host"),
		Namespace: c.String("temporal-namespace"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}
	return temporalClient, nil
}
