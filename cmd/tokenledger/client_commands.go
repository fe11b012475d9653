package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/brojonat/tokenledger/client"
	"github.com/brojonat/tokenledger/service/ledger"
	natspkg "github.com/brojonat/tokenledger/service/nats"
	"github.com/urfave/cli/v2"
)

func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "HTTP client commands for the ledger read API",
		Subcommands: []*cli.Command{
			clientGetCommand(),
			clientListCommand(),
			clientScheduleCommand(),
			clientUnscheduleCommand(),
			clientStreamCommand(),
		},
	}
}

func newAPIClient(c *cli.Context) *client.Client {
	return client.NewClient(c.String("server-url"), nil, newLogger("error"))
}

func clientGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Fetch one transaction from the API",
		ArgsUsage: "SIGNATURE",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("signature is required")
			}

			txn, err := newAPIClient(c).GetTransaction(c.Context, c.Args().First())
			if errors.Is(err, client.ErrNotFound) {
				return fmt.Errorf("transaction not found: %s", c.Args().First())
			}
			if err != nil {
				return err
			}

			if wantJSON(c) {
				return printJSON(c, txn)
			}
			printRecordDetailed(os.Stdout, &txn.Record)
			return nil
		},
	}
}

func clientListCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Usage:   "List transactions from the API, newest first",
		Aliases: []string{"ls"},
		Flags: append(listFilterFlags(),
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of transactions to retrieve (1-1000)",
				Value:   20,
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Skip this many transactions",
			},
		),
		Action: func(c *cli.Context) error {
			opts := client.ListOptions{
				Limit:  c.Int("limit"),
				Offset: c.Int("offset"),
			}
			if raw := c.String("type"); raw != "" {
				t, err := ledger.ParseType(raw)
				if err != nil {
					return err
				}
				opts.Type = t
			}
			if since := c.Timestamp("since"); since != nil {
				opts.Since = *since
			}
			if until := c.Timestamp("until"); until != nil {
				opts.Until = *until
			}

			page, err := newAPIClient(c).ListTransactions(c.Context, opts)
			if err != nil {
				return err
			}

			if wantJSON(c) {
				return printJSON(c, page)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SIGNATURE\tTYPE\tTIMESTAMP\tTRACKED\tREFERENCE\tPROTOCOLS")
			for _, txn := range page.Transactions {
				printRecordRow(w, &txn.Record)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nShowing %d of %d transactions\n", page.Count, page.Total)
			return nil
		},
	}
}

func clientScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "schedule",
		Usage:     "Ask the server to ingest an address on a schedule",
		ArgsUsage: "ADDRESS",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "interval",
				Aliases: []string{"i"},
				Usage:   "Time between ingestion runs (server default when omitted)",
			},
			&cli.IntFlag{
				Name:    "target",
				Aliases: []string{"n"},
				Usage:   "Number of signatures to collect per run",
			},
			&cli.BoolFlag{
				Name:  "history",
				Usage: "Use the indexer's address history",
			},
			&cli.BoolFlag{
				Name:  "skip-existing",
				Usage: "Skip signatures that are already stored",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("address is required")
			}
			address := c.Args().First()

			opts := client.ScheduleOptions{Interval: c.Duration("interval")}
			if c.IsSet("target") {
				target := c.Int("target")
				opts.Target = &target
			}
			if c.IsSet("history") {
				history := c.Bool("history")
				opts.UseHistory = &history
			}
			if c.IsSet("skip-existing") {
				skip := c.Bool("skip-existing")
				opts.SkipExisting = &skip
			}

			if err := newAPIClient(c).Schedule(c.Context, address, opts); err != nil {
				return err
			}
			fmt.Printf("✓ Scheduled ingestion for %s\n", address)
			return nil
		},
	}
}

func clientUnscheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "unschedule",
		Usage:     "Stop scheduled ingestion for an address",
		ArgsUsage: "ADDRESS",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("address is required")
			}
			address := c.Args().First()

			if err := newAPIClient(c).Unschedule(c.Context, address); err != nil {
				return err
			}
			fmt.Printf("✓ Unscheduled ingestion for %s\n", address)
			return nil
		},
	}
}

func clientStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "stream",
		Usage: "Stream ledger events from the API via SSE",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "type",
				Aliases: []string{"t"},
				Usage:   "Only stream this type (Transfer, Swap, MultiSwap)",
			},
		},
		Action: func(c *cli.Context) error {
			u := c.String("server-url") + "/api/v1/stream/transactions"
			if t := c.String("type"); t != "" {
				u += "?type=" + url.QueryEscape(t)
			}

			ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}
			req.Header.Set("Accept", "text/event-stream")

			// No timeout for streaming
			resp, err := (&http.Client{}).Do(req)
			if err != nil {
				return fmt.Errorf("failed to connect to SSE endpoint: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned status %d", resp.StatusCode)
			}

			jsonOutput := wantJSON(c)
			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "Streaming ledger events... (Ctrl+C to stop)\n\n")
			}

			err = readSSE(resp.Body, func(event, data string) error {
				return handleSSEEvent(os.Stdout, event, data, jsonOutput)
			})
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("error reading SSE stream: %w", err)
			}
			return nil
		},
	}
}

// readSSE calls fn for every complete event frame in r.
func readSSE(r io.Reader, fn func(event, data string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var event, data string

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line indicates end of event
		if line == "" {
			if event != "" && data != "" {
				if err := fn(event, data); err != nil {
					return err
				}
			}
			event, data = "", ""
			continue
		}

		if strings.HasPrefix(line, "event:") {
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	return scanner.Err()
}

func handleSSEEvent(w io.Writer, eventType, data string, jsonOutput bool) error {
	switch eventType {
	case "connected":
		if !jsonOutput {
			var info map[string]string
			if err := json.Unmarshal([]byte(data), &info); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "✓ Subscribed to %s\n\n", info["subject"])
		}
		return nil

	case "transaction":
		var event natspkg.LedgerEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return err
		}
		if jsonOutput {
			fmt.Fprintln(w, data)
		} else {
			printLedgerEvent(w, &event)
		}
		return nil

	case "error":
		var errInfo map[string]string
		if err := json.Unmarshal([]byte(data), &errInfo); err != nil {
			return err
		}
		return fmt.Errorf("server error: %s", errInfo["error"])

	default:
		// Unknown event type, ignore
		return nil
	}
}

func printLedgerEvent(w io.Writer, event *natspkg.LedgerEvent) {
	action := "updated"
	if event.Inserted {
		action = "new"
	}
	fmt.Fprintf(w, "[%s] %s %s %s tracked=%s reference=%s\n",
		event.Timestamp.Format(time.RFC3339),
		action,
		event.Type,
		event.Signature,
		event.TrackedAmount.String(),
		event.ReferenceAmount.String(),
	)
}
