package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/brojonat/tokenledger/service/config"
	"github.com/brojonat/tokenledger/service/ledger"
	natspkg "github.com/brojonat/tokenledger/service/nats"
	"github.com/brojonat/tokenledger/service/pipeline"
	"github.com/urfave/cli/v2"
)

func ingestCommand() *cli.Command {
	return &cli.Command{
		Name:  "ingest",
		Usage: "Run one ingestion pass in the foreground",
		Description: `Collects recent signatures for an address, fetches their parsed details,
normalizes them, and upserts the records. Configuration is read from the
environment; flags override it for this run.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "address",
				Aliases: []string{"a"},
				Usage:   "Address to ingest (defaults to TRACKED_ADDRESS)",
			},
			&cli.IntFlag{
				Name:    "target",
				Aliases: []string{"n"},
				Usage:   "Number of signatures to collect (defaults to FETCH_TARGET)",
			},
			&cli.BoolFlag{
				Name:  "history",
				Usage: "Use the indexer's address history instead of RPC pagination",
			},
			&cli.BoolFlag{
				Name:  "skip-existing",
				Usage: "Skip signatures that are already stored",
			},
			&cli.BoolFlag{
				Name:  "publish",
				Usage: "Publish ledger events to NATS",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if c.IsSet("address") {
				cfg.TrackedAddress = c.String("address")
			}
			if c.IsSet("target") {
				cfg.FetchTarget = c.Int("target")
			}
			if c.Bool("history") {
				cfg.Source = config.SourceHistory
			}
			if c.IsSet("skip-existing") {
				cfg.SkipExisting = c.Bool("skip-existing")
			}

			logger := newLogger(cfg.LogLevel)

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			var publisher natspkg.Publisher
			if c.Bool("publish") {
				p, err := natspkg.NewPublisher(cfg.NATSURL, nil, logger)
				if err != nil {
					return err
				}
				defer p.Close()
				publisher = p
			}

			ingester, err := pipeline.NewFromConfig(cfg, store, publisher, nil, logger)
			if err != nil {
				return err
			}

			report, err := ingester.Run(c.Context, pipeline.RunParamsFromConfig(cfg))
			if err != nil {
				return err
			}

			if wantJSON(c) {
				if err := printJSON(c, report); err != nil {
					return err
				}
			} else {
				fmt.Printf("Ingested %s\n", cfg.TrackedAddress)
				fmt.Printf("  %s\n", report.Summary())
				for _, sig := range report.Missing {
					fmt.Printf("  missing: %s\n", sig)
				}
				for _, e := range report.NormalizationErrors {
					fmt.Printf("  normalize: %v\n", e)
				}
				for _, e := range report.WriteErrors {
					fmt.Printf("  write: %v\n", e)
				}
			}

			if err := report.Err(); err != nil {
				return fmt.Errorf("ingestion incomplete: %w", err)
			}
			return nil
		},
	}
}

type normalizeOutput struct {
	Records []*ledger.Record   `json:"records"`
	Errors  []normalizeFailure `json:"errors"`
}

type normalizeFailure struct {
	Signature string `json:"signature"`
	Error     string `json:"error"`
}

func normalizeCommand() *cli.Command {
	return &cli.Command{
		Name:      "normalize",
		Usage:     "Normalize parsed transactions from a file without storing them",
		ArgsUsage: "[FILE]",
		Description: `Reads a JSON array of parsed transactions, or a single transaction object,
from FILE or stdin and prints the normalized records. Nothing touches the
network or the database.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "tracked-mint",
				Usage:   "Mint of the tracked asset",
				EnvVars: []string{"TRACKED_MINT"},
				Value:   ledger.DefaultTrackedMint,
			},
			&cli.StringFlag{
				Name:    "reference-mint",
				Usage:   "Mint of the reference asset",
				EnvVars: []string{"REFERENCE_MINT"},
				Value:   ledger.DefaultReferenceMint,
			},
			&cli.StringFlag{
				Name:    "protocol-patterns",
				Usage:   "Protocol detection patterns as Name=regexp;Name=regexp",
				EnvVars: []string{"PROTOCOL_PATTERNS"},
				Value:   ledger.DefaultProtocolPatterns,
			},
			&cli.StringFlag{
				Name:    "referral-vault-pattern",
				Usage:   "Pattern matching referral fee vault accounts",
				EnvVars: []string{"REFERRAL_VAULT_PATTERN"},
				Value:   ledger.DefaultReferralVaultPattern,
			},
			&cli.StringFlag{
				Name:    "timestamp-unit",
				Usage:   "Unit of the payload timestamp (s or ms)",
				EnvVars: []string{"TIMESTAMP_UNIT"},
				Value:   string(ledger.TimestampSeconds),
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Concurrent normalization workers",
				Value: 4,
			},
			&cli.BoolFlag{
				Name:  "include-raw",
				Usage: "Keep the raw payload on each record",
			},
		},
		Action: func(c *cli.Context) error {
			cfg := &config.Config{
				TrackedMint:          c.String("tracked-mint"),
				ReferenceMint:        c.String("reference-mint"),
				ProtocolPatterns:     c.String("protocol-patterns"),
				ReferralVaultPattern: c.String("referral-vault-pattern"),
				TimestampUnit:        c.String("timestamp-unit"),
			}
			opts, err := cfg.NormalizerOptions()
			if err != nil {
				return err
			}

			data, err := readInput(c.Args().First())
			if err != nil {
				return err
			}
			raws, err := parseRawInput(data)
			if err != nil {
				return err
			}

			out := normalizeTransactions(c.Context, ledger.NewNormalizer(opts), raws, c.Int("workers"), c.Bool("include-raw"))

			if wantJSON(c) {
				return printJSON(c, out)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SIGNATURE\tTYPE\tTIMESTAMP\tTRACKED\tREFERENCE\tPROTOCOLS")
			for _, rec := range out.Records {
				printRecordRow(w, rec)
			}
			w.Flush()

			for _, f := range out.Errors {
				fmt.Fprintf(os.Stderr, "failed %s: %s\n", f.Signature, f.Error)
			}
			fmt.Fprintf(os.Stderr, "\nNormalized: %d, failed: %d\n", len(out.Records), len(out.Errors))
			return nil
		},
	}
}

func normalizeTransactions(ctx context.Context, n *ledger.Normalizer, raws []ledger.RawTransaction, workers int, includeRaw bool) normalizeOutput {
	records, failures := n.NormalizeAll(ctx, raws, workers)
	out := normalizeOutput{Records: records, Errors: []normalizeFailure{}}
	if out.Records == nil {
		out.Records = []*ledger.Record{}
	}
	for _, f := range failures {
		out.Errors = append(out.Errors, normalizeFailure{Signature: f.Signature, Error: f.Err.Error()})
	}
	if !includeRaw {
		for _, rec := range out.Records {
			rec.RawPayload = nil
		}
	}
	return out
}

// readInput reads path, or stdin when path is empty or "-".
func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// parseRawInput accepts a JSON array of transactions or a single transaction
// object.
func parseRawInput(data []byte) ([]ledger.RawTransaction, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("input is empty")
	}

	if data[0] == '{' {
		return []ledger.RawTransaction{ledger.NewRawTransaction(data)}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("input must be a JSON array or object: %w", err)
	}
	raws := make([]ledger.RawTransaction, 0, len(items))
	for _, item := range items {
		raws = append(raws, ledger.NewRawTransaction(item))
	}
	return raws, nil
}

// loadConfig reads configuration from the environment after applying global
// flags that override it.
func loadConfig(c *cli.Context) (*config.Config, error) {
	for flag, env := range map[string]string{
		"database-url":        "DATABASE_URL",
		"nats-url":            "NATS_URL",
		"temporal-host":       "TEMPORAL_HOST",
		"temporal-namespace":  "TEMPORAL_NAMESPACE",
		"temporal-task-queue": "TEMPORAL_TASK_QUEUE",
	} {
		if c.IsSet(flag) {
			os.Setenv(env, c.String(flag))
		}
	}
	return config.Load()
}

func newLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
