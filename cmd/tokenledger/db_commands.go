package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/brojonat/tokenledger/service/db"
	"github.com/brojonat/tokenledger/service/ledger"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create the transactions table and indexes if they do not exist",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.Migrate(c.Context); err != nil {
				return fmt.Errorf("failed to migrate: %w", err)
			}
			fmt.Println("✓ Schema is up to date")
			return nil
		},
	}
}

func getTransactionCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show one stored transaction",
		ArgsUsage: "SIGNATURE",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "include-raw",
				Usage: "Include the raw indexer payload",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("usage: db get SIGNATURE")
			}
			signature := c.Args().First()

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			rec, err := store.GetTransaction(c.Context, signature)
			if errors.Is(err, db.ErrNotFound) {
				return fmt.Errorf("transaction not found: %s", signature)
			}
			if err != nil {
				return fmt.Errorf("failed to get transaction: %w", err)
			}
			if !c.Bool("include-raw") {
				rec.RawPayload = nil
			}

			if wantJSON(c) {
				return printJSON(c, rec)
			}
			printRecordDetailed(os.Stdout, &rec.Record)
			fmt.Printf("Created At:     %s\n", rec.CreatedAt.Format(time.RFC3339))
			fmt.Printf("Updated At:     %s\n", rec.UpdatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

// listFilterFlags are shared by list and count.
func listFilterFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "type",
			Aliases: []string{"t"},
			Usage:   "Filter by type (Transfer, Swap, MultiSwap)",
		},
		&cli.TimestampFlag{
			Name:   "since",
			Usage:  "Only transactions at or after this time (RFC3339)",
			Layout: time.RFC3339,
		},
		&cli.TimestampFlag{
			Name:   "until",
			Usage:  "Only transactions before this time (RFC3339)",
			Layout: time.RFC3339,
		},
	}
}

func listParamsFromFlags(c *cli.Context) (db.ListTransactionsParams, error) {
	var params db.ListTransactionsParams
	if raw := c.String("type"); raw != "" {
		t, err := ledger.ParseType(raw)
		if err != nil {
			return params, err
		}
		params.Type = &t
	}
	params.Since = c.Timestamp("since")
	params.Until = c.Timestamp("until")
	return params, nil
}

func listTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Usage:   "List stored transactions, newest first",
		Aliases: []string{"ls"},
		Flags: append(listFilterFlags(),
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of transactions",
				Value:   50,
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Skip this many transactions",
			},
		),
		Action: func(c *cli.Context) error {
			params, err := listParamsFromFlags(c)
			if err != nil {
				return err
			}
			params.Limit = int32(c.Int("limit"))
			params.Offset = int32(c.Int("offset"))

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			records, err := store.ListTransactions(c.Context, params)
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}
			for _, rec := range records {
				rec.RawPayload = nil
			}

			if wantJSON(c) {
				if records == nil {
					records = []*db.StoredRecord{}
				}
				return printJSON(c, records)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SIGNATURE\tTYPE\tTIMESTAMP\tTRACKED\tREFERENCE\tPROTOCOLS")
			for _, rec := range records {
				printRecordRow(w, &rec.Record)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d transactions\n", len(records))
			return nil
		},
	}
}

func countTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "count",
		Usage: "Count stored transactions matching the filters",
		Flags: listFilterFlags(),
		Action: func(c *cli.Context) error {
			params, err := listParamsFromFlags(c)
			if err != nil {
				return err
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			count, err := store.CountTransactions(c.Context, params)
			if err != nil {
				return fmt.Errorf("failed to count transactions: %w", err)
			}

			if wantJSON(c) {
				return printJSON(c, map[string]int64{"count": count})
			}
			fmt.Println(count)
			return nil
		},
	}
}

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := db.NewStore(pool, nil)
	closer := func() { pool.Close() }

	return store, closer, nil
}

func printRecordRow(w io.Writer, rec *ledger.Record) {
	protocols := "-"
	if len(rec.Protocols) > 0 {
		protocols = strings.Join(rec.Protocols, ",")
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
		rec.Signature,
		rec.Type,
		rec.Timestamp.Format(time.RFC3339),
		rec.TrackedAmount.String(),
		rec.ReferenceAmount.String(),
		protocols,
	)
}

func printRecordDetailed(w io.Writer, rec *ledger.Record) {
	fmt.Fprintf(w, "Signature:      %s\n", rec.Signature)
	fmt.Fprintf(w, "Type:           %s\n", rec.Type)
	fmt.Fprintf(w, "Timestamp:      %s\n", rec.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "Success:        %t\n", rec.Success)
	fmt.Fprintf(w, "From:           %s\n", formatOptional(rec.FromWallet))
	fmt.Fprintf(w, "To:             %s\n", formatOptional(rec.ToWallet))
	fmt.Fprintf(w, "Tracked:        %s\n", rec.TrackedAmount.String())
	fmt.Fprintf(w, "Reference:      %s\n", rec.ReferenceAmount.String())
	if rec.OtherMint != nil {
		fmt.Fprintf(w, "Other:          %s (%s)\n", rec.OtherAmount.String(), *rec.OtherMint)
	}
	if len(rec.Protocols) > 0 {
		fmt.Fprintf(w, "Protocols:      %s\n", strings.Join(rec.Protocols, ", "))
	}
	if rec.ReferralFeeAccount != nil {
		fmt.Fprintf(w, "Referral Fee:   %s (%s)\n", rec.ReferralFeeAmount.String(), *rec.ReferralFeeAccount)
	}
	for i, hop := range rec.Hops {
		fmt.Fprintf(w, "Hop %d:          %s %s %s\n", i+1, hop.Direction, hop.Amount.String(), hop.Mint)
	}
	fmt.Fprintf(w, "Fee:            %s\n", rec.Fee.String())
}

// Helper function to format optional address
func formatOptional(addr *string) string {
	if addr != nil && *addr != "" {
		return *addr
	}
	return "(unknown)"
}
