package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/brojonat/tokenledger/service/ledger"
	natspkg "github.com/brojonat/tokenledger/service/nats"
	"github.com/itchyny/gojq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// subscribeCommand streams ledger events straight from JetStream.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:  "subscribe",
		Usage: "Subscribe to ledger events",
		Description: `Subscribe to ledger events published to NATS JetStream.

Events are published to ledger.{type}, e.g. ledger.swap. Without --type every
event is delivered. --where keeps only events for which the jq expression is
truthy.

Example:
  tokenledger nats subscribe --type Swap --where '.tracked_asset_amount | tonumber > 1000'`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "type",
				Aliases: []string{"t"},
				Usage:   "Only deliver this type (Transfer, Swap, MultiSwap)",
			},
			&cli.StringFlag{
				Name:  "where",
				Usage: "jq predicate an event must satisfy",
			},
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "tokenledger-cli",
			},
		},
		Action: func(c *cli.Context) error {
			subject := natspkg.StreamSubjects
			if raw := c.String("type"); raw != "" {
				t, err := ledger.ParseType(raw)
				if err != nil {
					return err
				}
				subject = natspkg.SubjectForType(t)
			}

			var where *gojq.Code
			if filter := c.String("where"); filter != "" {
				code, err := compileJQ(filter)
				if err != nil {
					return err
				}
				where = code
			}

			nc, err := nats.Connect(c.String("nats-url"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			consumerConfig := jetstream.ConsumerConfig{
				FilterSubject: subject,
				AckPolicy:     jetstream.AckExplicitPolicy,
				DeliverPolicy: jetstream.DeliverNewPolicy,
			}
			if c.Bool("durable") {
				consumerConfig.Durable = c.String("consumer-name")
				consumerConfig.Name = c.String("consumer-name")
			}

			ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cons, err := js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, consumerConfig)
			if err != nil {
				return fmt.Errorf("failed to create consumer: %w", err)
			}

			jsonOutput := wantJSON(c)
			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "Subscribing to: %s\n", subject)
				fmt.Fprintf(os.Stderr, "Waiting for events... (Ctrl-C to exit)\n\n")
			}

			msgChan := make(chan jetstream.Msg, 10)
			cc, err := cons.Consume(func(msg jetstream.Msg) {
				select {
				case msgChan <- msg:
				case <-ctx.Done():
				}
			})
			if err != nil {
				return fmt.Errorf("failed to start consuming: %w", err)
			}
			defer cc.Stop()

			count := 0
			for {
				select {
				case msg := <-msgChan:
					msg.Ack()

					var event natspkg.LedgerEvent
					if err := json.Unmarshal(msg.Data(), &event); err != nil {
						fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
						continue
					}
					if where != nil {
						var generic interface{}
						if err := json.Unmarshal(msg.Data(), &generic); err != nil || !matchesJQ(where, generic) {
							continue
						}
					}

					count++
					if jsonOutput {
						fmt.Println(string(msg.Data()))
					} else {
						printLedgerEvent(os.Stdout, &event)
					}

				case <-ctx.Done():
					if !jsonOutput {
						fmt.Fprintf(os.Stderr, "\nReceived %d events\n", count)
					}
					return nil
				}
			}
		},
	}
}

// inspectStreamCommand shows information about the ledger stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the LEDGER JetStream stream",
		Action: func(c *cli.Context) error {
			nc, err := nats.Connect(c.String("nats-url"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			stream, err := js.Stream(c.Context, natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}

			info, err := stream.Info(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			if wantJSON(c) {
				return printJSON(c, info)
			}

			fmt.Printf("Stream: %s\n", info.Config.Name)
			fmt.Printf("─────────────────────────────────────────────────────\n")
			fmt.Printf("Description:  %s\n", info.Config.Description)
			fmt.Printf("Subjects:     %v\n", info.Config.Subjects)
			fmt.Printf("Messages:     %d\n", info.State.Msgs)
			fmt.Printf("Bytes:        %d\n", info.State.Bytes)
			fmt.Printf("First Seq:    %d\n", info.State.FirstSeq)
			fmt.Printf("Last Seq:     %d\n", info.State.LastSeq)
			fmt.Printf("Consumers:    %d\n", info.State.Consumers)
			fmt.Printf("Max Age:      %s\n", info.Config.MaxAge)
			fmt.Printf("Storage:      %s\n", info.Config.Storage)
			return nil
		},
	}
}
