package main

import (
	"context"
	"fmt"

	"github.com/fluxbase-eu/backplane/internal/envelope"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var pubSource string

var publishCmd = &cobra.Command{
	Use:   "publish [topic] [value]",
	Short: "Publish a message to the shared channel",
	Long: `Encode a message and publish it to the shared channel. Every attached
node relays it to its local subscribers.

Examples:
  backplanectl publish deploys "api v42 rolling out"
  backplanectl publish cache:flush "" --source ops-laptop`,
	Args: cobra.ExactArgs(2),
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().StringVar(&pubSource, "source", "",
		"source the message is attributed to (default a generated ID)")
}

func runPublish(cmd *cobra.Command, args []string) error {
	topic, value := args[0], args[1]

	source := pubSource
	if source == "" {
		source = "backplanectl-" + uuid.New().String()[:8]
	}

	ctx, cancel := context.WithTimeout(context.Background(), flagTimeout)
	defer cancel()

	conn, err := dialRelay(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	payload := envelope.Envelope{Source: source, Topic: topic, Value: value}.Encode()
	if err := conn.Publish(ctx, relayChannel(), payload); err != nil {
		return err
	}

	fmt.Printf("Published to topic '%s' as '%s'.\n", topic, source)
	return nil
}
