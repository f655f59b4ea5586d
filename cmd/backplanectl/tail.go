package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fluxbase-eu/backplane/internal/envelope"
	"github.com/spf13/cobra"
)

var tailCmd = &cobra.Command{
	Use:   "tail [topic...]",
	Short: "Stream messages crossing the shared channel",
	Long: `Subscribe to the shared channel and print every message as it arrives,
optionally filtered to the given topics. Runs until interrupted.

Examples:
  backplanectl tail
  backplanectl tail deploys alerts`,
	RunE: runTail,
}

func runTail(cmd *cobra.Command, args []string) error {
	topics := make(map[string]bool, len(args))
	for _, topic := range args {
		topics[topic] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, flagTimeout)
	conn, err := dialRelay(dialCtx)
	dialCancel()
	if err != nil {
		return err
	}
	defer conn.Close()

	err = conn.Subscribe(ctx, relayChannel(), func(payload []byte) {
		env, err := envelope.Decode(payload)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping malformed message: %v\n", err)
			return
		}
		if len(topics) > 0 && !topics[env.Topic] {
			return
		}
		fmt.Printf("[%s] %s %s %s\n", time.Now().Format("15:04:05"), env.Source, env.Topic, env.Value)
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Tailing channel '%s' (Ctrl+C to stop)\n", relayChannel())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		return nil
	case <-conn.Closed():
		return errors.New("connection to relay medium lost")
	}
}
