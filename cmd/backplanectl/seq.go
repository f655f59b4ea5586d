package main

import (
	"context"
	"fmt"

	"github.com/fluxbase-eu/backplane/internal/sequence"
	"github.com/spf13/cobra"
)

var seqCmd = &cobra.Command{
	Use:   "seq",
	Short: "Advance and print the shared message sequence",
	Long: `Draw the next ID from the shared sequence counter and print it. Note
that the drawn ID is consumed; messages stamped afterwards start past it.

Examples:
  backplanectl seq
  backplanectl seq --sequence-key staging:seq`,
	RunE: runSeq,
}

func runSeq(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), flagTimeout)
	defer cancel()

	conn, err := dialRelay(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	id, err := conn.Incr(ctx, sequenceKey())
	if err != nil {
		return err
	}

	fmt.Println(sequence.FormatID(id))
	return nil
}
