package commands

import (
	"fmt"
	"time"

	"github.com/meow-io/slick-nse/envelope"
	"github.com/spf13/cobra"
)

func envelopesCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "envelopes [envelope-id]",
		Short: "Show one envelope's processing record or list records by state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var records []*envelope.Record
			if len(args) == 1 {
				r, err := node.Envelopes.State(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				records = append(records, r)
			} else {
				var err error
				if records, err = node.Envelopes.Records(cmd.Context(), envelope.ProcessingState(state)); err != nil {
					return err
				}
			}
			for _, r := range records {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\tattempts=%d\t%s\t%s\n",
					r.ID, r.Conversation(), r.PayloadType, r.State, r.Attempts,
					time.UnixMilli(int64(r.MtimeMs)).UTC().Format(time.RFC3339), r.LastError)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", string(envelope.StateFailed), "pending, processed or failed")
	return cmd
}

func pruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Drop processed envelope records past the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := node.Prune(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d envelopes\n", n)
			return nil
		},
	}
}
