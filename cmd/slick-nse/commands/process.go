package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/meow-io/slick-nse/envelope"
	"github.com/meow-io/slick-nse/notify"
	"github.com/spf13/cobra"
)

// printer writes every delivery to out, standing in for the notification content builder.
type printer struct {
	out io.Writer
}

func (p *printer) Handle(_ context.Context, d *envelope.Delivery) error {
	_, err := fmt.Fprintf(p.out, "%s %s %s: %s\n", d.EnvelopeID, d.ConversationID, d.Type, d.Data)
	return err
}

// process: handle envelope files, or one envelope on stdin, the way the extension would.
func processCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process [file...]",
		Short: "Decrypt and deliver CBOR envelopes",
		RunE: func(cmd *cobra.Command, args []string) error {
			var raws [][]byte
			if len(args) == 0 {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				raws = append(raws, b)
			}
			for _, p := range args {
				b, err := os.ReadFile(p) // #nosec G304
				if err != nil {
					return err
				}
				raws = append(raws, b)
			}

			p := &printer{out: cmd.OutOrStdout()}
			for _, t := range []envelope.PayloadType{envelope.PayloadChatMessage, envelope.PayloadGroupUpdate, envelope.PayloadReceipt} {
				if err := node.Register(t, p); err != nil {
					return err
				}
			}

			failed := 0
			for i, res := range node.Notify.HandleBatch(cmd.Context(), raws) {
				name := "stdin"
				if len(args) != 0 {
					name = args[i]
				}
				if res.Outcome == notify.Failed {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s %s (retryable=%t): %v\n", name, res.EnvelopeID, res.Outcome, res.Retryable(), res.Err)
					continue
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s %s\n", name, res.EnvelopeID, res.Outcome)
			}
			if failed != 0 {
				return fmt.Errorf("%d of %d envelopes failed", failed, len(raws))
			}
			return nil
		},
	}
}
