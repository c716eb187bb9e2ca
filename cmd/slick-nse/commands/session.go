package commands

import (
	"fmt"

	"github.com/meow-io/slick-nse/ids"
	"github.com/spf13/cobra"
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and remove conversation sessions",
	}
	cmd.AddCommand(sessionListCmd(), sessionShowCmd(), sessionDeleteCmd())
	return cmd
}

func sessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conversation ids with a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := node.Sessions.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range list {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Show counters of a session, never its keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := ids.Parse(args[0])
			if err != nil {
				return err
			}
			s, err := node.Sessions.Summary(cmd.Context(), id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "conversation:      %s\n", s.ConversationID)
			fmt.Fprintf(out, "ratchet key:       %x\n", s.PublicKey)
			fmt.Fprintf(out, "remote key:        %x\n", s.RemotePublicKey)
			fmt.Fprintf(out, "sent:              %d\n", s.SendMessageNumber)
			fmt.Fprintf(out, "received:          %d\n", s.ReceivedMessageNumber)
			fmt.Fprintf(out, "previous chain:    %d\n", s.PreviousSendingChainLength)
			fmt.Fprintf(out, "can send:          %t\n", s.CanSend)
			fmt.Fprintf(out, "skipped keys:      %d\n", s.CachedKeys)
			fmt.Fprintf(out, "version:           %d\n", s.Version)
			return nil
		},
	}
}

func sessionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <conversation-id>",
		Short: "Delete a session with its skipped keys and envelope records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := ids.Parse(args[0])
			if err != nil {
				return err
			}
			return node.Envelopes.DeleteConversation(cmd.Context(), id)
		},
	}
}
