package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/coworkd/internal/store"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and clear conversation sessions",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsClearCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conversation to session bindings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			mappings, err := st.ListMappings(ctx)
			if err != nil {
				return err
			}
			if len(mappings) == 0 {
				fmt.Println("No sessions.")
				return nil
			}

			fmt.Printf("%s %s %s %s\n", pad("PLATFORM", 10), pad("CONVERSATION", 28), pad("SESSION", 38), "LAST ACTIVE")
			for _, m := range mappings {
				fmt.Printf("%s %s %s %s\n",
					pad(m.Platform, 10),
					pad(m.ConversationID, 28),
					pad(m.AgentSessionID, 38),
					m.LastActiveAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func sessionsClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <platform> <conversation-id>",
		Short: "Drop the session binding for one conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			platform, conversationID := args[0], args[1]

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			mapping, err := st.GetMapping(ctx, conversationID, platform)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no session for %s/%s", platform, conversationID)
			}
			if err != nil {
				return err
			}

			if err := st.DeleteMapping(ctx, conversationID, platform); err != nil {
				return err
			}
			// Session rows and the message log go with the binding.
			if err := st.DeleteSession(ctx, mapping.AgentSessionID); err != nil {
				return err
			}
			fmt.Printf("Cleared session %s for %s/%s\n", mapping.AgentSessionID, platform, conversationID)
			return nil
		},
	}
}
