package main

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"analytics-agent/backend/internal/stream"
	"analytics-agent/backend/pkg/models"
)

func newAskCmd(envFile *string) *cobra.Command {
	var (
		streamEvents   bool
		conversationID string
	)

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Run one question through the workflow and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*envFile)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			req := models.ChatRequest{Message: strings.Join(args, " "), ConversationID: conversationID}
			out := cmd.OutOrStdout()

			if streamEvents {
				_, events, err := a.chat.Stream(ctx, req)
				if err != nil {
					return err
				}
				return stream.Relay(ctx, out, events, 0, logger)
			}

			resp, err := a.chat.Ask(ctx, req)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		},
	}
	cmd.Flags().BoolVar(&streamEvents, "stream", false, "Print the run's events as they happen")
	cmd.Flags().StringVar(&conversationID, "conversation-id", "", "Conversation id to record with the run")
	return cmd
}
