package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var historyAll bool

func init() {
	historyCmd.Flags().BoolVar(&historyAll, "all", false, "Page back to the first message")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print the message history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		convs, messages := getStores(cfg)
		id := args[0]

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := convs.Load(ctx); err != nil {
			return fmt.Errorf("failed to load conversations: %w", err)
		}
		conv, ok := convs.Get(id)
		if !ok {
			return fmt.Errorf("unknown conversation %q", id)
		}
		if err := messages.LoadInitial(ctx, conv); err != nil {
			return fmt.Errorf("failed to load messages: %w", err)
		}
		for historyAll && messages.Cursor(id).HasMore {
			if err := messages.LoadOlder(ctx, id); err != nil {
				return fmt.Errorf("failed to load older messages: %w", err)
			}
		}

		list := messages.Snapshot(id)
		if jsonOutput {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No messages yet.")
			return nil
		}
		for _, m := range list {
			printMessage(m)
		}
		if messages.Cursor(id).HasMore {
			fmt.Println("(older messages available, use --all)")
		}
		return nil
	},
}
