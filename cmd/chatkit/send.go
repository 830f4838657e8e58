package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gigboard/chatkit"
)

var sendWait time.Duration

func init() {
	sendCmd.Flags().DurationVar(&sendWait, "wait", 15*time.Second, "How long to wait for the server to confirm")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>...",
	Short: "Send a message and wait for confirmation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		id, content := args[0], strings.Join(args[1:], " ")

		ctx, cancel := context.WithTimeout(context.Background(), sendWait)
		defer cancel()

		eng, stop, err := startEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer stop()

		if err := eng.Select(ctx, id); err != nil {
			return fmt.Errorf("failed to open conversation: %w", err)
		}

		changed := make(chan struct{}, 1)
		unsubscribe := eng.OnChange(func(c chatkit.Change) {
			if c.Kind == chatkit.ChangeMessages && c.ConversationID == id {
				select {
				case changed <- struct{}{}:
				default:
				}
			}
		})
		defer unsubscribe()

		msg, err := eng.Send(ctx, content)
		if err != nil {
			return err
		}

		for {
			if m, done := sendOutcome(eng.Messages(), id, msg.TempID); done {
				if m.Status == chatkit.StatusFailed {
					return fmt.Errorf("message failed: %s", m.FailReason)
				}
				if jsonOutput {
					return printJSON(m)
				}
				fmt.Printf("Sent %s\n", m.ID)
				return nil
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return fmt.Errorf("no confirmation within %s (state: %s)", sendWait, eng.SyncState())
			}
		}
	},
}

// sendOutcome finds the entry for tempID once it is confirmed or failed.
func sendOutcome(messages *chatkit.MessageStore, conversationID, tempID string) (chatkit.Message, bool) {
	for _, m := range messages.Snapshot(conversationID) {
		if m.TempID != tempID {
			continue
		}
		if m.Status == chatkit.StatusConfirmed || m.Status == chatkit.StatusFailed {
			return m, true
		}
	}
	return chatkit.Message{}, false
}
