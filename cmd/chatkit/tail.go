package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gigboard/chatkit"
)

var (
	tailInput    bool
	tailMarkRead bool
)

func init() {
	tailCmd.Flags().BoolVarP(&tailInput, "input", "i", false, "Send lines read from stdin")
	tailCmd.Flags().BoolVar(&tailMarkRead, "mark-read", true, "Mark incoming messages as read")
	rootCmd.AddCommand(tailCmd)
}

var tailCmd = &cobra.Command{
	Use:   "tail <conversation-id>",
	Short: "Follow a conversation live",
	Long:  "Print the latest messages of a conversation, then follow new messages, typing and presence until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		id := args[0]

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		eng, stop, err := startEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer stop()

		f := &follower{eng: eng, id: id, printed: make(map[string]bool)}
		unsubscribe := eng.OnChange(f.onChange)
		defer unsubscribe()

		if err := eng.Select(ctx, id); err != nil {
			return fmt.Errorf("failed to open conversation: %w", err)
		}
		f.flush(ctx)

		if tailInput {
			go f.readInput(ctx)
		}
		<-ctx.Done()
		return nil
	},
}

type follower struct {
	eng *chatkit.Engine
	id  string

	mu      sync.Mutex
	printed map[string]bool
	typers  string
}

func (f *follower) onChange(c chatkit.Change) {
	switch c.Kind {
	case chatkit.ChangeMessages:
		if c.ConversationID == f.id {
			f.flush(context.Background())
		}
	case chatkit.ChangeTyping:
		if c.ConversationID != f.id {
			return
		}
		typers := strings.Join(f.eng.Typing().Typers(f.id), ", ")
		f.mu.Lock()
		changed := typers != f.typers
		f.typers = typers
		f.mu.Unlock()
		if changed && typers != "" {
			fmt.Printf("... %s typing\n", typers)
		}
	case chatkit.ChangePresence:
		fmt.Printf("* online: %s\n", strings.Join(f.eng.Presence().Online(), ", "))
	case chatkit.ChangeConnection:
		fmt.Printf("* connection: %s\n", f.eng.SyncState())
	}
}

// flush prints confirmed messages not shown yet and marks them read.
func (f *follower) flush(ctx context.Context) {
	var unread []string
	f.mu.Lock()
	for _, m := range f.eng.Messages().Snapshot(f.id) {
		if m.Status == chatkit.StatusPending {
			continue
		}
		key := m.ID
		if f.printed[key] {
			continue
		}
		f.printed[key] = true
		printMessage(m)
		if !m.IsRead && m.SenderID != f.eng.UserID() {
			unread = append(unread, m.ID)
		}
	}
	f.mu.Unlock()

	if tailMarkRead && len(unread) > 0 {
		go func() {
			if err := f.eng.MarkRead(ctx, f.id, unread...); err != nil {
				fmt.Fprintf(os.Stderr, "mark read: %v\n", err)
			}
		}()
	}
}

func (f *follower) readInput(ctx context.Context) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if _, err := f.eng.Send(ctx, line); err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
		}
	}
}
