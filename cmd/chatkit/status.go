package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gigboard/chatkit"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and connection status",
	Long:  "Display the effective configuration, then connect to the server and report the channel state.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", baseURL(cfg))
		fmt.Printf("  User ID:  %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:    %s\n", maskToken(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:    (not set)")
		}
		if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		eng, stop, err := startEngine(ctx, cfg)
		if err != nil {
			fmt.Printf("  Error starting engine: %v\n", err)
			return nil
		}
		defer stop()

		fmt.Printf("  Channel:       %s\n", eng.SyncState())
		convs := eng.Conversations()
		if err := convs.Err(); err != nil {
			fmt.Printf("  Conversations: error: %v\n", err)
			return nil
		}
		list := convs.List()
		fmt.Printf("  Conversations: %d\n", len(list))
		if cur := convs.Current(); cur != "" {
			fmt.Printf("  Last selected: %s\n", cur)
		}
		online := eng.Presence().Online()
		if eng.SyncState() == chatkit.SyncConnected {
			fmt.Printf("  Online users:  %d\n", len(online))
		}
		return nil
	},
}
