package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var convCreateProject string

func init() {
	convCreateCmd.Flags().StringVar(&convCreateProject, "project", "", "Project the conversation belongs to")

	conversationsCmd.AddCommand(convListCmd)
	conversationsCmd.AddCommand(convCreateCmd)
	conversationsCmd.AddCommand(convRenameCmd)
	conversationsCmd.AddCommand(convDeleteCmd)
	rootCmd.AddCommand(conversationsCmd)
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "List and manage conversations",
}

var convListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		convs, _ := getStores(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := convs.Load(ctx); err != nil {
			return fmt.Errorf("failed to load conversations: %w", err)
		}

		list := convs.List()
		if jsonOutput {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range list {
			name := valueOrDefault(c.Name, "(unnamed)")
			fmt.Printf("%s  %-20s  %-25s  last: %s\n", c.ID, name, strings.Join(c.Participants, ","), formatDate(c.LastMessageDate))
		}
		return nil
	},
}

var convCreateCmd = &cobra.Command{
	Use:   "create <user-id>...",
	Short: "Open a conversation with one or more users",
	Long:  "Open a conversation with the given users. An existing conversation with the same participants is reused.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		convs, _ := getStores(cfg)

		participants := append([]string{cfg.Auth.UserID}, args...)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		c, err := convs.Create(ctx, participants, convCreateProject)
		if err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}
		if jsonOutput {
			return printJSON(c)
		}
		fmt.Printf("Conversation %s (%s)\n", c.ID, strings.Join(c.Participants, ", "))
		return nil
	},
}

var convRenameCmd = &cobra.Command{
	Use:   "rename <conversation-id> <name>",
	Short: "Rename a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		convs, _ := getStores(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := convs.Load(ctx); err != nil {
			return fmt.Errorf("failed to load conversations: %w", err)
		}
		c, err := convs.Update(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("failed to rename conversation: %w", err)
		}
		fmt.Printf("Renamed %s to %q\n", c.ID, c.Name)
		return nil
	},
}

var convDeleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		convs, _ := getStores(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := convs.Delete(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to delete conversation: %w", err)
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}
