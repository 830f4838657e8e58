package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gigboard/chatkit"
	"github.com/gigboard/chatkit/state"
)

// mustConfig loads the effective config and exits when credentials are missing.
func mustConfig() *Config {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No credentials. Run 'chatkit init <user-id> <token>' first.")
		os.Exit(1)
	}
	return cfg
}

func baseURL(cfg *Config) string {
	return valueOrDefault(cfg.Default.BaseURL, chatkit.DefaultBaseURL)
}

// getClient creates an API client authenticated with the session token.
func getClient(cfg *Config) *chatkit.Client {
	return chatkit.NewClient(cfg.Auth.Token, chatkit.WithBaseURL(baseURL(cfg)))
}

// getStores builds conversation and message stores without a channel.
func getStores(cfg *Config) (*chatkit.ConversationStore, *chatkit.MessageStore) {
	client := getClient(cfg)
	messages := chatkit.NewMessageStore(client, cfg.Auth.UserID, cfg.Engine.PageSize, slog.Default())
	return chatkit.NewConversationStore(client, messages, nil, slog.Default()), messages
}

func engineOptions(cfg *Config) (chatkit.Options, error) {
	opts := chatkit.Options{
		PageSize: cfg.Engine.PageSize,
		Logger:   slog.Default(),
	}
	if cfg.Engine.AckTimeout != "" {
		d, err := time.ParseDuration(cfg.Engine.AckTimeout)
		if err != nil {
			return opts, fmt.Errorf("engine.ack_timeout: %w", err)
		}
		opts.AckTimeout = d
	}
	return opts, nil
}

// startEngine connects a full engine. The returned func tears it down.
func startEngine(ctx context.Context, cfg *Config) (*chatkit.Engine, func(), error) {
	opts, err := engineOptions(cfg)
	if err != nil {
		return nil, nil, err
	}

	var store *state.SQLite
	if dir, err := configDir(); err == nil {
		store, err = state.Open(filepath.Join(dir, "state.db"))
		if err != nil {
			slog.Warn("selection state unavailable", "error", err)
			store = nil
		}
	}
	if store != nil {
		opts.Selection = store
	}

	ws := chatkit.NewWSTransport(baseURL(cfg), &chatkit.RealtimeConfig{
		Token:         cfg.Auth.Token,
		AutoReconnect: true,
		Logger:        slog.Default(),
	})
	eng, err := chatkit.New(getClient(cfg), ws, opts)
	if err != nil {
		return nil, nil, err
	}
	if err := eng.Init(ctx, cfg.Auth.UserID); err != nil {
		return nil, nil, err
	}
	return eng, func() {
		eng.Teardown()
		if store != nil {
			store.Close()
		}
	}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printMessage(m chatkit.Message) {
	mark := ""
	switch m.Status {
	case chatkit.StatusPending:
		mark = " (sending)"
	case chatkit.StatusFailed:
		mark = " (failed: " + m.FailReason + ")"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format("2006-01-02 15:04:05"), m.SenderID, m.Content, mark)
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// maskToken shows the first and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
