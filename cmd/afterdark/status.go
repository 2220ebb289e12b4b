package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	afterdark "github.com/afterdark-app/afterdark-go"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, token and session status",
	Long:  "Display the current configuration, check whether the auth token is expired, and show the active entity with its unread count.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, afterdark.DefaultBaseURL))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  Token:       %s\n", tokenStatus(cfg.Auth.Token, time.Now()))

		logger := newLogger()
		defer logger.Sync() //nolint:errcheck
		store, _, err := openStore(logger)
		if err != nil {
			return err
		}
		sess := store.Get()

		fmt.Println()
		fmt.Println("Session:")
		if sess == nil {
			fmt.Println("  (none, run 'afterdark login')")
			return nil
		}
		fmt.Printf("  Account:     %s (%s)\n", valueOrDefault(sess.Account.Name, "-"), sess.Account.ID)
		fmt.Printf("  Entities:    %d\n", len(sess.Entities))
		if sess.Active == nil {
			fmt.Println("  Active:      (none)")
			return nil
		}
		fmt.Printf("  Active:      %s %s\n", sess.Active.Ref(), valueOrDefault(sess.Active.Name, ""))

		room, fallback := afterdark.IdentityRoom(sess)
		switch {
		case room == "":
			fmt.Println("  Messaging:   (unresolved)")
		case fallback:
			fmt.Printf("  Messaging:   %s (account id fallback)\n", room)
		default:
			fmt.Printf("  Messaging:   %s\n", room)
		}

		if cfg.Auth.Token == "" || afterdark.TokenExpired(cfg.Auth.Token, time.Now()) {
			return nil
		}

		var opts []afterdark.ClientOption
		if cfg.Default.BaseURL != "" {
			opts = append(opts, afterdark.WithBaseURL(cfg.Default.BaseURL))
		}
		client := afterdark.NewClient(cfg.Auth.Token, opts...)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		resolver := afterdark.NewResolver(store, client.Account, logger)
		inbox := afterdark.NewInbox(client.Conversations, nil, store.Bridge(), logger)
		_, unread, err := inbox.List(ctx, resolver.MessagingID(ctx))
		if err != nil {
			fmt.Printf("  Unread:      (error: %v)\n", err)
			return nil
		}
		fmt.Printf("  Unread:      %d\n", unread)
		return nil
	},
}

func tokenStatus(token string, now time.Time) string {
	if token == "" {
		return "none"
	}
	exp, ok := afterdark.TokenExpiry(token)
	switch {
	case !ok:
		return "present (no expiry)"
	case now.Before(exp):
		return fmt.Sprintf("valid (expires %s)", exp.Format(time.RFC3339))
	default:
		return fmt.Sprintf("EXPIRED (expired %s)", exp.Format(time.RFC3339))
	}
}
