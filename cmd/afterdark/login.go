package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	afterdark "github.com/afterdark-app/afterdark-go"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Fetch your account and entities into the local session",
	Long:  "Fetch the account behind the stored token and all entities it can act as.\nThe personal account becomes active unless the previously active entity still exists.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := getClient()
		if err != nil {
			return err
		}
		if afterdark.TokenExpired(cfg.Auth.Token, time.Now()) {
			return fmt.Errorf("auth token expired; run 'afterdark init <token>' with a fresh one")
		}

		logger := newLogger()
		defer logger.Sync() //nolint:errcheck
		store, fs, err := openStore(logger)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if cur := store.Get(); cur != nil && cfg.Auth.AccountID != "" && cur.Account.ID != cfg.Auth.AccountID {
			if err := store.Clear(); err != nil {
				return fmt.Errorf("failed to clear stale session: %w", err)
			}
		}

		sess, err := afterdark.Bootstrap(ctx, client, store)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		cfg.Auth.AccountID = sess.Account.ID
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Logged in as %s (%s)\n", valueOrDefault(sess.Account.Name, "-"), sess.Account.ID)
		if sess.Active != nil {
			fmt.Printf("Active entity: %s %s\n", sess.Active.Ref(), sess.Active.Name)
		}
		fmt.Printf("Session saved to %s\n", fs.Path())
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the local session and auth token",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		defer logger.Sync() //nolint:errcheck
		store, _, err := openStore(logger)
		if err != nil {
			return err
		}
		if err := store.Clear(); err != nil {
			return fmt.Errorf("failed to clear session: %w", err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}
