package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	afterdark "github.com/afterdark-app/afterdark-go"
)

var (
	entitiesJSON    bool
	entitiesRefresh bool
)

func init() {
	entitiesCmd.Flags().BoolVar(&entitiesJSON, "json", false, "Output raw JSON")
	entitiesCmd.Flags().BoolVar(&entitiesRefresh, "refresh", false, "Re-fetch the entity list before printing")
	rootCmd.AddCommand(entitiesCmd)
	rootCmd.AddCommand(switchCmd)
}

var entitiesCmd = &cobra.Command{
	Use:   "entities",
	Short: "List the entities you can act as",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		defer logger.Sync() //nolint:errcheck
		store, _, err := openStore(logger)
		if err != nil {
			return err
		}

		if entitiesRefresh {
			client, _, err := getClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if _, err := afterdark.Bootstrap(ctx, client, store); err != nil {
				return fmt.Errorf("refresh failed: %w", err)
			}
		}

		sess, err := requireSession(store)
		if err != nil {
			return err
		}
		if entitiesJSON {
			return printJSON(sess.Entities)
		}
		if len(sess.Entities) == 0 {
			fmt.Println("No entities found.")
			return nil
		}

		for _, e := range sess.Entities {
			marker := " "
			if sess.Active != nil && sess.Active.Ref() == e.Ref() {
				marker = "*"
			}
			fmt.Printf("%s %-30s %-10s %s  messaging=%s\n",
				marker, e.Ref(), e.Role, valueOrDefault(e.Name, "-"), valueOrDefault(e.MessagingID, "(unresolved)"))
		}
		return nil
	},
}

var switchCmd = &cobra.Command{
	Use:   "switch <kind:id>",
	Short: "Make another entity active",
	Long:  "Make another entity active, e.g. 'afterdark switch BarPage:42'.\nThe switch is local; no request is sent.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := afterdark.ParseEntityRef(args[0])
		if err != nil {
			return err
		}

		logger := newLogger()
		defer logger.Sync() //nolint:errcheck
		store, _, err := openStore(logger)
		if err != nil {
			return err
		}
		sess, err := afterdark.SwitchEntity(store, ref)
		if err != nil {
			return err
		}

		fmt.Printf("Active entity: %s %s\n", sess.Active.Ref(), sess.Active.Name)
		if id := afterdark.ResolveMessagingID(sess); id != "" {
			fmt.Printf("Messaging id:  %s\n", id)
		} else {
			fmt.Println("Messaging id:  (unresolved, will be looked up on first use)")
		}
		return nil
	},
}
