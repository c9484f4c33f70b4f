// bailops-admin is the operational CLI for the security gateway: manual
// rate-limit resets and session management.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bailops/api/internal/app"
	"github.com/bailops/api/internal/config"
	"github.com/bailops/api/internal/infra/redis"
	"github.com/bailops/api/pkg/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bailops-admin",
		Short:         "Operational tooling for the bailops security gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRateLimitCmd())
	root.AddCommand(newSessionsCmd())

	return root
}

// connect builds the shared Redis-backed stores from the environment.
func connect() (*redis.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.Config{Level: "warn", Format: "text", Output: os.Stderr})

	client, err := redis.New(&cfg.Redis, log)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func newRateLimitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Rate limit administration",
	}

	var userID, ip, operation string

	clear := &cobra.Command{
		Use:   "clear",
		Short: "Reset the attempt counter for one fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if operation == "" {
				return errors.New("--operation is required")
			}
			if (userID == "") == (ip == "") {
				return errors.New("exactly one of --user or --ip is required")
			}

			client, err := connect()
			if err != nil {
				return err
			}
			defer client.Close()

			store, err := redis.NewCounterStore(client)
			if err != nil {
				return err
			}

			ctx, cancel := cmdContext()
			defer cancel()

			key := app.Fingerprint(userID, ip, operation)
			if err := store.Clear(ctx, key); err != nil {
				return err
			}

			fmt.Printf("cleared %s\n", key)
			return nil
		},
	}
	clear.Flags().StringVar(&userID, "user", "", "user id owning the budget")
	clear.Flags().StringVar(&ip, "ip", "", "client IP owning the budget")
	clear.Flags().StringVar(&operation, "operation", "", "logical operation identifier")

	cmd.AddCommand(clear)
	return cmd
}

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Session administration",
	}

	list := &cobra.Command{
		Use:   "list <user-id>",
		Short: "List a user's active sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := sessionStore()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := cmdContext()
			defer cancel()

			recs, err := store.All(ctx, args[0])
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("no active sessions")
				return nil
			}

			for _, rec := range recs {
				fmt.Printf("%s\t%s\t%s\tlogin=%s\tlast=%s\n",
					rec.SessionID,
					rec.IPAddress,
					rec.UserAgent,
					rec.LoginTime.Format(time.RFC3339),
					rec.LastActivity.Format(time.RFC3339),
				)
			}
			return nil
		},
	}

	terminate := &cobra.Command{
		Use:   "terminate <user-id> <session-id>",
		Short: "Terminate one session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cleanup, err := sessionStore()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := cmdContext()
			defer cancel()

			removed, err := store.Delete(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if !removed {
				return errors.New("session not found")
			}

			fmt.Println("session terminated")
			return nil
		},
	}

	cmd.AddCommand(list, terminate)
	return cmd
}

func sessionStore() (*redis.SessionStore, func(), error) {
	client, err := connect()
	if err != nil {
		return nil, nil, err
	}

	store, err := redis.NewSessionStore(client)
	if err != nil {
		client.Close()
		return nil, nil, err
	}

	return store, func() { client.Close() }, nil
}
