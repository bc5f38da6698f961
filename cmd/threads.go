package cmd

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "Manage stored conversation threads",
}

func init() {
	threadsCmd.AddCommand(threadsListCmd)
	threadsCmd.AddCommand(threadsShowCmd)
	threadsCmd.AddCommand(threadsRenameCmd)
	threadsCmd.AddCommand(threadsDeleteCmd)
	rootCmd.AddCommand(threadsCmd)
}

var threadsListCmd = &cobra.Command{
	Use:   "list [query]",
	Short: "List threads, optionally filtered by title or message content",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			query := ""
			if len(args) == 1 {
				query = args[0]
			}
			threads, err := a.Store.Search(ctx, query)
			if err != nil {
				return fmt.Errorf("listing threads: %w", err)
			}
			if len(threads) == 0 {
				fmt.Println("no threads")
				return nil
			}
			for _, t := range threads {
				fmt.Printf("%s  %-40s  %d messages  %s\n",
					t.ID, t.Title, t.MessageCount, t.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		})
	},
}

var threadsShowCmd = &cobra.Command{
	Use:   "show <thread-id>",
	Short: "Show a thread's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid thread ID: %s", args[0])
			}
			th, err := a.Store.Get(ctx, id)
			if err != nil {
				return fmt.Errorf("getting thread: %w", err)
			}
			msgs, err := a.Store.Messages(ctx, id)
			if err != nil {
				return fmt.Errorf("getting messages: %w", err)
			}

			fmt.Printf("Title: %s\n", th.Title)
			fmt.Printf("Created: %s\n", th.CreatedAt.Format("2006-01-02 15:04"))
			fmt.Printf("Messages: %d\n\n", len(msgs))
			for _, m := range msgs {
				suffix := ""
				if m.Interrupted {
					suffix = " [interrupted]"
				}
				fmt.Printf("%s:%s %s\n", m.Role, suffix, m.Content)
			}
			return nil
		})
	},
}

var threadsRenameCmd = &cobra.Command{
	Use:   "rename <thread-id> <title>",
	Short: "Rename a thread, pinning the title against derivation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid thread ID: %s", args[0])
			}
			if err := a.Store.Rename(ctx, id, args[1]); err != nil {
				return fmt.Errorf("renaming thread: %w", err)
			}
			fmt.Println("renamed")
			return nil
		})
	},
}

var threadsDeleteCmd = &cobra.Command{
	Use:   "delete <thread-id>",
	Short: "Delete a thread and all its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid thread ID: %s", args[0])
			}
			deleted, err := a.Store.Delete(ctx, id)
			if err != nil {
				return fmt.Errorf("deleting thread: %w", err)
			}
			if !deleted {
				fmt.Println("no such thread")
				return nil
			}
			fmt.Println("deleted")
			return nil
		})
	},
}

// withApp wires the application for a one-shot command and tears it down
// after.
func withApp(fn func(context.Context, *app) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer a.Close()
	return fn(ctx, a)
}
