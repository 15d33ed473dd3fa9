package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/roundhouse/internal/storage"
)

func newThreadsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "Inspect and maintain stored threads",
		Long:  "Reads thread storage directly. Run these while the daemon is stopped, or use the API's thread endpoints against a running daemon.",
	}
	cmd.AddCommand(newThreadsListCmd(flags))
	cmd.AddCommand(newThreadsShowCmd(flags))
	cmd.AddCommand(newThreadsDeleteCmd(flags))
	return cmd
}

func newThreadsListCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored threads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(flags, func(store storage.Storage) error {
				return runThreadsList(cmd, store)
			})
		},
	}
}

func newThreadsShowCmd(flags *globalFlags) *cobra.Command {
	var last int
	cmd := &cobra.Command{
		Use:   "show <thread_id>",
		Short: "Print a thread's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(flags, func(store storage.Storage) error {
				return runThreadsShow(cmd, store, args[0], last)
			})
		},
	}
	cmd.Flags().IntVarP(&last, "last", "n", 0, "only show the last N messages")
	return cmd
}

func newThreadsDeleteCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <thread_id>",
		Short: "Delete a stored thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(flags, func(store storage.Storage) error {
				return runThreadsDelete(cmd, store, args[0])
			})
		},
	}
}

// withStore opens the configured storage for the duration of fn.
func withStore(flags *globalFlags, fn func(storage.Storage) error) error {
	cfg, logger, err := loadConfig(flags)
	if err != nil {
		return err
	}
	defer logger.Sync()
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func runThreadsList(cmd *cobra.Command, store storage.Storage) error {
	ctx := context.Background()
	ids, err := store.ListThreads(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(ids) == 0 {
		fmt.Fprintln(out, "No stored threads.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "THREAD\tCHAT\tMESSAGES\tLAST")
	for _, id := range ids {
		th, err := store.Load(ctx, id)
		if err != nil {
			return err
		}
		if th == nil {
			continue
		}
		last := "-"
		if n := len(th.Messages); n > 0 {
			last = th.Messages[n-1].At.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", th.ID, th.ChatID, len(th.Messages), last)
	}
	return w.Flush()
}

func runThreadsShow(cmd *cobra.Command, store storage.Storage, id string, last int) error {
	th, err := store.Load(context.Background(), id)
	if err != nil {
		return err
	}
	if th == nil {
		return fmt.Errorf("thread %q not found", id)
	}
	out := cmd.OutOrStdout()
	msgs := th.Messages
	if last > 0 && last < len(msgs) {
		msgs = msgs[len(msgs)-last:]
	}
	fmt.Fprintf(out, "Thread %s (chat %d, %d messages)\n", th.ID, th.ChatID, len(th.Messages))
	for _, m := range msgs {
		fmt.Fprintf(out, "\n[%s] %s:\n%s\n", m.At.Format("2006-01-02 15:04:05"), m.Role, m.Content)
	}
	return nil
}

func runThreadsDelete(cmd *cobra.Command, store storage.Storage, id string) error {
	ok, err := store.Delete(context.Background(), id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("thread %q not found", id)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted thread %s\n", id)
	return nil
}
