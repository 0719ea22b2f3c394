package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/baitchat/internal/qserver"
)

// QueueStatus is the JSON payload of queue status.
type QueueStatus struct {
	Server string         `json:"server"`
	Status qserver.Status `json:"status"`
	Queue  qserver.Queue  `json:"queue"`
}

// NewQueueCommand creates the queue command and its subcommands.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the queue server",
		Long: `Inspect and manage the Bluesky queue server directly.

Exit codes:
  0 - Done
  2 - Command error (bad config, queue server unreachable or refused)`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "status",
		Short:         "Show the queue server state and queued items",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueStatus(rootOpts, cmd)
		},
	})
	cmd.AddCommand(queueAction(rootOpts, "clear", "Remove every queued item", cobra.NoArgs,
		func(ctx context.Context, c *qserver.Client, _ []string) (string, error) {
			return "queue cleared", c.Clear(ctx)
		}))
	cmd.AddCommand(queueAction(rootOpts, "pause", "Pause the run engine after the current plan", cobra.NoArgs,
		func(ctx context.Context, c *qserver.Client, _ []string) (string, error) {
			return "run engine pause requested", c.Pause(ctx)
		}))
	cmd.AddCommand(queueAction(rootOpts, "resume", "Resume a paused run engine", cobra.NoArgs,
		func(ctx context.Context, c *qserver.Client, _ []string) (string, error) {
			return "run engine resumed", c.Resume(ctx)
		}))
	cmd.AddCommand(queueAction(rootOpts, "remove <uid>", "Remove one queued item", cobra.ExactArgs(1),
		func(ctx context.Context, c *qserver.Client, args []string) (string, error) {
			return "removed " + args[0], c.Remove(ctx, args[0])
		}))

	return cmd
}

// queueAction builds a subcommand that runs one queue server call.
func queueAction(rootOpts *RootOptions, use, short string, args cobra.PositionalArgs,
	action func(ctx context.Context, c *qserver.Client, args []string) (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:           use,
		Short:         short,
		Args:          args,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			app, err := loadApp(rootOpts, f)
			if err != nil {
				return err
			}
			defer app.Close()

			msg, err := action(cmd.Context(), app.QServer(), args)
			if err != nil {
				return f.FailErr(strings.Fields(use)[0]+" failed", err)
			}
			if f.Format == "json" {
				return f.Success(map[string]string{"result": msg})
			}
			return f.Success("✓ " + msg)
		},
	}
}

func runQueueStatus(opts *RootOptions, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	app, err := loadApp(opts, f)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := cmd.Context()
	c := app.QServer()
	status, err := c.Status(ctx)
	if err != nil {
		return f.FailErr("cannot read status", err)
	}
	queue, err := c.Queue(ctx)
	if err != nil {
		return f.FailErr("cannot read queue", err)
	}

	if f.Format == "json" {
		return f.Success(QueueStatus{Server: c.URL(), Status: status, Queue: queue})
	}

	w := f.Writer
	fmt.Fprintf(w, "Server:     %s\n", c.URL())
	fmt.Fprintf(w, "Manager:    %s\n", status.ManagerState)
	fmt.Fprintf(w, "Run engine: %s\n", dash(status.REState))
	fmt.Fprintf(w, "Queued:     %d   History: %d\n", status.ItemsInQueue, status.ItemsInHistory)
	if queue.Running != nil {
		fmt.Fprintf(w, "\nRunning: %s  %s\n", queue.Running.UID, itemCall(*queue.Running))
	}
	if len(queue.Items) == 0 {
		fmt.Fprintln(w, "\nQueue is empty.")
		return nil
	}
	fmt.Fprintln(w)
	tw := f.Table()
	fmt.Fprintln(tw, "#\tUID\tPLAN\tUSER")
	for i, it := range queue.Items {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i+1, it.UID, itemCall(it), dash(it.User))
	}
	return tw.Flush()
}

// itemCall renders a queue item as name(key=value, ...), kwargs sorted.
func itemCall(it qserver.Item) string {
	parts := make([]string, 0, len(it.Args)+len(it.Kwargs))
	for _, a := range it.Args {
		parts = append(parts, fmt.Sprint(a))
	}
	keys := make([]string, 0, len(it.Kwargs))
	for k := range it.Kwargs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, it.Kwargs[k]))
	}
	return it.Name + "(" + strings.Join(parts, ", ") + ")"
}
