package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newEnqueueCmd() *cobra.Command {
	var adminID int64
	cmd := &cobra.Command{
		Use:   "enqueue [text...]",
		Short: "Queue a broadcast for delivery by the client bot",
		Long: `Queue a broadcast. The message is the arguments joined by spaces, or
standard input when the only argument is "-".`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := strings.Join(args, " ")
			if len(args) == 1 && args[0] == "-" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				msg = strings.TrimRight(string(b), "\n")
			}

			rt, err := openRuntime(false)
			if err != nil {
				return err
			}
			defer rt.Close()
			if adminID == 0 {
				if len(rt.Settings.AdminIDs) == 0 {
					return errors.New("--admin-id is required when telegram.admin_ids is empty")
				}
				adminID = rt.Settings.AdminIDs[0]
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			rc, err := rt.Producer().Enqueue(ctx, msg, adminID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rc.Summary())
			return nil
		},
	}
	cmd.Flags().Int64Var(&adminID, "admin-id", 0, "originator id recorded on the item (default: first configured admin)")
	return cmd
}

func newPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List queued broadcasts that were not delivered yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(false)
			if err != nil {
				return err
			}
			defer rt.Close()

			items := rt.Queue.ListPending()
			out := cmd.OutOrStdout()
			if len(items) == 0 {
				fmt.Fprintln(out, "no pending broadcasts")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ITEM\tCREATED\tADMIN\tMESSAGE")
			for _, p := range items {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n",
					p.Handle,
					p.Item.Created().Format(time.RFC3339),
					p.Item.AdminID,
					preview(p.Item.Message, 40),
				)
			}
			return tw.Flush()
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete queued broadcasts older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(false)
			if err != nil {
				return err
			}
			defer rt.Close()
			sw := rt.Sweeper()
			n := sw.Run(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d item(s) older than %s\n", n, sw.Retention())
			return nil
		},
	}
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n-1]) + "…"
}
