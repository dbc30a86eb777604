package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"marzbot/internal/app"
	logx "marzbot/pkg/logx"
	"marzbot/pkg/systemd"
)

type runFunc func(ctx context.Context, rt *app.Runtime, ready func()) error

func newAdminCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "admin",
		Short: "Run the administrator bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), "admin", false, app.RunAdmin)
		},
	}
}

func newClientCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "client",
		Short: "Run the client bot with the broadcast delivery worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), "client", true, app.RunClient)
		},
	}
}

func serve(parent context.Context, role string, needPanel bool, run runFunc) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := openRuntime(needPanel)
	if err != nil {
		return err
	}
	defer rt.Close()
	log := rt.Log.With(logx.String("comp", "main"), logx.String("role", role))

	go systemd.Watchdog(ctx, log)
	err = run(ctx, rt, func() {
		systemd.Ready(log)
		systemd.Status(log, role+" bot running")
	})
	systemd.Stopping(log)
	if err != nil {
		log.Error("exited with error", logx.Err(err))
	}
	return err
}
