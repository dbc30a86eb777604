package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"marzbot/internal/app"
	"marzbot/internal/config"
)

var (
	version = "dev"

	cfgPath string
	envFile string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "marzbot",
		Short: "Telegram admin and client bots for a Marzban panel",
		Long: `marzbot runs the administrator bot, which queues broadcasts, and the client
bot, which links subscribers and delivers queued broadcasts to them.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "./config.yaml", "path to the YAML or JSON config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with secrets, ignored when missing")

	rootCmd.AddCommand(
		newAdminCmd(),
		newClientCmd(),
		newEnqueueCmd(),
		newPendingCmd(),
		newSweepCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func loadSettings() (*config.Settings, error) {
	return config.Load(cfgPath, envFile)
}

// openRuntime loads config and opens the shared resources.
func openRuntime(needPanel bool) (*app.Runtime, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, err
	}
	return app.NewRuntime(s, needPanel)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "marzbot", version)
		},
	}
}
