package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPathFlag string
	statePathFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "mailbridge",
	Short: "Relay mailbox newsletters to Telegram, Viber and mail subscribers",
	Long: "Mailbridge polls dispatcher mailboxes, manages subscriptions sent by mail, Telegram and Viber, " +
		"and fans each accepted message out to every subscriber channel.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPathFlag, "config", "", "dispatcher config file (overrides MAILBRIDGE_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&statePathFlag, "state", "", "state file (overrides MAILBRIDGE_STATE)")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
