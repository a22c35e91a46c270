package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	webhooksForce   bool
	webhooksVerbose bool
)

var webhooksCmd = &cobra.Command{
	Use:   "webhooks",
	Short: "Register Viber webhooks",
	Long:  "Registers the Viber bot and channel webhooks of every dispatcher that has not registered them yet.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		a, err := newApp("cmd.webhooks")
		if err != nil {
			fmt.Printf("failed to start: %v\n", err)
			return
		}
		defer a.Close()

		report, ok := a.bridge.CheckWebhooks(commandContext(cmd), webhooksForce)
		if webhooksVerbose {
			fmt.Fprint(cmd.OutOrStdout(), report)
		}
		if !ok {
			a.log.Warn("Webhook check finished with failures")
		}
	},
}

func init() {
	rootCmd.AddCommand(webhooksCmd)
	webhooksCmd.Flags().BoolVarP(&webhooksForce, "force", "f", false, "register even when state says it is done")
	webhooksCmd.Flags().BoolVarP(&webhooksVerbose, "verbose", "v", false, "print the check report")
}
