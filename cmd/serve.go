package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mailbridge/pkg/config"
	"mailbridge/pkg/gateway"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduled cycles and the webhook server",
	Long: "Runs poll cycles on a schedule, serves the Viber webhook with health, readiness and metrics " +
		"endpoints, and reloads dispatchers when the config file changes.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		a, err := newApp("cmd.serve")
		if err != nil {
			fmt.Printf("failed to start: %v\n", err)
			return
		}
		defer a.Close()

		runCtx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := gateway.NewService(a.settings, a.bridge, a.events, config.LoadDispatchers, a.log)
		if err != nil {
			a.log.Error("Failed to initialize gateway service", "error", err)
			return
		}

		a.log.Info("Gateway started",
			"listen", a.settings.Serve.Listen,
			"schedule", a.settings.Serve.Schedule,
			"dispatchers", len(a.bridge.Dispatchers()),
		)
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			a.log.Error("Gateway runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
