package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one poll cycle",
	Long:  "Checks webhooks, Telegram updates and mailboxes once. Meant to be started by an external scheduler.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		a, err := newApp("cmd.run")
		if err != nil {
			fmt.Printf("failed to start: %v\n", err)
			return
		}
		defer a.Close()

		lock, acquired, err := acquireRunLock(a.settings.StatePath)
		if err != nil {
			a.log.Error("Failed to take run lock", "error", err)
			return
		}
		if !acquired {
			a.log.Warn("Another run is in progress, skipping")
			return
		}
		defer func() { _ = lock.Unlock() }()

		runCtx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if !a.bridge.RunCycle(runCtx) {
			a.log.Warn("Cycle finished with failures")
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// acquireRunLock takes a non-blocking process lock next to the state file
// so overlapping scheduler invocations do not run two cycles at once.
func acquireRunLock(statePath string) (*flock.Flock, bool, error) {
	lock := flock.New(statePath + ".run.lock")
	acquired, err := lock.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("lock %s: %w", lock.Path(), err)
	}

	return lock, acquired, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}

	return context.Background()
}
