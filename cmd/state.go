package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"mailbridge/pkg/state"
)

var stateDispatcher string

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print the subscriber state",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		settings, err := loadSettings()
		if err != nil {
			fmt.Printf("failed to load settings: %v\n", err)
			return
		}

		store := state.NewStore(settings.StatePath, nil)
		if err := printState(commandContext(cmd), cmd.OutOrStdout(), store, stateDispatcher); err != nil {
			fmt.Printf("failed to read state: %v\n", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(stateCmd)
	stateCmd.Flags().StringVarP(&stateDispatcher, "dispatcher", "d", "", "print only this dispatcher")
}

func printState(ctx context.Context, w io.Writer, store *state.Store, dispatcher string) error {
	doc, err := store.Read(ctx)
	if err != nil {
		return err
	}

	if dispatcher != "" {
		value, ok := doc[dispatcher]
		if !ok {
			return fmt.Errorf("no state for dispatcher %q", dispatcher)
		}
		doc = state.Document{dispatcher: value}
	}

	data, err := state.Encode(doc)
	if err != nil {
		return err
	}

	_, err = w.Write(data)
	return err
}
