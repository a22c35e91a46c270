package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"mailbridge/pkg/dispatch"
)

var (
	dispatchIdentity string
	dispatchSubject  string
	dispatchText     string
	dispatchFiles    []string
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Send a message to every subscriber of a dispatcher",
	Long:  "Sends text and local files through every channel of one dispatcher without going through its mailbox.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		if strings.TrimSpace(dispatchIdentity) == "" {
			fmt.Println("dispatcher is required (use --dispatcher)")
			return
		}
		if strings.TrimSpace(dispatchText) == "" && len(dispatchFiles) == 0 {
			fmt.Println("nothing to send (use --text or --file)")
			return
		}

		a, err := newApp("cmd.dispatch")
		if err != nil {
			fmt.Printf("failed to start: %v\n", err)
			return
		}
		defer a.Close()

		report, err := a.bridge.Dispatch(commandContext(cmd), dispatchIdentity, dispatchSubject, dispatchText, dispatchFiles)
		if err != nil {
			a.log.Error("Dispatch failed", "dispatcher", dispatchIdentity, "error", err)
			return
		}

		printReport(cmd.OutOrStdout(), report)
	},
}

func init() {
	rootCmd.AddCommand(dispatchCmd)
	dispatchCmd.Flags().StringVarP(&dispatchIdentity, "dispatcher", "d", "", "dispatcher identity from the config file")
	dispatchCmd.Flags().StringVarP(&dispatchSubject, "subject", "s", "", "message subject")
	dispatchCmd.Flags().StringVarP(&dispatchText, "text", "t", "", "message text")
	dispatchCmd.Flags().StringArrayVar(&dispatchFiles, "file", nil, "file to attach (repeatable)")
}

func printReport(w io.Writer, report dispatch.Report) {
	for _, ch := range report.Channels {
		line := fmt.Sprintf("%s: text=%t files=%d/%d", ch.Channel, ch.TextSent, ch.FilesSent, ch.FilesTotal)
		if ch.ArchiveUsed {
			line += fmt.Sprintf(" archive=%t", ch.ArchiveSent)
		}
		if ch.Err != "" {
			line += " error=" + ch.Err
		}
		fmt.Fprintln(w, line)
	}

	if report.Mail != nil {
		line := fmt.Sprintf("email: delivered=%d/%d", report.Mail.Delivered, report.Mail.Recipients)
		if report.Mail.Err != "" {
			line += " error=" + report.Mail.Err
		}
		fmt.Fprintln(w, line)
	}

	if failed := report.Failed(); len(failed) > 0 {
		fmt.Fprintf(w, "incomplete: %s\n", strings.Join(failed, ","))
	}
}
