package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"mailbridge/pkg/config"
)

var secretCmd = &cobra.Command{
	Use:   "secret KEY",
	Short: "Store a password in the system keyring",
	Long: "Reads a value from stdin and stores it under KEY. Config files can then use " +
		"\"keyring:KEY\" in place of a password or token.",
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		value, err := readSecret(cmd.InOrStdin())
		if err != nil {
			fmt.Printf("failed to read secret: %v\n", err)
			return
		}

		if err := config.StoreSecret(args[0], value); err != nil {
			fmt.Printf("failed to store secret: %v\n", err)
			return
		}

		fmt.Fprintf(cmd.OutOrStdout(), "stored keyring:%s\n", args[0])
	},
}

func init() {
	rootCmd.AddCommand(secretCmd)
}

// readSecret returns the first line of r without its line ending.
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}

	value := strings.TrimRight(line, "\r\n")
	if value == "" {
		return "", errors.New("empty value")
	}

	return value, nil
}
