package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fluxkompensator/postfixer/internal/adapter/inbound/admin"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key",
	Short: "Hash an admin API key with argon2id",
	Long: `Hash an admin API key for the admin.api_key_hash config field.

The key is read from the terminal (without echo), or from stdin when
piped. It is never taken from the command line, so it cannot leak into
shell history.

Examples:
  # Interactive prompt
  postfixer hash-key

  # From a secret manager
  pass show postfixer/api-key | postfixer hash-key`,
	Args: cobra.NoArgs,
	RunE: runHashKey,
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}

func runHashKey(cmd *cobra.Command, args []string) error {
	key, err := readKey()
	if err != nil {
		return err
	}

	hash, err := admin.HashAPIKey(key)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

// readKey reads the API key without echo on a terminal, or one line from
// stdin when piped.
func readKey() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "API key: ")
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read key: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read key from stdin: %w", err)
	}
	return strings.TrimSpace(line), nil
}
