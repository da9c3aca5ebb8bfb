package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"algotrader/internal/api"
	"algotrader/pkg/crypto"
)

const version = "2.0.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "algotrader version %s\n", version)
	},
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Read a password from stdin and print its ADMIN_PASSWORD_HASH",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pw, err := readLine(cmd)
		if err != nil {
			return err
		}
		hash, err := api.HashPassword(pw)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Seal credentials for the environment",
	Long: `Values written as ENC[vN]:... in the environment are opened at startup
with MASTER_ENCRYPTION_KEY (older keys in MASTER_ENCRYPTION_KEY_V2 and up).
This applies to BYBIT_API_KEY, BYBIT_API_SECRET, TELEGRAM_BOT_TOKEN and
JWT_SECRET.`,
}

var secretGenKeyCmd = &cobra.Command{
	Use:   "gen-key",
	Short: "Print a new random master key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

var secretSealCmd = &cobra.Command{
	Use:   "seal",
	Short: "Read a value from stdin and print it sealed with the master key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := crypto.KeyringFromEnv(os.Getenv)
		if err != nil {
			return err
		}
		plain, err := readLine(cmd)
		if err != nil {
			return err
		}
		sealed, err := keys.Seal(plain)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), sealed)
		return nil
	},
}

func readLine(cmd *cobra.Command) (string, error) {
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return "", errors.New("empty input")
	}
	return line, nil
}

func init() {
	secretCmd.AddCommand(secretGenKeyCmd, secretSealCmd)
	rootCmd.AddCommand(versionCmd, hashPasswordCmd, secretCmd)
}
