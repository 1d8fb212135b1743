package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

var hashCost int

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userHashCmd)
	userHashCmd.Flags().IntVar(&hashCost, "cost", bcrypt.DefaultCost, "bcrypt cost")
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Console operator helpers",
}

var userHashCmd = &cobra.Command{
	Use:   "hash <password>",
	Short: "Print a bcrypt hash for console.users[].password_hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), hashCost)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(hash))
		return nil
	},
}
