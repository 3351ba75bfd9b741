package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/teller-assist/internal/auth"
)

func clientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage OAuth client credentials",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "hash-secret",
		Short: "Read a client secret from stdin and print its bcrypt hash",
		Long:  "Read a client secret from stdin and print the secret_hash value for OAUTH_CLIENTS_FILE.",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			secret = strings.TrimRight(secret, "\r\n")
			if secret == "" {
				if err != nil {
					return fmt.Errorf("read secret: %w", err)
				}
				return errors.New("empty secret")
			}

			hash, err := auth.HashClientSecret(secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	})
	return cmd
}
