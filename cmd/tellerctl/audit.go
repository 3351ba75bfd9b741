package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/teller-assist/pkg/audit"
)

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the hash-chained audit log",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify [file]",
		Short: "Recompute the hash chain of an AUDIT_LOG_FILE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			entries, err := audit.ReadEntries(f)
			if err != nil {
				return err
			}
			if !audit.VerifyChain(entries) {
				return errors.New("audit chain is broken")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d entries\n", len(entries))
			return nil
		},
	})
	return cmd
}
