package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/teller-assist/internal/pricing"
)

func matrixCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "matrix",
		Short: "Export and check fee matrices",
	}
	cmd.AddCommand(matrixExportCmd())
	cmd.AddCommand(matrixValidateCmd())
	return cmd
}

func matrixExportCmd() *cobra.Command {
	var out, from string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the fee matrix as YAML",
		Long: `Write the fee matrix as YAML, ready to serve with PRICING_SOURCE=file.
Without --from the built-in tariff is exported.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadMatrix(from)
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				return pricing.WriteYAML(cmd.OutOrStdout(), m)
			}

			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := pricing.WriteYAML(f, m); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d services to %s\n", len(m), out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default stdout)")
	cmd.Flags().StringVar(&from, "from", "", "Re-export an existing matrix file")
	return cmd
}

func matrixValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Check a fee matrix YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadMatrix(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d services\n", len(m))
			return nil
		},
	}
}
