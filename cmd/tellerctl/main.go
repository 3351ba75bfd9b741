package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/example/teller-assist/internal/charges"
	"github.com/example/teller-assist/internal/pricing"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "tellerctl",
		Short:         "Teller assist tooling: charge quotes, fee matrices and audit logs",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(quoteCmd())
	rootCmd.AddCommand(segmentCmd())
	rootCmd.AddCommand(matrixCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(clientCmd())
	return rootCmd
}

// loadMatrix reads a YAML matrix, or returns the built-in one for "".
func loadMatrix(path string) (charges.Matrix, error) {
	if path == "" {
		return charges.DefaultMatrix(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return pricing.ParseYAML(f)
}

func loadCustomer(path string) (*charges.Customer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c charges.Customer
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse customer %s: %w", path, err)
	}
	return &c, nil
}

func quoteCmd() *cobra.Command {
	var (
		service, segment, customerFile, amount, matrixFile string
		asJSON                                             bool
	)

	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Compute service fee, excise duty and VAT for a transaction",
		Example: `  tellerctl quote --service cash-withdrawal --segment retail --amount 50000
  tellerctl quote --service fx-transfer --customer customer.json --amount 10000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if segment == "" && customerFile == "" {
				return fmt.Errorf("one of --segment or --customer is required")
			}

			m, err := loadMatrix(matrixFile)
			if err != nil {
				return err
			}
			req := charges.QuoteRequest{ServiceID: service, Segment: charges.Segment(segment)}
			if customerFile != "" && segment == "" {
				if req.Customer, err = loadCustomer(customerFile); err != nil {
					return err
				}
			}
			if amount != "" {
				d, err := decimal.NewFromString(amount)
				if err != nil {
					return fmt.Errorf("invalid --amount %q", amount)
				}
				req.Amount = decimal.NewNullDecimal(d)
			}

			q, err := charges.NewEngine(m).Quote(req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(q)
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "Service:\t%s\n", q.ServiceID)
			fmt.Fprintf(tw, "Segment:\t%s (%s)\n", q.SegmentLabel, q.Segment)
			fmt.Fprintf(tw, "Amount:\t%s\n", q.Amount)
			fmt.Fprintf(tw, "Service fee:\t%s\n", q.Charges.ServiceFee)
			fmt.Fprintf(tw, "Excise duty:\t%s\n", q.Charges.ExciseDuty)
			fmt.Fprintf(tw, "VAT:\t%s\n", q.Charges.VAT)
			fmt.Fprintf(tw, "Total:\t%s\n", q.Charges.TotalCharges)
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&service, "service", "", "Service ID, e.g. cash-withdrawal")
	cmd.Flags().StringVar(&segment, "segment", "", "Customer segment ("+segmentList()+")")
	cmd.Flags().StringVar(&customerFile, "customer", "", "Customer JSON file to infer the segment from")
	cmd.Flags().StringVar(&amount, "amount", "", "Transaction amount")
	cmd.Flags().StringVar(&matrixFile, "matrix", "", "Fee matrix YAML (default: built-in tariff)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the quote as JSON")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}

func segmentCmd() *cobra.Command {
	var customerFile string

	cmd := &cobra.Command{
		Use:   "segment",
		Short: "Infer a customer's pricing segment from their accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadCustomer(customerFile)
			if err != nil {
				return err
			}
			seg := charges.InferSegment(*c)
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", seg, charges.SegmentLabel(seg))
			return nil
		},
	}

	cmd.Flags().StringVar(&customerFile, "customer", "", "Customer JSON file")
	_ = cmd.MarkFlagRequired("customer")
	return cmd
}

func segmentList() string {
	segs := charges.Segments()
	names := make([]string, len(segs))
	for i, s := range segs {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}
