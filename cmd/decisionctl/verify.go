package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ledgerforge/decision-ledger/pkg/receipt"
)

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <receipt-file>",
		Short: "Verify an exported decision receipt fully offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			var r receipt.DecisionReceiptV1
			if err := json.Unmarshal(data, &r); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			report := receipt.VerifyReceiptOffline(r)
			if !report.OK {
				fmt.Fprintf(os.Stderr, "INVALID: %s\n", report.Reason)
				os.Exit(1)
			}
			fmt.Println("OK")
			return nil
		},
	}
	return cmd
}
