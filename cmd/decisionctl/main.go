// Command decisionctl is a small offline tool for working with decision
// JSON outside a running service: computing canonical hashes, printing the
// canonical form, and verifying exported receipts.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "decisionctl",
		Short: "Offline tools for decision ledger JSON: hash, normalize, verify",
	}
	root.AddCommand(newHashCmd())
	root.AddCommand(newNormalizeCmd())
	root.AddCommand(newVerifyCmd())
	return root
}
