package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ledgerforge/decision-ledger/pkg/canon"
)

func newNormalizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "normalize <file>",
		Short: "Print the canonical byte form of a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := readJSONFile(args[0])
			if err != nil {
				return err
			}
			out, err := canon.Marshal(v)
			if err != nil {
				return fmt.Errorf("normalize: %w", err)
			}
			_, err = os.Stdout.Write(append(out, '\n'))
			return err
		},
	}
	return cmd
}
