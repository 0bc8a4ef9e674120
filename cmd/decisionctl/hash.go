package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ledgerforge/decision-ledger/pkg/canon"
)

func newHashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash <file>",
		Short: "Print the canonical SHA-256 hash of a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := readJSONFile(args[0])
			if err != nil {
				return err
			}
			hash, err := canon.HashHex(v)
			if err != nil {
				return fmt.Errorf("hash: %w", err)
			}
			fmt.Println(hash)
			return nil
		},
	}
	return cmd
}

func readJSONFile(path string) (interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}
