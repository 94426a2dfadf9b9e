package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var forkBranch string

// forkCmd allocates a sibling chain identity branching off forkBranch,
// printing the new chain id without swapping onto it (spec §4.3.5).
var forkCmd = &cobra.Command{
	Use:   "fork",
	Short: "Fork a sibling chain at the given block hash",
	RunE: func(cmd *cobra.Command, args []string) error {
		if forkBranch == "" {
			return fmt.Errorf("--branch is required")
		}

		chain, _, closeFn, err := openChain()
		if err != nil {
			return err
		}
		defer closeFn()

		branchHash := parseHash(forkBranch)
		forked, err := chain.Fork(context.Background(), branchHash)
		if err != nil {
			return fmt.Errorf("forking: %w", err)
		}

		fmt.Printf("forked chain id=%s from branch=%s\n", forked.ID(), branchHash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(forkCmd)
	forkCmd.Flags().StringVar(&forkBranch, "branch", "", "Block hash to branch from")
}
