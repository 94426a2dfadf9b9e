package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chainforge/corechain/foundation/blockchain/signature"
)

var (
	queryAddresses []string
	queryOffset    string
	queryComplete  bool
)

// queryStateCmd prints the opaque state the engine has on file for a set
// of addresses as of a given block (spec §4.3.3), defaulting to the tip.
var queryStateCmd = &cobra.Command{
	Use:   "query-state",
	Short: "Print the state of one or more addresses as of a block",
	RunE: func(cmd *cobra.Command, args []string) error {
		chain, _, closeFn, err := openChain()
		if err != nil {
			return err
		}
		defer closeFn()

		offset := signature.ZeroDigest
		if queryOffset != "" {
			offset = parseHash(queryOffset)
		} else if tip, ok := chain.Tip(); ok {
			offset = tip.Hash()
		}

		addrs := make([]signature.Address, len(queryAddresses))
		for i, a := range queryAddresses {
			addrs[i] = parseAddress(a)
		}

		states, err := chain.GetStates(addrs, offset, queryComplete)
		if err != nil {
			return fmt.Errorf("getting states: %w", err)
		}

		for _, addr := range addrs {
			v, ok := states[addr]
			if !ok {
				fmt.Printf("%s: <no state>\n", addr)
				continue
			}
			fmt.Printf("%s: %s\n", addr, v)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(queryStateCmd)
	queryStateCmd.Flags().StringSliceVarP(&queryAddresses, "address", "a", nil, "Address to query (repeatable)")
	queryStateCmd.Flags().StringVar(&queryOffset, "offset", "", "Block hash to query as of (default: current tip)")
	queryStateCmd.Flags().BoolVar(&queryComplete, "complete", false, "Recover missing block-state snapshots instead of failing")
}
