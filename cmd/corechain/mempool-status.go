package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chainforge/corechain/foundation/blockchain/mempool"
)

// mempoolStatusCmd reports on the staged-transaction pool without mining,
// the read-side counterpart to a peer's relay loop: it is what a peer
// would consult to decide what to broadcast (spec §4.3.7) without
// reaching into the engine's write-locked staging path.
var mempoolStatusCmd = &cobra.Command{
	Use:   "mempool-status",
	Short: "Report the number of staged transactions and which need broadcasting",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, db, closeFn, err := openChain()
		if err != nil {
			return err
		}
		defer closeFn()

		mp, err := mempool.New(db)
		if err != nil {
			return fmt.Errorf("opening mempool: %w", err)
		}

		count, err := mp.Count()
		if err != nil {
			return fmt.Errorf("counting staged transactions: %w", err)
		}

		toBroadcast, err := mp.ToBroadcast()
		if err != nil {
			return fmt.Errorf("listing broadcast-pending transactions: %w", err)
		}

		fmt.Printf("staged=%d broadcast-pending=%d\n", count, len(toBroadcast))
		for _, id := range toBroadcast {
			fmt.Printf("  %s\n", id)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mempoolStatusCmd)
}
