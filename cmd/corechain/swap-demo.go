package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chainforge/corechain/foundation/blockchain/action"
	"github.com/chainforge/corechain/foundation/blockchain/render"
	"github.com/chainforge/corechain/foundation/blockchain/signature"
)

var (
	swapMainBlocks int
	swapBack       int
	swapForkBlocks int
)

// swapDemoCmd runs a whole fork/swap cycle in one process: mine a short
// main chain, fork a few blocks back, mine a longer competing branch, then
// swap onto it and report every render/unrender the engine fires (spec
// §4.3.6). It exists to demonstrate the reorganization end to end without
// needing two cooperating processes.
var swapDemoCmd = &cobra.Command{
	Use:   "swap-demo",
	Short: "Demonstrate a fork-and-swap reorganization against an ephemeral chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		chain, _, closeFn, err := openChain()
		if err != nil {
			return err
		}
		defer closeFn()

		miner := signature.Address{0x01}
		other := signature.Address{0x02}

		var branch signature.HashDigest
		for i := 0; i < swapMainBlocks; i++ {
			mined, err := chain.MineBlock(context.Background(), miner, time.Now().UTC())
			if err != nil {
				return fmt.Errorf("mining main block %d: %w", i, err)
			}
			if i == swapMainBlocks-1-swapBack {
				branch = mined.Hash()
			}
		}
		if branch == signature.ZeroDigest {
			if tip, ok := chain.Tip(); ok {
				branch = tip.Hash()
			}
		}

		forked, err := chain.Fork(context.Background(), branch)
		if err != nil {
			return fmt.Errorf("forking: %w", err)
		}

		for i := 0; i < swapForkBlocks; i++ {
			if _, err := forked.MineBlock(context.Background(), other, time.Now().UTC()); err != nil {
				return fmt.Errorf("mining fork block %d: %w", i, err)
			}
		}

		unsubscribe := chain.Renders().Subscribe(render.Sink{
			Rendered: func(a action.Action, ctx action.Context, _ *action.AccountStateDelta) {
				fmt.Printf("render:   block[%d] action[%s]\n", ctx.BlockIndex, a.Type())
			},
			Unrendered: func(a action.Action, ctx action.Context, _ *action.AccountStateDelta) {
				fmt.Printf("unrender: block[%d] action[%s]\n", ctx.BlockIndex, a.Type())
			},
		})
		defer unsubscribe()

		if err := chain.Swap(context.Background(), forked, true); err != nil {
			return fmt.Errorf("swapping: %w", err)
		}

		fmt.Printf("swapped onto chain id=%s\n", chain.ID())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(swapDemoCmd)
	swapDemoCmd.Flags().IntVar(&swapMainBlocks, "main-blocks", 3, "Blocks to mine on the original chain before forking")
	swapDemoCmd.Flags().IntVar(&swapBack, "back", 1, "How many blocks back from the tip to branch from")
	swapDemoCmd.Flags().IntVar(&swapForkBlocks, "fork-blocks", 2, "Blocks to mine on the forked branch before swapping")
}
