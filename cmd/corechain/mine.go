package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/chainforge/corechain/foundation/blockchain/action"
	"github.com/chainforge/corechain/foundation/blockchain/engine"
	"github.com/chainforge/corechain/foundation/blockchain/signature"
)

var (
	mineKeyPath string
	mineMiner   string
	mineToAddr  string
	mineAmount  uint64
)

var mineCmd = &cobra.Command{
	Use:   "mine",
	Short: "Stage a demo bank transfer and mine one block",
	RunE: func(cmd *cobra.Command, args []string) error {
		chain, _, closeFn, err := openChain()
		if err != nil {
			return err
		}
		defer closeFn()

		miner := parseAddress(mineMiner)

		if mineToAddr != "" {
			privateKey, err := crypto.LoadECDSA(mineKeyPath)
			if err != nil {
				return fmt.Errorf("loading signer key: %w", err)
			}
			to := parseAddress(mineToAddr)

			txn, err := chain.MakeTransaction(privateKey, []signature.Address{to}, []action.Action{&bankAction{To: to, Amount: mineAmount}}, time.Now().UTC())
			if err != nil {
				return fmt.Errorf("making transaction: %w", err)
			}
			if err := chain.StageTransactions([]engine.StagedTx{{Tx: txn, Broadcast: true}}); err != nil {
				return fmt.Errorf("staging transaction: %w", err)
			}
		}

		mined, err := chain.MineBlock(context.Background(), miner, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("mining block: %w", err)
		}

		fmt.Printf("mined block index=%d hash=%s transactions=%d\n", mined.Header.Index, mined.Hash(), len(mined.Transactions))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mineCmd)
	mineCmd.Flags().StringVarP(&mineKeyPath, "key", "k", "private.ecdsa", "Path to the signer's private key (only needed with --to)")
	mineCmd.Flags().StringVarP(&mineMiner, "miner", "m", "0x0000000000000000000000000000000000000000", "Address credited as this block's miner")
	mineCmd.Flags().StringVar(&mineToAddr, "to", "", "Recipient address for a demo bank transfer staged before mining")
	mineCmd.Flags().Uint64Var(&mineAmount, "amount", 1, "Amount transferred to --to")
}
