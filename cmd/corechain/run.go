package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	runMiner    string
	runInterval time.Duration
)

// runCmd mines continuously against whatever the staging pool holds, the
// way the teacher's worker.Run loops its mining goroutine until the process
// receives SIGINT/SIGTERM.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Mine blocks from the staging pool until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		chain, _, closeFn, err := openChain()
		if err != nil {
			return err
		}
		defer closeFn()

		miner := parseAddress(runMiner)

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

		ticker := time.NewTicker(runInterval)
		defer ticker.Stop()

		log.Infow("startup", "status", "mining loop started", "miner", miner, "interval", runInterval)

		for {
			select {
			case <-shutdown:
				log.Infow("shutdown", "status", "mining loop stopped")
				return nil
			case <-ticker.C:
				mined, err := chain.MineBlock(context.Background(), miner, time.Now().UTC())
				if err != nil {
					log.Errorw("mine", "ERROR", err)
					continue
				}
				fmt.Printf("mined block index=%d hash=%s transactions=%d\n", mined.Header.Index, mined.Hash(), len(mined.Transactions))
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runMiner, "miner", "m", "0x0000000000000000000000000000000000000000", "Address credited as every mined block's miner")
	runCmd.Flags().DurationVar(&runInterval, "interval", 5*time.Second, "How often to attempt mining a block")
}
