// Command corechain is a demo client for the blockchain engine: it mines,
// queries, forks, and swaps a local chain from the command line, the way
// the teacher's app/wallet/cmd exercises its own blockchain package.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chainforge/corechain/config"
	"github.com/chainforge/corechain/foundation/blockchain/engine"
	"github.com/chainforge/corechain/foundation/blockchain/genesis"
	"github.com/chainforge/corechain/foundation/blockchain/policy"
	"github.com/chainforge/corechain/foundation/blockchain/store"
	"github.com/chainforge/corechain/foundation/blockchain/store/leveldb"
	"github.com/chainforge/corechain/foundation/blockchain/store/memory"
	"github.com/chainforge/corechain/foundation/logger"
)

// build is the git version of this program, set using build flags in the
// makefile (spec.md doesn't mention a build system; this mirrors the
// teacher's own `var build = "develop"` in every app/*/main.go).
var build = "develop"

var (
	log *zap.SugaredLogger
	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "corechain",
	Short: "Mine, query, fork, and swap a corechain blockchain",
}

// Execute runs the selected subcommand; each subcommand adds itself to
// rootCmd in its own file's init.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if log != nil {
			log.Errorw("startup", "ERROR", err)
		} else {
			fmt.Println(err)
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

// initConfig is run once before any subcommand: it builds the process
// logger and parses the shared Config, the way the teacher's main()/run()
// split does before dispatching into app logic.
func initConfig() {
	var err error
	log, err = logger.New("CORECHAIN")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	const prefix = "CORECHAIN"
	var help string
	cfg, help, err = config.Parse(prefix, build)
	if err != nil {
		fmt.Println(help)
		fmt.Println(err)
		os.Exit(1)
	}
}

// eventHandler adapts log into the engine's EventHandler callback shape,
// the same split the teacher keeps between foundation/blockchain/state and
// app/services/node/handlers.
func eventHandler() engine.EventHandler {
	return func(v string, args ...any) {
		log.Infof(v, args...)
	}
}

// openStore opens the configured backend.
func openStore() (store.Store, func() error, error) {
	switch cfg.Chain.Backend {
	case "memory":
		return memory.New(), func() error { return nil }, nil
	case "leveldb":
		db, err := leveldb.Open(cfg.Chain.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("opening leveldb store: %w", err)
		}
		return db, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown chain backend %q", cfg.Chain.Backend)
	}
}

// openPolicy builds either a Fixed or windowed Retarget policy per cfg.
func openPolicy() policy.BlockPolicy {
	if cfg.UsesRetarget() {
		return policy.NewRetarget(cfg.Chain.Difficulty, cfg.Chain.ExpectedBlockTime, cfg.Chain.RetargetWindow, 1)
	}
	return policy.NewFixed(cfg.Chain.Difficulty)
}

// openChain opens the store and bootstraps (or re-attaches to) the chain it
// holds, loading a genesis descriptor from disk if one is present and
// falling back to an empty genesis dated now otherwise.
func openChain() (*engine.BlockChain, store.Store, func() error, error) {
	db, closeFn, err := openStore()
	if err != nil {
		return nil, nil, nil, err
	}

	g, err := genesis.Load(cfg.Chain.GenesisPath)
	if err != nil {
		g = genesis.Genesis{
			ChainName:         "corechain-dev",
			Date:              time.Now().UTC(),
			Difficulty:        cfg.Chain.Difficulty,
			ExpectedBlockTime: cfg.Chain.ExpectedBlockTime,
		}
	}

	chain, err := engine.Bootstrap(db, openPolicy(), newRegistry(), eventHandler(), g)
	if err != nil {
		closeFn()
		return nil, nil, nil, fmt.Errorf("bootstrapping chain: %w", err)
	}

	return chain, db, closeFn, nil
}

func main() {
	Execute()
}
