// Package config defines the settings cmd/corechain loads at startup, the
// same way the teacher's app/services/node builds a cfg struct with
// ardanlabs/conf tags and parses it against the environment and the command
// line in one call.
package config

import (
	"time"

	"github.com/ardanlabs/conf/v3"
)

// Config is the full set of settings a corechain process accepts. Every
// field carries a conf default so the binary runs out of the box against
// an ephemeral in-memory store.
type Config struct {
	conf.Version

	Chain struct {
		Backend           string        `conf:"default:memory"`
		DBPath            string        `conf:"default:zblock/corechain.db"`
		GenesisPath       string        `conf:"default:zblock/genesis.json"`
		Difficulty        uint64        `conf:"default:4"`
		RetargetWindow    uint64        `conf:"default:0"`
		ExpectedBlockTime time.Duration `conf:"default:2s"`
	}

	Mine struct {
		MinerAddress string `conf:"default:"`
	}
}

// Parse fills cfg's defaults and then overlays environment variables and
// command-line flags under prefix, returning usage help text when the
// caller asked for it (conf.ErrHelpWanted).
func Parse(prefix string, build string) (Config, string, error) {
	cfg := Config{
		Version: conf.Version{
			Build: build,
			Desc:  "corechain demo node",
		},
	}

	help, err := conf.Parse(prefix, &cfg)
	if err != nil {
		return Config{}, help, err
	}
	return cfg, help, nil
}

// String renders cfg the way conf.String does, for a single startup log line.
func String(cfg Config) (string, error) {
	return conf.String(&cfg)
}

// UsesRetarget reports whether cfg asks for a windowed difficulty policy
// instead of a fixed one.
func (c Config) UsesRetarget() bool {
	return c.Chain.RetargetWindow > 0
}
