// Package genesis maintains access to the genesis descriptor: the values
// a BlockChain needs to build and append block 0 before any transaction
// has ever been staged.
package genesis

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/chainforge/corechain/foundation/blockchain/signature"
)

// Genesis describes chain 0: its name, starting difficulty, the target
// spacing between blocks (consulted by policy.Retarget), and the seed
// state every address starts with. SeedState is opaque to the core the
// same way every other persisted state value is (spec §1 non-goal 5); it
// is handed to the bundled demo action as its pre-genesis state, not
// interpreted by the engine itself.
type Genesis struct {
	ChainName         string                        `json:"chain_name"`
	Date              time.Time                     `json:"date"`
	Difficulty        uint64                        `json:"difficulty"`
	ExpectedBlockTime time.Duration                 `json:"expected_block_time"`
	SeedState         map[signature.Address][]byte `json:"seed_state"`
}

// Load opens and parses a genesis descriptor from path.
func Load(path string) (Genesis, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Genesis{}, fmt.Errorf("genesis: load: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(content, &g); err != nil {
		return Genesis{}, fmt.Errorf("genesis: load: %w", err)
	}
	return g, nil
}

// Save writes g to path as indented JSON, the inverse of Load.
func Save(path string, g Genesis) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("genesis: save: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
