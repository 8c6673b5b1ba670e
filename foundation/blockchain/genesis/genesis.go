// Package genesis maintains access to the genesis file and the engine
// tunables it carries.
package genesis

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
)

// ReputationWeights is the blend applied when folding the raw performance
// signals into a single reputation score. The weights must sum to 1.
type ReputationWeights struct {
	Accuracy   float64 `json:"accuracy" validate:"gte=0,lte=1"`
	Uptime     float64 `json:"uptime" validate:"gte=0,lte=1"`
	Throughput float64 `json:"throughput" validate:"gte=0,lte=1"`
}

// Genesis represents the genesis file.
type Genesis struct {
	Date               time.Time         `json:"date"`
	ChainID            uint16            `json:"chain_id" validate:"required"`              // Unique id for this running instance.
	BlockReward        uint64            `json:"block_reward"`                              // Reward credited to the producer of a block.
	MinStake           uint64            `json:"min_stake" validate:"required"`             // Stake required for a validator to be eligible.
	CheckpointInterval uint64            `json:"checkpoint_interval" validate:"required"`   // Create a checkpoint every N blocks.
	ReorgLimit         uint64            `json:"reorg_limit" validate:"required"`           // Deepest reorganization the engine will accept.
	SelectionWindow    int               `json:"selection_window" validate:"required"`      // Number of past selections the fairness adjustment looks at.
	MaxConsecutive     int               `json:"max_consecutive" validate:"required,gte=1"` // Times in a row one validator may produce before being skipped.
	MissWindow         uint64            `json:"miss_window" validate:"required"`           // Rolling window of blocks for counting missed productions.
	MissLimit          int               `json:"miss_limit" validate:"required"`            // Misses within the window that cause jailing.
	JailPenalty        uint64            `json:"jail_penalty" validate:"required"`          // Blocks a jailed validator must wait before unjailing.
	Reputation         ReputationWeights `json:"reputation"`
	Balances           map[string]uint64 `json:"balances"` // Spendable outputs granted by the genesis block.
	Stakes             map[string]uint64 `json:"stakes"`   // Validator stakes bonded at genesis.
}

// =============================================================================

// Load opens and consumes the genesis file at the specified path.
func Load(path string) (Genesis, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Genesis{}, err
	}

	var genesis Genesis
	if err := json.Unmarshal(content, &genesis); err != nil {
		return Genesis{}, err
	}

	if err := genesis.Validate(); err != nil {
		return Genesis{}, err
	}

	return genesis, nil
}

// Validate checks the genesis settings are complete and consistent.
func (g Genesis) Validate() error {
	if err := validator.New().Struct(g); err != nil {
		return fmt.Errorf("invalid genesis: %w", err)
	}

	sum := g.Reputation.Accuracy + g.Reputation.Uptime + g.Reputation.Throughput
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("invalid genesis: reputation weights sum to %.3f, expect 1", sum)
	}

	return nil
}
