package state

import (
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/database"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/genesis"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/selector"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/utxo"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/validators"
)

// Genesis returns a copy of the genesis information.
func (s *State) Genesis() genesis.Genesis {
	return s.genesis
}

// Height returns the current chain height and whether any block exists.
func (s *State) Height() (uint64, bool) {
	return s.db.Height()
}

// LatestBlock returns the current tip of the chain.
func (s *State) LatestBlock() database.Block {
	return s.db.LatestBlock()
}

// GetBlock returns the block at the specified height.
func (s *State) GetBlock(height uint64) (database.Block, error) {
	return s.db.GetBlock(height)
}

// GetBlockByHash returns the block with the specified hash.
func (s *State) GetBlockByHash(hash string) (database.Block, error) {
	return s.db.GetBlockByHash(hash)
}

// BlocksInRange returns the blocks from height from through height to,
// inclusive, clipped to the chain.
func (s *State) BlocksInRange(from, to uint64) ([]database.Block, error) {
	tipHeight, exists := s.db.Height()
	if !exists {
		return nil, nil
	}
	if to > tipHeight {
		to = tipHeight
	}

	var blocks []database.Block
	for h := from; h <= to; h++ {
		block, err := s.db.GetBlock(h)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// Balance sums the unspent outputs owned by the specified account.
func (s *State) Balance(accountID database.AccountID) uint64 {
	return s.utxos.Balance(accountID)
}

// UnspentOutputs returns a snapshot of the full unspent output set.
func (s *State) UnspentOutputs() map[utxo.Outpoint]utxo.UTXO {
	return s.utxos.Copy()
}

// IsUnspent reports whether the specified output exists and is unspent.
func (s *State) IsUnspent(txHash string, index uint32) bool {
	return s.utxos.IsUnspent(txHash, index)
}

// Validators returns a snapshot of every validator record.
func (s *State) Validators() []validators.Validator {
	return s.registry.All()
}

// Validator returns the record for the specified validator.
func (s *State) Validator(accountID database.AccountID) (validators.Validator, bool) {
	return s.registry.Get(accountID)
}

// SelectionHistory returns the recent producer selections, oldest first.
func (s *State) SelectionHistory() []database.AccountID {
	return s.selector.History()
}

// NextProducer runs the selection for the next height without mutating the
// selection state.
func (s *State) NextProducer() (database.AccountID, error) {
	return s.selector.Pick(s.registry.Active(), selector.ContextFromBlock(s.db.LatestBlock()))
}
