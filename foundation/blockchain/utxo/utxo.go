// Package utxo maintains the set of unspent transaction outputs, applying
// and reverting them per block. Spent outputs are retained so a reorg can
// restore them without replaying the whole chain.
package utxo

import (
	"fmt"
	"sync"

	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/database"
)

// Outpoint uniquely identifies a transaction output.
type Outpoint struct {
	TxHash string
	Index  uint32
}

// String implements the fmt.Stringer interface for logging.
func (op Outpoint) String() string {
	return fmt.Sprintf("%s:%d", op.TxHash, op.Index)
}

// UTXO holds the information for a single unspent output.
type UTXO struct {
	TxHash      string             `json:"tx_hash"`
	OutputIndex uint32             `json:"out_index"`
	OwnerID     database.AccountID `json:"owner"`
	Amount      uint64             `json:"amount"`
	BlockHeight uint64             `json:"block_height"` // Height of the block that created this output.
	BlockHash   string             `json:"block_hash"`   // Hash of the block that created this output.
	Coinbase    bool               `json:"coinbase"`
}

// =============================================================================

// DoubleSpendError is returned when a transaction references an output that
// is not unspent, either because it never existed, was already consumed, or
// is consumed twice inside the same block.
type DoubleSpendError struct {
	TxHash      string
	OutputIndex uint32
	BlockHeight uint64
}

// Error implements the error interface.
func (e *DoubleSpendError) Error() string {
	return fmt.Sprintf("double spend in block %d: output %s:%d is not unspent", e.BlockHeight, e.TxHash, e.OutputIndex)
}

// =============================================================================

// Locator is used during revert when a spent pre-image has been pruned and
// the output must be reconstructed from its defining transaction.
type Locator func(txHash string, index uint32) (UTXO, error)

// Set manages the unspent output set for the chain. Apply and revert are
// all-or-nothing per block; validation happens before any mutation.
type Set struct {
	mu        sync.RWMutex
	unspent   map[Outpoint]UTXO
	spent     map[Outpoint]UTXO
	locator   Locator
	evHandler func(v string, args ...any)
}

// New constructs a UTXO set. The locator may be nil when pre-image
// reconstruction is not needed.
func New(locator Locator, evHandler func(v string, args ...any)) *Set {
	return &Set{
		unspent:   make(map[Outpoint]UTXO),
		spent:     make(map[Outpoint]UTXO),
		locator:   locator,
		evHandler: evHandler,
	}
}

// ValidateBlock checks the block's transactions against the current set
// without mutating anything. A nil return means ApplyBlock will succeed
// for the same block against the same set.
func (s *Set) ValidateBlock(block database.Block) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.validateLocked(block)
}

// ApplyBlock applies the block's transactions in order: referenced inputs
// are marked spent and new outputs created. The whole block is validated
// against the current set before the first mutation, so a rejected block
// leaves the set untouched.
func (s *Set) ApplyBlock(block database.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateLocked(block); err != nil {
		return err
	}

	trans := block.Trans.Values()

	// Commit pass.
	for _, tx := range trans {
		for _, in := range tx.Inputs {
			op := Outpoint{TxHash: in.TxHash, Index: in.OutputIndex}
			s.spent[op] = s.unspent[op]
			delete(s.unspent, op)
		}

		txHash := tx.HashHex()
		for i, out := range tx.Outputs {
			op := Outpoint{TxHash: txHash, Index: uint32(i)}
			s.unspent[op] = UTXO{
				TxHash:      txHash,
				OutputIndex: uint32(i),
				OwnerID:     out.ToID,
				Amount:      out.Amount,
				BlockHeight: block.Header.Height,
				BlockHash:   block.Hash(),
				Coinbase:    tx.IsCoinbase(),
			}
		}
	}

	s.evHandler("utxo: ApplyBlock: height[%d] applied %d transactions", block.Header.Height, len(trans))

	return nil
}

// validateLocked runs the apply-time validation pass. Outputs created
// earlier in the block are spendable by later transactions in the same
// block. Callers must hold the mutex.
func (s *Set) validateLocked(block database.Block) error {
	created := make(map[Outpoint]bool)
	consumed := make(map[Outpoint]bool)

	for _, tx := range block.Trans.Values() {
		if tx.IsCoinbase() {
			continue
		}

		for _, in := range tx.Inputs {
			op := Outpoint{TxHash: in.TxHash, Index: in.OutputIndex}

			if consumed[op] {
				return &DoubleSpendError{TxHash: in.TxHash, OutputIndex: in.OutputIndex, BlockHeight: block.Header.Height}
			}
			if _, exists := s.unspent[op]; !exists && !created[op] {
				return &DoubleSpendError{TxHash: in.TxHash, OutputIndex: in.OutputIndex, BlockHeight: block.Header.Height}
			}
			consumed[op] = true
		}

		txHash := tx.HashHex()
		for i := range tx.Outputs {
			created[Outpoint{TxHash: txHash, Index: uint32(i)}] = true
		}
	}

	return nil
}

// RevertBlock undoes the block's transactions in reverse order: outputs
// created by the block are removed and each spent input is restored from
// its retained pre-image, or reconstructed through the locator when the
// pre-image is unavailable.
func (s *Set) RevertBlock(block database.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	trans := block.Trans.Values()

	for i := len(trans) - 1; i >= 0; i-- {
		tx := trans[i]
		txHash := tx.HashHex()

		for j := range tx.Outputs {
			delete(s.unspent, Outpoint{TxHash: txHash, Index: uint32(j)})
		}

		for _, in := range tx.Inputs {
			op := Outpoint{TxHash: in.TxHash, Index: in.OutputIndex}

			restored, exists := s.spent[op]
			if !exists || restored.TxHash == "" {
				if s.locator == nil {
					return fmt.Errorf("reverting block %d: no spent record for %s", block.Header.Height, op)
				}

				var err error
				restored, err = s.locator(in.TxHash, in.OutputIndex)
				if err != nil {
					return fmt.Errorf("reverting block %d: reconstructing %s: %w", block.Header.Height, op, err)
				}
			}

			s.unspent[op] = restored
			delete(s.spent, op)
		}
	}

	s.evHandler("utxo: RevertBlock: height[%d] reverted %d transactions", block.Header.Height, len(trans))

	return nil
}

// IsUnspent reports whether the specified output exists and is unspent.
func (s *Set) IsUnspent(txHash string, index uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.unspent[Outpoint{TxHash: txHash, Index: index}]
	return exists
}

// Get returns the unspent output if it exists.
func (s *Set) Get(txHash string, index uint32) (UTXO, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, exists := s.unspent[Outpoint{TxHash: txHash, Index: index}]
	return u, exists
}

// SpentRecord returns the retained pre-image of a spent output, if the set
// still holds it.
func (s *Set) SpentRecord(txHash string, index uint32) (UTXO, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, exists := s.spent[Outpoint{TxHash: txHash, Index: index}]
	return u, exists
}

// Balance sums the unspent outputs owned by the specified account.
func (s *Set) Balance(accountID database.AccountID) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var balance uint64
	for _, u := range s.unspent {
		if u.OwnerID == accountID {
			balance += u.Amount
		}
	}
	return balance
}

// Count returns the number of unspent outputs in the set.
func (s *Set) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.unspent)
}

// Copy returns a snapshot of the unspent set for queries and diagnostics.
func (s *Set) Copy() map[Outpoint]UTXO {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := make(map[Outpoint]UTXO, len(s.unspent))
	for op, u := range s.unspent {
		cp[op] = u
	}
	return cp
}
