package state

import (
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/database"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/selector"
	"github.com/sa2shinakamo2/bt2c/foundation/events"
)

// AppendBlock validates the block against the current tip and, when it
// passes, commits it: the UTXO set is updated, the block is written to the
// store, the selection state advances and the producer is credited.
func (s *State) AppendBlock(block database.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.acceptBlockLocked(block, false)
}

// ValidateBlock runs the full acceptance checks for the block without
// mutating any state. A nil error means AppendBlock would take it.
func (s *State) ValidateBlock(block database.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.validateBlockLocked(block, false)
}

// =============================================================================

// acceptBlockLocked performs validation and commit under the chain lock.
// skipSelection is set during reorg replay, where historical selection
// state can no longer be reconstructed. Callers must hold the mutex.
func (s *State) acceptBlockLocked(block database.Block, skipSelection bool) error {
	if err := s.validateBlockLocked(block, skipSelection); err != nil {
		return err
	}

	// Validate the UTXO effects before anything mutates, so a double spend
	// leaves nothing to unwind.
	if err := s.utxos.ValidateBlock(block); err != nil {
		s.sendInvalid(block, err.Error())
		return err
	}

	// The store append is the commit point. Concurrent readers never see
	// output changes for a block the store does not hold.
	if _, err := s.db.Append(block); err != nil {
		return err
	}

	if err := s.utxos.ApplyBlock(block); err != nil {
		// The same validation just passed under the chain lock, so this
		// cannot be a rejection. Put the store back regardless.
		if block.Header.Height > 0 {
			if trErr := s.db.Truncate(block.Header.Height - 1); trErr != nil {
				s.evHandler("state: acceptBlock: ERROR: unwinding store: %s", trErr)
			}
		}
		return err
	}

	if block.Header.Height > 0 {
		prevBlock, err := s.db.GetBlock(block.Header.Height - 1)
		if err == nil {
			s.selector.Commit(block.Header.ValidatorID, selector.ContextFromBlock(prevBlock))
		}
		s.registry.RecordProposed(block.Header.ValidatorID, block.Header.Height)
	}

	s.evHandler("state: acceptBlock: height[%d] hash[%s] trans[%d] validator[%s]",
		block.Header.Height, block.Hash(), len(block.Trans.Values()), block.Header.ValidatorID)

	if s.events != nil {
		s.events.Send(events.Event{
			Kind:   events.KindBlockAdded,
			Height: block.Header.Height,
			Hash:   block.Hash(),
		})
	}

	return nil
}

// validateBlockLocked checks linkage, producer signature and selection
// legitimacy against the current tip. Callers must hold the mutex.
func (s *State) validateBlockLocked(block database.Block, skipSelection bool) error {
	tip := s.db.LatestBlock()
	_, haveBlocks := s.db.Height()

	// Genesis is accepted only into an empty store and carries no
	// producer signature.
	if !haveBlocks {
		if block.Header.Height != 0 {
			err := &database.HeightMismatchError{Got: block.Header.Height, Want: 0}
			s.sendInvalid(block, err.Error())
			return err
		}
		if err := block.ValidateLinkage(database.Block{}); err != nil {
			s.sendInvalid(block, err.Error())
			return err
		}
		return nil
	}

	if err := block.ValidateLinkage(tip); err != nil {
		s.sendInvalid(block, err.Error())
		return err
	}

	producer, err := block.Producer()
	if err != nil {
		err := &database.InvalidBlockError{Height: block.Header.Height, Hash: block.Hash(), Reason: "unrecoverable block signature"}
		s.sendInvalid(block, err.Reason)
		return err
	}
	if producer != block.Header.ValidatorID {
		err := &database.InvalidBlockError{Height: block.Header.Height, Hash: block.Hash(), Reason: "block not signed by its validator"}
		s.sendInvalid(block, err.Reason)
		return err
	}

	if !skipSelection {
		expected, err := s.selector.Pick(s.registry.Active(), selector.ContextFromBlock(tip))
		if err != nil {
			return err
		}
		if expected != block.Header.ValidatorID {
			err := &database.InvalidBlockError{Height: block.Header.Height, Hash: block.Hash(), Reason: "validator was not selected for this height"}
			s.sendInvalid(block, err.Reason)
			return err
		}
	}

	return nil
}

// sendInvalid publishes an invalid-block event.
func (s *State) sendInvalid(block database.Block, reason string) {
	s.evHandler("state: validateBlock: REJECTED: height[%d] reason[%s]", block.Header.Height, reason)

	if s.events != nil {
		s.events.Send(events.Event{
			Kind:   events.KindInvalidBlock,
			Height: block.Header.Height,
			Hash:   block.Hash(),
			Reason: reason,
		})
	}
}
