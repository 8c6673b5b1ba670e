package state

import (
	"errors"

	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/checkpoint"
	"github.com/sa2shinakamo2/bt2c/foundation/events"
)

// errNoCheckpoint is returned by RestoreToCheckpoint when no checkpoint
// has been recorded yet.
var errNoCheckpoint = errors.New("no checkpoint recorded")

// CheckpointIfDue creates a checkpoint for the most recent interval
// boundary the chain has crossed, if one does not exist yet. Safe to call
// repeatedly; it is driven by the worker's checkpoint cycle.
func (s *State) CheckpointIfDue() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	height, exists := s.db.Height()
	if !exists {
		return nil
	}

	interval := s.checkpoints.Interval()
	if interval == 0 || height < interval {
		return nil
	}
	target := height - height%interval

	if latest, exists := s.checkpoints.Latest(); exists && latest.Height >= target {
		return nil
	}

	block, err := s.db.GetBlock(target)
	if err != nil {
		return err
	}

	cp, err := s.checkpoints.Create(target, block.Hash())
	if err != nil {
		return err
	}

	if s.events != nil {
		s.events.Send(events.Event{
			Kind:   events.KindCheckpoint,
			Height: cp.Height,
			Hash:   cp.BlockHash,
		})
	}

	return nil
}

// VerifyCheckpoints walks every checkpoint and confirms the stored chain
// carries the recorded hash at each checkpoint height.
func (s *State) VerifyCheckpoints() error {
	for _, cp := range s.checkpoints.All() {
		block, err := s.db.GetBlock(cp.Height)
		if err != nil {
			return err
		}

		if block.Hash() != cp.BlockHash {
			return &checkpoint.CheckpointHashMismatchError{
				Height:    cp.Height,
				Expected:  cp.BlockHash,
				StoredVal: block.Hash(),
			}
		}
	}

	return nil
}

// RestoreToCheckpoint rewinds the chain to the most recent checkpoint and
// rebuilds the UTXO set from genesis. Used for recovery when the chain
// above the checkpoint is not trusted.
func (s *State) RestoreToCheckpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, exists := s.checkpoints.Latest()
	if !exists {
		return errNoCheckpoint
	}

	block, err := s.db.GetBlock(cp.Height)
	if err != nil {
		return err
	}
	if block.Hash() != cp.BlockHash {
		return &checkpoint.CheckpointHashMismatchError{
			Height:    cp.Height,
			Expected:  cp.BlockHash,
			StoredVal: block.Hash(),
		}
	}

	if err := s.db.Truncate(cp.Height); err != nil {
		return err
	}

	// The registry counters and selection state must not keep reflecting
	// the rolled back blocks, so everything derived is rebuilt from the
	// surviving chain, the same as a restart.
	if err := s.rebuildLocked(); err != nil {
		return err
	}

	s.evHandler("state: RestoreToCheckpoint: restored to height[%d] hash[%s]", cp.Height, cp.BlockHash)

	return nil
}

// Checkpoints returns the recorded checkpoints, most recent first.
func (s *State) Checkpoints() []checkpoint.Checkpoint {
	return s.checkpoints.All()
}

// VerifyCheckpoint checks the trustworthiness of a single checkpoint
// record under the configured trust settings.
func (s *State) VerifyCheckpoint(cp checkpoint.Checkpoint) bool {
	return s.checkpoints.Verify(cp)
}
