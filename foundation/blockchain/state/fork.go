package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/database"
	"github.com/sa2shinakamo2/bt2c/foundation/events"
)

// ErrForkNotPreferred is returned when a candidate fork is valid but loses
// the comparison against the current chain.
var ErrForkNotPreferred = errors.New("candidate fork does not beat the current chain")

// ReorgTooDeepError is returned when adopting a fork would rewind past the
// reorganization limit or below the latest checkpoint.
type ReorgTooDeepError struct {
	Depth      uint64
	Limit      uint64
	Checkpoint uint64 // Height of the protecting checkpoint, when that is the bound.
}

// Error implements the error interface.
func (e *ReorgTooDeepError) Error() string {
	if e.Checkpoint > 0 {
		return fmt.Sprintf("reorg of depth %d would cross checkpoint at height %d", e.Depth, e.Checkpoint)
	}
	return fmt.Sprintf("reorg of depth %d exceeds limit %d", e.Depth, e.Limit)
}

// =============================================================================

// ResolveFork evaluates a candidate chain suffix against the current chain
// and, when the candidate wins, performs the reorganization: current blocks
// above the fork point are reverted and the candidate blocks applied. The
// candidate's first block must attach to a block this chain already holds.
// Cancellation via the context is honored between blocks; on any failure
// the original chain is restored.
func (s *State) ResolveFork(ctx context.Context, candidate []database.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(candidate) == 0 {
		return errors.New("empty candidate chain")
	}

	// Check the candidate is internally linked before touching anything.
	for i := 1; i < len(candidate); i++ {
		if err := candidate[i].ValidateLinkage(candidate[i-1]); err != nil {
			return fmt.Errorf("candidate not linked at offset %d: %w", i, err)
		}
	}

	forkHeight := candidate[0].Header.Height
	if forkHeight == 0 {
		return errors.New("candidate chain replaces genesis")
	}
	ancestorHeight := forkHeight - 1

	// Depth bounds come before the linkage check so a fork that attaches
	// too deep is classified as too deep, whatever its attach hash says.
	tipHeight, _ := s.db.Height()
	var depth uint64
	if tipHeight > ancestorHeight {
		depth = tipHeight - ancestorHeight
	}

	if depth > s.genesis.ReorgLimit {
		return &ReorgTooDeepError{Depth: depth, Limit: s.genesis.ReorgLimit}
	}
	if cp, exists := s.checkpoints.Latest(); exists && ancestorHeight < cp.Height {
		return &ReorgTooDeepError{Depth: depth, Limit: s.genesis.ReorgLimit, Checkpoint: cp.Height}
	}

	ancestor, err := s.db.GetBlock(ancestorHeight)
	if err != nil {
		return fmt.Errorf("fork point %d not in chain: %w", ancestorHeight, err)
	}
	if candidate[0].Header.PrevBlockHash != ancestor.Hash() {
		return &database.ChainDiscontinuityError{
			Height:   forkHeight,
			PrevHash: candidate[0].Header.PrevBlockHash,
			TipHash:  ancestor.Hash(),
		}
	}

	current, err := s.blocksAbove(ancestorHeight)
	if err != nil {
		return err
	}

	if !s.candidateWins(candidate, current) {
		s.evHandler("state: ResolveFork: candidate lost: fork height[%d] depth[%d]", forkHeight, depth)
		return ErrForkNotPreferred
	}

	oldTip := s.db.LatestBlock().Hash()

	if err := s.performReorg(ctx, ancestorHeight, current, candidate); err != nil {
		return err
	}

	newTip := s.db.LatestBlock()
	s.evHandler("state: ResolveFork: REORG: depth[%d] old tip[%s] new tip[%s]", depth, oldTip, newTip.Hash())

	if s.events != nil {
		s.events.Send(events.Event{
			Kind:   events.KindReorg,
			Height: newTip.Header.Height,
			Hash:   newTip.Hash(),
			Depth:  depth,
			OldTip: oldTip,
			NewTip: newTip.Hash(),
		})
	}

	return nil
}

// =============================================================================

// candidateWins applies the fork preference rules in order: longer suffix,
// higher total producer stake, higher cumulative difficulty, earlier summed
// timestamps. A full tie keeps the current chain.
func (s *State) candidateWins(candidate, current []database.Block) bool {
	if len(candidate) != len(current) {
		return len(candidate) > len(current)
	}

	candStake, currStake := s.suffixStake(candidate), s.suffixStake(current)
	if candStake != currStake {
		return candStake > currStake
	}

	candDiff, currDiff := suffixDifficulty(candidate), suffixDifficulty(current)
	if candDiff != currDiff {
		return candDiff > currDiff
	}

	candTime, currTime := suffixTimestamps(candidate), suffixTimestamps(current)
	return candTime < currTime
}

// suffixStake sums the bonded stake of each block's producer.
func (s *State) suffixStake(blocks []database.Block) uint64 {
	var total uint64
	for _, block := range blocks {
		total += s.registry.StakeOf(block.Header.ValidatorID)
	}
	return total
}

func suffixDifficulty(blocks []database.Block) uint64 {
	var total uint64
	for _, block := range blocks {
		total += block.Header.Difficulty
	}
	return total
}

func suffixTimestamps(blocks []database.Block) uint64 {
	var total uint64
	for _, block := range blocks {
		total += block.Header.TimeStamp
	}
	return total
}

// blocksAbove loads the current chain's blocks above the specified height,
// lowest first.
func (s *State) blocksAbove(height uint64) ([]database.Block, error) {
	tipHeight, exists := s.db.Height()
	if !exists || tipHeight <= height {
		return nil, nil
	}

	blocks := make([]database.Block, 0, tipHeight-height)
	for h := height + 1; h <= tipHeight; h++ {
		block, err := s.db.GetBlock(h)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// performReorg executes the switch: revert the current suffix top-down,
// truncate the store, then apply the candidate blocks in order. Any failure
// or cancellation rolls the chain back to where it was.
func (s *State) performReorg(ctx context.Context, ancestorHeight uint64, current, candidate []database.Block) error {
	reverted := 0
	truncated := false

	restore := func() {
		// Undo whatever progress was made, in reverse: candidates that got
		// applied come off, then the original suffix goes back on. Before
		// the truncate the store still holds the original blocks, so only
		// their UTXO effects need re-applying.
		if truncated {
			tipHeight, _ := s.db.Height()
			for h := tipHeight; h > ancestorHeight; h-- {
				block, err := s.db.GetBlock(h)
				if err != nil {
					s.evHandler("state: performReorg: ERROR: restore read height[%d]: %s", h, err)
					return
				}
				if err := s.utxos.RevertBlock(block); err != nil {
					s.evHandler("state: performReorg: ERROR: restore revert height[%d]: %s", h, err)
					return
				}
			}
			if err := s.db.Truncate(ancestorHeight); err != nil {
				s.evHandler("state: performReorg: ERROR: restore truncate: %s", err)
				return
			}
		}
		for i := 0; i < reverted; i++ {
			block := current[len(current)-reverted+i]
			if err := s.utxos.ApplyBlock(block); err != nil {
				s.evHandler("state: performReorg: ERROR: restore apply height[%d]: %s", block.Header.Height, err)
				return
			}
			if truncated {
				if _, err := s.db.Append(block); err != nil {
					s.evHandler("state: performReorg: ERROR: restore append height[%d]: %s", block.Header.Height, err)
					return
				}
			}
		}
	}

	for i := len(current) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			restore()
			return err
		}
		if err := s.utxos.RevertBlock(current[i]); err != nil {
			restore()
			return err
		}
		reverted++
	}

	if err := s.db.Truncate(ancestorHeight); err != nil {
		restore()
		return err
	}
	truncated = true

	for _, block := range candidate {
		if err := ctx.Err(); err != nil {
			restore()
			return err
		}
		if err := s.acceptBlockLocked(block, true); err != nil {
			restore()
			return err
		}
	}

	return nil
}
