package database

import "fmt"

// HeightMismatchError is returned when a block's height is not the next
// height in the chain. The store is left unchanged.
type HeightMismatchError struct {
	Got  uint64
	Want uint64
}

// Error implements the error interface.
func (e *HeightMismatchError) Error() string {
	return fmt.Sprintf("height mismatch: got %d, want %d", e.Got, e.Want)
}

// =============================================================================

// ChainDiscontinuityError is returned when a block's previous hash does not
// match the current tip of the chain.
type ChainDiscontinuityError struct {
	Height   uint64
	PrevHash string
	TipHash  string
}

// Error implements the error interface.
func (e *ChainDiscontinuityError) Error() string {
	return fmt.Sprintf("chain discontinuity at height %d: prev hash %s does not match tip %s", e.Height, e.PrevHash, e.TipHash)
}

// =============================================================================

// InvalidBlockError is returned when block validation fails. Reason carries
// the specific check that failed so the caller can decide whether to
// disconnect the peer that supplied the block.
type InvalidBlockError struct {
	Height uint64
	Hash   string
	Reason string
}

// Error implements the error interface.
func (e *InvalidBlockError) Error() string {
	return fmt.Sprintf("invalid block %d [%s]: %s", e.Height, e.Hash, e.Reason)
}

// =============================================================================

// IndexCorruptionError is returned when the chain index is missing or
// inconsistent with the block log. The store recovers by rebuilding the
// index from the log; this error surfaces only when the rebuild also fails.
type IndexCorruptionError struct {
	Detail string
}

// Error implements the error interface.
func (e *IndexCorruptionError) Error() string {
	return fmt.Sprintf("index corruption: %s", e.Detail)
}
