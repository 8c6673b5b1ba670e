// Package database provides the durable block store: the append-only block
// log, its chain index, and height/hash lookup. The store owns block
// linkage and height monotonicity; it does not validate transaction
// semantics.
package database

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned when a requested block does not exist.
var ErrNotFound = errors.New("block not found")

// Storage interface represents the behavior required to be implemented by
// any package providing durable support for the block log and index.
type Storage interface {
	Write(blockData BlockData) (pos int64, err error)
	GetBlock(height uint64) (BlockData, error)
	GetBlockByHash(hash string) (BlockData, error)
	Height() (uint64, bool)
	Truncate(height uint64) error
	ForEach() Iterator
	Flush() error
	Close() error
}

// Iterator interface represents the behavior required to be implemented by
// any package providing support to iterate over the blocks.
type Iterator interface {
	Next() (BlockData, error)
	Done() bool
}

// =============================================================================

// DatabaseIterator provides iteration over stored blocks.
type DatabaseIterator struct {
	iterator Iterator
}

// Next retrieves the next block from storage.
func (di *DatabaseIterator) Next() (Block, error) {
	blockData, err := di.iterator.Next()
	if err != nil {
		return Block{}, err
	}

	return ToBlock(blockData)
}

// Done returns the end of chain value.
func (di *DatabaseIterator) Done() bool {
	return di.iterator.Done()
}

// =============================================================================

// Database manages access to the chain on disk and tracks the current tip.
// Writes are serialized by the owning state engine; the internal mutex only
// protects tip reads racing a commit.
type Database struct {
	mu          sync.RWMutex
	latestBlock Block
	haveBlocks  bool

	storage   Storage
	evHandler func(v string, args ...any)
}

// New constructs a Database over the provided storage and positions the tip
// from whatever chain already exists on disk.
func New(storage Storage, evHandler func(v string, args ...any)) (*Database, error) {
	db := Database{
		storage:   storage,
		evHandler: evHandler,
	}

	height, ok := storage.Height()
	if ok {
		blockData, err := storage.GetBlock(height)
		if err != nil {
			return nil, fmt.Errorf("reading tip block %d: %w", height, err)
		}

		block, err := ToBlock(blockData)
		if err != nil {
			return nil, fmt.Errorf("decoding tip block %d: %w", height, err)
		}

		db.latestBlock = block
		db.haveBlocks = true
		evHandler("database: New: tip positioned: height[%d] hash[%s]", height, block.Hash())
	}

	return &db, nil
}

// Close closes the underlying storage.
func (db *Database) Close() {
	db.storage.Close()
}

// Append adds the block to the chain after checking height monotonicity and
// parent linkage. It returns the position of the record in the block log.
func (db *Database) Append(block Block) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if !db.haveBlocks {
		if block.Header.Height != 0 {
			return 0, &HeightMismatchError{Got: block.Header.Height, Want: 0}
		}
	} else {
		nextHeight := db.latestBlock.Header.Height + 1
		if block.Header.Height != nextHeight {
			return 0, &HeightMismatchError{Got: block.Header.Height, Want: nextHeight}
		}

		if block.Header.PrevBlockHash != db.latestBlock.Hash() {
			return 0, &ChainDiscontinuityError{
				Height:   block.Header.Height,
				PrevHash: block.Header.PrevBlockHash,
				TipHash:  db.latestBlock.Hash(),
			}
		}
	}

	pos, err := db.storage.Write(NewBlockData(block))
	if err != nil {
		return 0, err
	}

	db.latestBlock = block
	db.haveBlocks = true

	return pos, nil
}

// LatestBlock returns the current tip of the chain.
func (db *Database) LatestBlock() Block {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return db.latestBlock
}

// Height returns the current chain height and whether any block exists.
func (db *Database) Height() (uint64, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if !db.haveBlocks {
		return 0, false
	}
	return db.latestBlock.Header.Height, true
}

// GetBlock locates and returns the block at the specified height.
func (db *Database) GetBlock(height uint64) (Block, error) {
	blockData, err := db.storage.GetBlock(height)
	if err != nil {
		return Block{}, err
	}
	return ToBlock(blockData)
}

// GetBlockByHash locates and returns the block with the specified hash.
func (db *Database) GetBlockByHash(hash string) (Block, error) {
	blockData, err := db.storage.GetBlockByHash(hash)
	if err != nil {
		return Block{}, err
	}
	return ToBlock(blockData)
}

// Truncate discards all blocks above the specified height and repositions
// the tip. Used by reorg and checkpoint restore.
func (db *Database) Truncate(height uint64) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.storage.Truncate(height); err != nil {
		return err
	}

	blockData, err := db.storage.GetBlock(height)
	if err != nil {
		return err
	}

	block, err := ToBlock(blockData)
	if err != nil {
		return err
	}

	db.latestBlock = block

	return nil
}

// Flush persists the in-memory chain index to its index file.
func (db *Database) Flush() error {
	return db.storage.Flush()
}

// ForEach returns an iterator to walk through all the blocks starting with
// the genesis block.
func (db *Database) ForEach() DatabaseIterator {
	return DatabaseIterator{iterator: db.storage.ForEach()}
}
