// Package state is the core API for the chain engine. It owns the single
// chain-mutation lock and composes the block store, UTXO set, validator
// registry, selection engine and checkpoint manager behind one facade.
package state

import (
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/checkpoint"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/database"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/genesis"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/selector"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/utxo"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/validators"
	"github.com/sa2shinakamo2/bt2c/foundation/events"
)

// EventHandler defines a function that is called when engine events occur.
type EventHandler func(v string, args ...any)

// TxSource provides the transactions to include when producing a block.
// The engine does not own a mempool; the integration layer does.
type TxSource interface {
	PickBest(howMany int) []database.Tx
}

// Worker interface represents the behavior required to be implemented by any
// package providing support for background engine operations.
type Worker interface {
	Shutdown()
	SignalFlush()
}

// =============================================================================

// Config represents the configuration required to start the engine.
type Config struct {
	BeneficiaryID database.AccountID
	PrivateKey    *ecdsa.PrivateKey // Signing key for blocks this node produces.
	Genesis       genesis.Genesis
	Storage       database.Storage
	CheckpointDir string
	TrustedID     database.AccountID // Trusted checkpoint signer, when set.
	TxSource      TxSource
	Events        *events.Events
	EvHandler     EventHandler
}

// State manages the blockchain database and all the supporting state.
type State struct {
	mu sync.Mutex // Serializes every chain mutation.

	beneficiaryID database.AccountID
	privateKey    *ecdsa.PrivateKey
	genesis       genesis.Genesis
	txSource      TxSource

	db          *database.Database
	utxos       *utxo.Set
	registry    *validators.Registry
	selector    *selector.Selector
	checkpoints *checkpoint.Manager
	events      *events.Events
	evHandler   EventHandler

	// Worker is not set until after the state value is constructed.
	Worker Worker
}

// New constructs a new blockchain engine, creating the genesis block when
// the store is empty and replaying the existing chain when it is not.
func New(cfg Config) (*State, error) {
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	db, err := database.New(cfg.Storage, ev)
	if err != nil {
		return nil, err
	}

	registry, err := validators.New(cfg.Genesis, ev)
	if err != nil {
		return nil, err
	}

	cpManager, err := checkpoint.New(checkpoint.Config{
		Dir:        cfg.CheckpointDir,
		Interval:   cfg.Genesis.CheckpointInterval,
		PrivateKey: cfg.PrivateKey,
		TrustedID:  cfg.TrustedID,
	}, ev)
	if err != nil {
		return nil, err
	}

	s := State{
		beneficiaryID: cfg.BeneficiaryID,
		privateKey:    cfg.PrivateKey,
		genesis:       cfg.Genesis,
		txSource:      cfg.TxSource,
		db:            db,
		registry:      registry,
		selector: selector.New(selector.Config{
			MinStake:       cfg.Genesis.MinStake,
			Window:         cfg.Genesis.SelectionWindow,
			MaxConsecutive: cfg.Genesis.MaxConsecutive,
		}, ev),
		checkpoints: cpManager,
		events:      cfg.Events,
		evHandler:   ev,
	}

	s.utxos = utxo.New(s.locateOutput, ev)

	if _, exists := db.Height(); !exists {
		if err := s.createGenesisBlock(); err != nil {
			return nil, fmt.Errorf("creating genesis block: %w", err)
		}
	} else {
		if err := s.replayChain(); err != nil {
			return nil, fmt.Errorf("replaying chain: %w", err)
		}
	}

	return &s, nil
}

// Shutdown cleanly brings the engine down.
func (s *State) Shutdown() error {
	s.evHandler("state: shutdown: started")
	defer s.evHandler("state: shutdown: completed")

	if s.Worker != nil {
		s.Worker.Shutdown()
	}

	defer s.db.Close()

	return s.db.Flush()
}

// Flush persists the chain index. Called by the worker on its flush cycle.
func (s *State) Flush() error {
	return s.db.Flush()
}

// =============================================================================

// createGenesisBlock materializes height 0 from the genesis balances and
// appends it to the empty store.
func (s *State) createGenesisBlock() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	trans := make([]database.Tx, 0, len(s.genesis.Balances))
	timeStamp := uint64(s.genesis.Date.UnixMilli())

	for accountStr, amount := range s.genesis.Balances {
		accountID, err := database.ToAccountID(accountStr)
		if err != nil {
			return err
		}
		trans = append(trans, database.NewCoinbaseTx(s.genesis.ChainID, accountID, amount, timeStamp))
	}

	block, err := database.NewBlock("", 1, database.Block{}, trans)
	if err != nil {
		return err
	}

	// NewBlock stamps wall-clock time and the next height; genesis carries
	// the genesis date and height 0 instead.
	block.Header.Height = 0
	block.Header.TimeStamp = timeStamp

	if err := s.utxos.ValidateBlock(block); err != nil {
		return err
	}

	if _, err := s.db.Append(block); err != nil {
		return err
	}

	if err := s.utxos.ApplyBlock(block); err != nil {
		return err
	}

	s.evHandler("state: createGenesisBlock: height[0] hash[%s] accounts[%d]", block.Hash(), len(trans))

	return nil
}

// replayChain rebuilds the derived state from the stored chain at startup.
func (s *State) replayChain() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.rebuildLocked()
}

// rebuildLocked resets the UTXO set, the validator registry and the
// selection state, then rederives all three by walking the stored chain
// from genesis. Runs at startup and after a checkpoint restore, so both
// paths land on the same derived state. Callers must hold the mutex.
func (s *State) rebuildLocked() error {
	registry, err := validators.New(s.genesis, s.evHandler)
	if err != nil {
		return err
	}
	s.registry = registry

	s.selector = selector.New(selector.Config{
		MinStake:       s.genesis.MinStake,
		Window:         s.genesis.SelectionWindow,
		MaxConsecutive: s.genesis.MaxConsecutive,
	}, s.evHandler)

	s.utxos = utxo.New(s.locateOutput, s.evHandler)

	var prevBlock database.Block
	var count int

	iter := s.db.ForEach()
	for block, err := iter.Next(); !iter.Done(); block, err = iter.Next() {
		if err != nil {
			return err
		}

		if err := s.utxos.ApplyBlock(block); err != nil {
			return err
		}

		if block.Header.Height > 0 {
			s.selector.Commit(block.Header.ValidatorID, selector.ContextFromBlock(prevBlock))
			s.registry.RecordProposed(block.Header.ValidatorID, block.Header.Height)
		}

		prevBlock = block
		count++
	}

	s.evHandler("state: rebuild: replayed %d blocks, utxos[%d]", count, s.utxos.Count())

	return nil
}

// locateOutput reconstructs a transaction output from the stored chain. The
// UTXO set calls this during a revert when the spent pre-image is not held
// in memory, which happens when a reorg follows a restart.
func (s *State) locateOutput(txHash string, index uint32) (utxo.UTXO, error) {
	height, exists := s.db.Height()
	if !exists {
		return utxo.UTXO{}, database.ErrNotFound
	}

	for h := int64(height); h >= 0; h-- {
		block, err := s.db.GetBlock(uint64(h))
		if err != nil {
			return utxo.UTXO{}, err
		}

		for _, tx := range block.Trans.Values() {
			if tx.HashHex() != txHash {
				continue
			}
			if int(index) >= len(tx.Outputs) {
				return utxo.UTXO{}, fmt.Errorf("tx %s has no output %d", txHash, index)
			}

			out := tx.Outputs[index]
			return utxo.UTXO{
				TxHash:      txHash,
				OutputIndex: index,
				OwnerID:     out.ToID,
				Amount:      out.Amount,
				BlockHeight: block.Header.Height,
				BlockHash:   block.Hash(),
				Coinbase:    tx.IsCoinbase(),
			}, nil
		}
	}

	return utxo.UTXO{}, database.ErrNotFound
}
