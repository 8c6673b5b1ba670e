package state

import (
	"context"
	"errors"
	"time"

	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/database"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/selector"
)

// maxTxPerBlock caps how many transactions are pulled from the source for
// one block, on top of the coinbase.
const maxTxPerBlock = 100

// ErrNotSelected is returned by ProduceBlock when the lottery picked a
// different validator for this height.
var ErrNotSelected = errors.New("this node's validator was not selected")

// ProduceBlock runs one production cycle: it re-runs the selection for the
// next height and, when this node's validator wins, builds, signs and
// commits the block.
func (s *State) ProduceBlock(ctx context.Context) (database.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return database.Block{}, err
	}

	tip := s.db.LatestBlock()
	selCtx := selector.ContextFromBlock(tip)

	winner, err := s.selector.Pick(s.registry.Active(), selCtx)
	if err != nil {
		return database.Block{}, err
	}

	if winner != s.beneficiaryID {
		s.evHandler("state: ProduceBlock: height[%d] selected validator[%s], standing down", selCtx.Height, winner)
		return database.Block{}, ErrNotSelected
	}

	trans := []database.Tx{
		database.NewCoinbaseTx(s.genesis.ChainID, s.beneficiaryID, s.genesis.BlockReward, uint64(time.Now().UTC().UnixMilli())),
	}
	if s.txSource != nil {
		trans = append(trans, s.txSource.PickBest(maxTxPerBlock)...)
	}

	block, err := database.NewBlock(s.beneficiaryID, tip.Header.Difficulty, tip, trans)
	if err != nil {
		return database.Block{}, err
	}

	block, err = block.Sign(s.privateKey)
	if err != nil {
		return database.Block{}, err
	}

	if err := s.acceptBlockLocked(block, false); err != nil {
		return database.Block{}, err
	}

	return block, nil
}

// =============================================================================
// Validator lifecycle passthroughs. The engine owns the registry; the
// integration layer reports the events it observes.

// ReportMissed charges the specified validator with failing to produce the
// block at the specified height.
func (s *State) ReportMissed(accountID database.AccountID, height uint64) {
	s.registry.RecordMissed(accountID, height)
}

// ReportDoubleSign tombstones the specified validator for producing two
// blocks at the same height.
func (s *State) ReportDoubleSign(accountID database.AccountID) {
	s.registry.RecordDoubleSign(accountID)
}

// UpdateSignals overrides a validator's raw performance signals with
// telemetry the integration layer observed directly.
func (s *State) UpdateSignals(accountID database.AccountID, accuracy, uptime, throughput float64) {
	s.registry.UpdateSignals(accountID, accuracy, uptime, throughput)
}

// Unjail moves a jailed validator back to active once its penalty period
// has passed.
func (s *State) Unjail(accountID database.AccountID) error {
	height, _ := s.db.Height()
	return s.registry.Unjail(accountID, height)
}

// SetStake adjusts the bonded stake for a validator, registering it when
// unknown.
func (s *State) SetStake(accountID database.AccountID, stake uint64) {
	s.registry.SetStake(accountID, stake)
}
