package state_test

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"testing"
	"time"

	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/database"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/database/storage"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/genesis"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/signature"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/state"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/utxo"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/validators"
	"github.com/ethereum/go-ethereum/crypto"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

// =============================================================================

func Test_GenesisCreation(t *testing.T) {
	t.Log("Given the need to materialize the genesis block on an empty store.")
	{
		t.Logf("\tTest 0:\tWhen starting an engine over an empty directory.")
		{
			eng := newEngine(t)

			height, exists := eng.st.Height()
			if !exists || height != 0 {
				t.Fatalf("\t%s\tTest 0:\tShould start at height 0, got %d %v.", failed, height, exists)
			}
			t.Logf("\t%s\tTest 0:\tShould start at height 0.", success)

			tip := eng.st.LatestBlock()
			if tip.Header.PrevBlockHash != signature.ZeroHash {
				t.Fatalf("\t%s\tTest 0:\tShould have the zero hash as genesis parent.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould link genesis to the zero hash.", success)

			if balance := eng.st.Balance(eng.validatorID); balance != 10000 {
				t.Fatalf("\t%s\tTest 0:\tShould credit the genesis balance, got %d.", failed, balance)
			}
			t.Logf("\t%s\tTest 0:\tShould credit the genesis balances as spendable outputs.", success)
		}
	}
}

func Test_ProduceAndReplay(t *testing.T) {
	t.Log("Given the need to produce blocks and replay them after a restart.")
	{
		t.Logf("\tTest 0:\tWhen producing two blocks and reopening the engine.")
		{
			eng := newEngine(t)

			block1 := produce(t, eng.st)
			if block1.Header.Height != 1 {
				t.Fatalf("\t%s\tTest 0:\tShould produce height 1, got %d.", failed, block1.Header.Height)
			}
			produce(t, eng.st)

			wantBalance := uint64(10000 + 2*700)
			if balance := eng.st.Balance(eng.validatorID); balance != wantBalance {
				t.Fatalf("\t%s\tTest 0:\tShould credit two rewards, got %d want %d.", failed, balance, wantBalance)
			}
			t.Logf("\t%s\tTest 0:\tShould produce blocks and credit rewards.", success)

			if err := eng.st.Shutdown(); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to shut down: %v", failed, err)
			}

			st2 := openEngine(t, eng.dir, eng.cpDir, eng.gen, eng.privateKey)
			defer st2.Shutdown()

			height, _ := st2.Height()
			if height != 2 {
				t.Fatalf("\t%s\tTest 0:\tShould replay to height 2, got %d.", failed, height)
			}
			if balance := st2.Balance(eng.validatorID); balance != wantBalance {
				t.Fatalf("\t%s\tTest 0:\tShould replay to the same balance, got %d.", failed, balance)
			}
			t.Logf("\t%s\tTest 0:\tShould replay the chain to the same state.", success)
		}
	}
}

func Test_AppendValidation(t *testing.T) {
	t.Log("Given the need to validate externally produced blocks.")
	{
		t.Logf("\tTest 0:\tWhen appending a well formed signed block.")
		{
			eng := newEngine(t)
			defer eng.st.Shutdown()

			block := nextBlock(t, eng.st, eng.privateKey, eng.validatorID)
			if err := eng.st.AppendBlock(block); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould accept the block: %v", failed, err)
			}

			height, _ := eng.st.Height()
			if height != 1 {
				t.Fatalf("\t%s\tTest 0:\tShould be at height 1, got %d.", failed, height)
			}
			t.Logf("\t%s\tTest 0:\tShould accept a well formed block.", success)
		}

		t.Logf("\tTest 1:\tWhen the block height skips ahead.")
		{
			eng := newEngine(t)
			defer eng.st.Shutdown()

			block := nextBlock(t, eng.st, eng.privateKey, eng.validatorID)
			block.Header.Height = 5

			var hmErr *database.HeightMismatchError
			if err := eng.st.AppendBlock(block); !errors.As(err, &hmErr) {
				t.Fatalf("\t%s\tTest 1:\tShould get HeightMismatchError, got %v.", failed, err)
			}
			t.Logf("\t%s\tTest 1:\tShould get HeightMismatchError.", success)
		}

		t.Logf("\tTest 2:\tWhen the block parent hash does not match the tip.")
		{
			eng := newEngine(t)
			defer eng.st.Shutdown()

			block := nextBlock(t, eng.st, eng.privateKey, eng.validatorID)
			block.Header.PrevBlockHash = "0x2222222222222222222222222222222222222222222222222222222222222222"

			var cdErr *database.ChainDiscontinuityError
			if err := eng.st.AppendBlock(block); !errors.As(err, &cdErr) {
				t.Fatalf("\t%s\tTest 2:\tShould get ChainDiscontinuityError, got %v.", failed, err)
			}
			t.Logf("\t%s\tTest 2:\tShould get ChainDiscontinuityError.", success)
		}

		t.Logf("\tTest 3:\tWhen the block is signed by the wrong key.")
		{
			eng := newEngine(t)
			defer eng.st.Shutdown()

			otherKey, err := crypto.GenerateKey()
			if err != nil {
				t.Fatalf("\t%s\tTest 3:\tShould be able to generate a key: %v", failed, err)
			}

			block := nextBlock(t, eng.st, otherKey, eng.validatorID)

			var ibErr *database.InvalidBlockError
			if err := eng.st.AppendBlock(block); !errors.As(err, &ibErr) {
				t.Fatalf("\t%s\tTest 3:\tShould get InvalidBlockError, got %v.", failed, err)
			}
			t.Logf("\t%s\tTest 3:\tShould get InvalidBlockError for a foreign signature.", success)
		}

		t.Logf("\tTest 4:\tWhen a transaction spends an unknown output.")
		{
			eng := newEngine(t)
			defer eng.st.Shutdown()

			tip := eng.st.LatestBlock()
			trans := []database.Tx{
				database.NewCoinbaseTx(1, eng.validatorID, 700, uint64(time.Now().UnixMilli())),
				badSpend(t, eng.validatorID),
			}

			block, err := database.NewBlock(eng.validatorID, 1, tip, trans)
			if err != nil {
				t.Fatalf("\t%s\tTest 4:\tShould be able to build a block: %v", failed, err)
			}
			block, err = block.Sign(eng.privateKey)
			if err != nil {
				t.Fatalf("\t%s\tTest 4:\tShould be able to sign a block: %v", failed, err)
			}

			var dsErr *utxo.DoubleSpendError
			if err := eng.st.AppendBlock(block); !errors.As(err, &dsErr) {
				t.Fatalf("\t%s\tTest 4:\tShould get DoubleSpendError, got %v.", failed, err)
			}

			if height, _ := eng.st.Height(); height != 0 {
				t.Fatalf("\t%s\tTest 4:\tShould stay at height 0, got %d.", failed, height)
			}
			t.Logf("\t%s\tTest 4:\tShould reject the double spend and keep the chain.", success)
		}
	}
}

func Test_ForkResolution(t *testing.T) {
	t.Log("Given the need to resolve forks against the current chain.")
	{
		t.Logf("\tTest 0:\tWhen a longer candidate suffix arrives.")
		{
			eng := newEngine(t)
			defer eng.st.Shutdown()

			produce(t, eng.st)
			produce(t, eng.st)
			produce(t, eng.st)

			// Build a 3 block candidate forking above height 1, beating the
			// current 2 block suffix.
			candidate := buildSuffix(t, eng, 1, 3)

			if err := eng.st.ResolveFork(context.Background(), candidate); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould adopt the longer fork: %v", failed, err)
			}

			height, _ := eng.st.Height()
			if height != 4 {
				t.Fatalf("\t%s\tTest 0:\tShould land at height 4, got %d.", failed, height)
			}
			if eng.st.LatestBlock().Hash() != candidate[2].Hash() {
				t.Fatalf("\t%s\tTest 0:\tShould have the candidate tip.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould adopt the longer fork.", success)

			wantBalance := uint64(10000 + 4*700)
			if balance := eng.st.Balance(eng.validatorID); balance != wantBalance {
				t.Fatalf("\t%s\tTest 0:\tShould settle the utxo set on the new chain, got %d want %d.", failed, balance, wantBalance)
			}
			t.Logf("\t%s\tTest 0:\tShould settle the utxo set on the new chain.", success)
		}

		t.Logf("\tTest 1:\tWhen the candidate does not beat the current chain.")
		{
			eng := newEngine(t)
			defer eng.st.Shutdown()

			produce(t, eng.st)
			produce(t, eng.st)
			produce(t, eng.st)

			// Same length, same producer stake and difficulty, later
			// timestamps. The current chain must win.
			candidate := buildSuffix(t, eng, 1, 2)

			err := eng.st.ResolveFork(context.Background(), candidate)
			if !errors.Is(err, state.ErrForkNotPreferred) {
				t.Fatalf("\t%s\tTest 1:\tShould get ErrForkNotPreferred, got %v.", failed, err)
			}

			if height, _ := eng.st.Height(); height != 3 {
				t.Fatalf("\t%s\tTest 1:\tShould keep the current chain, got height %d.", failed, height)
			}
			t.Logf("\t%s\tTest 1:\tShould keep the current chain on a losing fork.", success)
		}

		t.Logf("\tTest 2:\tWhen the reorg would exceed the depth limit.")
		{
			gen := testGenesis()
			gen.ReorgLimit = 1

			eng := newEngineWith(t, gen)
			defer eng.st.Shutdown()

			produce(t, eng.st)
			produce(t, eng.st)
			produce(t, eng.st)

			candidate := buildSuffix(t, eng, 1, 3)

			var rtErr *state.ReorgTooDeepError
			err := eng.st.ResolveFork(context.Background(), candidate)
			if !errors.As(err, &rtErr) {
				t.Fatalf("\t%s\tTest 2:\tShould get ReorgTooDeepError, got %v.", failed, err)
			}
			if rtErr.Depth != 2 {
				t.Fatalf("\t%s\tTest 2:\tShould report depth 2, got %d.", failed, rtErr.Depth)
			}
			t.Logf("\t%s\tTest 2:\tShould refuse a reorg past the depth limit.", success)
		}

		t.Logf("\tTest 3:\tWhen the reorg would cross a checkpoint.")
		{
			eng := newEngine(t)
			defer eng.st.Shutdown()

			produce(t, eng.st)
			produce(t, eng.st)
			produce(t, eng.st)

			// Checkpoint interval is 2, so this pins height 2.
			if err := eng.st.CheckpointIfDue(); err != nil {
				t.Fatalf("\t%s\tTest 3:\tShould be able to checkpoint: %v", failed, err)
			}

			candidate := buildSuffix(t, eng, 1, 3)

			var rtErr *state.ReorgTooDeepError
			err := eng.st.ResolveFork(context.Background(), candidate)
			if !errors.As(err, &rtErr) {
				t.Fatalf("\t%s\tTest 3:\tShould get ReorgTooDeepError, got %v.", failed, err)
			}
			if rtErr.Checkpoint != 2 {
				t.Fatalf("\t%s\tTest 3:\tShould name the protecting checkpoint, got %d.", failed, rtErr.Checkpoint)
			}
			t.Logf("\t%s\tTest 3:\tShould refuse a reorg across a checkpoint.", success)
		}

		t.Logf("\tTest 4:\tWhen a deep candidate carries an unknown attach hash.")
		{
			gen := testGenesis()
			gen.ReorgLimit = 1

			eng := newEngineWith(t, gen)
			defer eng.st.Shutdown()

			produce(t, eng.st)
			produce(t, eng.st)
			produce(t, eng.st)

			candidate := buildSuffix(t, eng, 1, 1)
			candidate[0].Header.PrevBlockHash = "0x3333333333333333333333333333333333333333333333333333333333333333"

			// Depth decides before linkage: a fork this deep is refused as
			// too deep, not as a discontinuity.
			var rtErr *state.ReorgTooDeepError
			err := eng.st.ResolveFork(context.Background(), candidate)
			if !errors.As(err, &rtErr) {
				t.Fatalf("\t%s\tTest 4:\tShould get ReorgTooDeepError, got %v.", failed, err)
			}
			if rtErr.Depth != 2 {
				t.Fatalf("\t%s\tTest 4:\tShould report depth 2, got %d.", failed, rtErr.Depth)
			}
			t.Logf("\t%s\tTest 4:\tShould classify a deep fork by depth first.", success)
		}
	}
}

func Test_Checkpoints(t *testing.T) {
	t.Log("Given the need to create and verify checkpoints against the chain.")
	{
		t.Logf("\tTest 0:\tWhen crossing the checkpoint interval.")
		{
			eng := newEngine(t)
			defer eng.st.Shutdown()

			produce(t, eng.st)
			if err := eng.st.CheckpointIfDue(); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to run the checkpoint cycle: %v", failed, err)
			}
			if len(eng.st.Checkpoints()) != 0 {
				t.Fatalf("\t%s\tTest 0:\tShould have no checkpoint before the interval.", failed)
			}

			produce(t, eng.st)
			if err := eng.st.CheckpointIfDue(); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to run the checkpoint cycle: %v", failed, err)
			}

			cps := eng.st.Checkpoints()
			if len(cps) != 1 || cps[0].Height != 2 {
				t.Fatalf("\t%s\tTest 0:\tShould checkpoint height 2.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould checkpoint at the interval boundary.", success)

			if !eng.st.VerifyCheckpoint(cps[0]) {
				t.Fatalf("\t%s\tTest 0:\tShould verify its own signed checkpoint.", failed)
			}
			if err := eng.st.VerifyCheckpoints(); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould verify the chain against checkpoints: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould verify the checkpoint against the chain.", success)
		}

		t.Logf("\tTest 1:\tWhen restoring to the latest checkpoint.")
		{
			eng := newEngine(t)
			defer eng.st.Shutdown()

			produce(t, eng.st)
			produce(t, eng.st)
			if err := eng.st.CheckpointIfDue(); err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to checkpoint: %v", failed, err)
			}
			produce(t, eng.st)

			if err := eng.st.RestoreToCheckpoint(); err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to restore: %v", failed, err)
			}

			height, _ := eng.st.Height()
			if height != 2 {
				t.Fatalf("\t%s\tTest 1:\tShould restore to height 2, got %d.", failed, height)
			}

			wantBalance := uint64(10000 + 2*700)
			if balance := eng.st.Balance(eng.validatorID); balance != wantBalance {
				t.Fatalf("\t%s\tTest 1:\tShould rebuild the utxo set, got %d want %d.", failed, balance, wantBalance)
			}
			t.Logf("\t%s\tTest 1:\tShould rewind the chain and rebuild the utxo set.", success)

			v, _ := eng.st.Validator(eng.validatorID)
			if v.ProposedBlocks != 2 {
				t.Fatalf("\t%s\tTest 1:\tShould rederive production counters to 2, got %d.", failed, v.ProposedBlocks)
			}
			if len(eng.st.SelectionHistory()) != 2 {
				t.Fatalf("\t%s\tTest 1:\tShould rederive the selection history to 2 entries, got %d.", failed, len(eng.st.SelectionHistory()))
			}
			t.Logf("\t%s\tTest 1:\tShould rederive validator and selection state.", success)
		}
	}
}

func Test_ValidatorReports(t *testing.T) {
	t.Log("Given the need to feed observed validator behavior into the engine.")
	{
		t.Logf("\tTest 0:\tWhen a validator misses past the limit.")
		{
			eng := newEngine(t)
			defer eng.st.Shutdown()

			eng.st.ReportMissed(eng.validatorID, 20)
			eng.st.ReportMissed(eng.validatorID, 21)
			eng.st.ReportMissed(eng.validatorID, 22)

			v, _ := eng.st.Validator(eng.validatorID)
			if v.State != validators.StateJailed {
				t.Fatalf("\t%s\tTest 0:\tShould be jailed past the miss limit, got %s.", failed, v.State)
			}
			t.Logf("\t%s\tTest 0:\tShould jail the validator past the miss limit.", success)

			if err := eng.st.Unjail(eng.validatorID); err == nil {
				t.Fatalf("\t%s\tTest 0:\tShould refuse unjail before the penalty passes.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould refuse unjail before the penalty passes.", success)
		}

		t.Logf("\tTest 1:\tWhen telemetry overrides the performance signals.")
		{
			eng := newEngine(t)
			defer eng.st.Shutdown()

			eng.st.UpdateSignals(eng.validatorID, 100, 100, 100)

			v, _ := eng.st.Validator(eng.validatorID)
			if v.Reputation < 99.9 {
				t.Fatalf("\t%s\tTest 1:\tShould blend the signals to a full score, got %.1f.", failed, v.Reputation)
			}
			t.Logf("\t%s\tTest 1:\tShould blend overridden signals into the score.", success)
		}

		t.Logf("\tTest 2:\tWhen a validator double signs.")
		{
			eng := newEngine(t)
			defer eng.st.Shutdown()

			eng.st.ReportDoubleSign(eng.validatorID)

			v, _ := eng.st.Validator(eng.validatorID)
			if v.State != validators.StateTombstoned {
				t.Fatalf("\t%s\tTest 2:\tShould be tombstoned, got %s.", failed, v.State)
			}
			t.Logf("\t%s\tTest 2:\tShould tombstone the double signer.", success)
		}
	}
}

// =============================================================================

type engine struct {
	st          *state.State
	dir         string
	cpDir       string
	gen         genesis.Genesis
	privateKey  *ecdsa.PrivateKey
	validatorID database.AccountID
}

func testGenesis() genesis.Genesis {
	return genesis.Genesis{
		Date:               time.Now().UTC().Add(-time.Minute),
		ChainID:            1,
		BlockReward:        700,
		MinStake:           100,
		CheckpointInterval: 2,
		ReorgLimit:         10,
		SelectionWindow:    10,
		MaxConsecutive:     3,
		MissWindow:         10,
		MissLimit:          3,
		JailPenalty:        5,
		Reputation: genesis.ReputationWeights{
			Accuracy:   0.4,
			Uptime:     0.4,
			Throughput: 0.2,
		},
	}
}

func newEngine(t *testing.T) engine {
	return newEngineWith(t, testGenesis())
}

func newEngineWith(t *testing.T, gen genesis.Genesis) engine {
	t.Helper()

	privateKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("\t%s\tShould be able to generate a key: %v", failed, err)
	}
	validatorID := database.PublicKeyToAccountID(privateKey.PublicKey)

	gen.Balances = map[string]uint64{string(validatorID): 10000}
	gen.Stakes = map[string]uint64{string(validatorID): 500}

	dir := t.TempDir()
	cpDir := t.TempDir()

	st := openEngine(t, dir, cpDir, gen, privateKey)

	return engine{
		st:          st,
		dir:         dir,
		cpDir:       cpDir,
		gen:         gen,
		privateKey:  privateKey,
		validatorID: validatorID,
	}
}

func openEngine(t *testing.T, dir, cpDir string, gen genesis.Genesis, privateKey *ecdsa.PrivateKey) *state.State {
	t.Helper()

	ev := func(v string, args ...any) {}

	strg, err := storage.New(dir, ev)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to open storage: %v", failed, err)
	}

	st, err := state.New(state.Config{
		BeneficiaryID: database.PublicKeyToAccountID(privateKey.PublicKey),
		PrivateKey:    privateKey,
		Genesis:       gen,
		Storage:       strg,
		CheckpointDir: cpDir,
		TrustedID:     database.PublicKeyToAccountID(privateKey.PublicKey),
		EvHandler:     ev,
	})
	if err != nil {
		t.Fatalf("\t%s\tShould be able to start the engine: %v", failed, err)
	}
	return st
}

// produce runs one production cycle. The single validator always wins the
// lottery. The sleep keeps block timestamps strictly increasing.
func produce(t *testing.T, st *state.State) database.Block {
	t.Helper()

	time.Sleep(2 * time.Millisecond)

	block, err := st.ProduceBlock(context.Background())
	if err != nil {
		t.Fatalf("\t%s\tShould be able to produce a block: %v", failed, err)
	}
	return block
}

// nextBlock builds and signs a coinbase-only block on the current tip.
func nextBlock(t *testing.T, st *state.State, privateKey *ecdsa.PrivateKey, validatorID database.AccountID) database.Block {
	t.Helper()

	time.Sleep(2 * time.Millisecond)

	tip := st.LatestBlock()
	trans := []database.Tx{
		database.NewCoinbaseTx(1, validatorID, 700, uint64(time.Now().UnixMilli())),
	}

	block, err := database.NewBlock(validatorID, 1, tip, trans)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to build a block: %v", failed, err)
	}

	block, err = block.Sign(privateKey)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to sign a block: %v", failed, err)
	}
	return block
}

// badSpend builds a transaction referencing an output that does not exist.
func badSpend(t *testing.T, accountID database.AccountID) database.Tx {
	t.Helper()

	tx, err := database.NewTx(1, 1, accountID, accountID, 10, 0,
		[]database.TxInput{{TxHash: "0xdeadbeef", OutputIndex: 7}},
		[]database.TxOutput{{ToID: accountID, Amount: 10}},
	)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to build a tx: %v", failed, err)
	}
	return tx
}

// buildSuffix builds a signed candidate chain of the specified length
// forking off the stored block at the specified height.
func buildSuffix(t *testing.T, eng engine, forkFrom uint64, length int) []database.Block {
	t.Helper()

	prev, err := eng.st.GetBlock(forkFrom)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to read the fork point: %v", failed, err)
	}

	blocks := make([]database.Block, 0, length)
	for i := 0; i < length; i++ {
		time.Sleep(2 * time.Millisecond)

		trans := []database.Tx{
			database.NewCoinbaseTx(1, eng.validatorID, 700, uint64(time.Now().UnixMilli())+uint64(i)),
		}

		block, err := database.NewBlock(eng.validatorID, 1, prev, trans)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to build a candidate block: %v", failed, err)
		}

		block, err = block.Sign(eng.privateKey)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to sign a candidate block: %v", failed, err)
		}

		blocks = append(blocks, block)
		prev = block
	}

	return blocks
}
