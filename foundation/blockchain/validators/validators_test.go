package validators_test

import (
	"testing"

	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/database"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/genesis"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/validators"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

const (
	accountA = database.AccountID("0xdd6B972ffcc631a62CAE1BB9d80b7ff429c8ebA4")
	accountB = database.AccountID("0xF01813E4B85e178A83e29B8E7bF26BD830a25f32")
)

func testGenesis() genesis.Genesis {
	return genesis.Genesis{
		MinStake:    100,
		MissWindow:  10,
		MissLimit:   3,
		JailPenalty: 5,
		Reputation: genesis.ReputationWeights{
			Accuracy:   0.4,
			Uptime:     0.4,
			Throughput: 0.2,
		},
		Stakes: map[string]uint64{
			string(accountA): 500,
			string(accountB): 50,
		},
	}
}

// =============================================================================

func Test_StakeThreshold(t *testing.T) {
	t.Log("Given the need to move validators between active and inactive on stake.")
	{
		t.Logf("\tTest 0:\tWhen seeding from genesis stakes.")
		{
			r, err := validators.New(testGenesis(), quiet)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to build the registry: %v", failed, err)
			}

			a, _ := r.Get(accountA)
			if a.State != validators.StateActive {
				t.Fatalf("\t%s\tTest 0:\tShould have validator A active, got %s.", failed, a.State)
			}
			b, _ := r.Get(accountB)
			if b.State != validators.StateInactive {
				t.Fatalf("\t%s\tTest 0:\tShould have validator B inactive, got %s.", failed, b.State)
			}
			t.Logf("\t%s\tTest 0:\tShould seed states from the stake threshold.", success)

			if len(r.Active()) != 1 {
				t.Fatalf("\t%s\tTest 0:\tShould have one active validator.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould report one active validator.", success)
		}

		t.Logf("\tTest 1:\tWhen stake crosses the threshold in both directions.")
		{
			r, err := validators.New(testGenesis(), quiet)
			if err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to build the registry: %v", failed, err)
			}

			r.SetStake(accountB, 200)
			if b, _ := r.Get(accountB); b.State != validators.StateActive {
				t.Fatalf("\t%s\tTest 1:\tShould activate B at stake 200, got %s.", failed, b.State)
			}

			r.SetStake(accountB, 10)
			if b, _ := r.Get(accountB); b.State != validators.StateInactive {
				t.Fatalf("\t%s\tTest 1:\tShould deactivate B at stake 10, got %s.", failed, b.State)
			}
			t.Logf("\t%s\tTest 1:\tShould follow stake across the threshold.", success)
		}
	}
}

func Test_JailingAndUnjail(t *testing.T) {
	t.Log("Given the need to jail validators that miss too many blocks.")
	{
		t.Logf("\tTest 0:\tWhen a validator misses the limit within the window.")
		{
			r, err := validators.New(testGenesis(), quiet)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to build the registry: %v", failed, err)
			}

			r.RecordMissed(accountA, 20)
			r.RecordMissed(accountA, 21)

			if a, _ := r.Get(accountA); a.State != validators.StateActive {
				t.Fatalf("\t%s\tTest 0:\tShould stay active below the limit, got %s.", failed, a.State)
			}

			r.RecordMissed(accountA, 22)

			a, _ := r.Get(accountA)
			if a.State != validators.StateJailed {
				t.Fatalf("\t%s\tTest 0:\tShould be jailed at the limit, got %s.", failed, a.State)
			}
			if a.JailedUntil != 27 {
				t.Fatalf("\t%s\tTest 0:\tShould be jailed until height 27, got %d.", failed, a.JailedUntil)
			}
			t.Logf("\t%s\tTest 0:\tShould jail at the miss limit with the penalty period.", success)

			if err := r.Unjail(accountA, 25); err == nil {
				t.Fatalf("\t%s\tTest 0:\tShould refuse unjail before the penalty passes.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould refuse unjail before the penalty passes.", success)

			if err := r.Unjail(accountA, 27); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould unjail after the penalty: %v", failed, err)
			}
			if a, _ := r.Get(accountA); a.State != validators.StateActive {
				t.Fatalf("\t%s\tTest 0:\tShould be active after unjail, got %s.", failed, a.State)
			}
			t.Logf("\t%s\tTest 0:\tShould return to active after an explicit unjail.", success)
		}

		t.Logf("\tTest 1:\tWhen misses fall outside the rolling window.")
		{
			r, err := validators.New(testGenesis(), quiet)
			if err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to build the registry: %v", failed, err)
			}

			// Two old misses, then one far beyond the window.
			r.RecordMissed(accountA, 20)
			r.RecordMissed(accountA, 21)
			r.RecordMissed(accountA, 100)

			if a, _ := r.Get(accountA); a.State != validators.StateActive {
				t.Fatalf("\t%s\tTest 1:\tShould stay active when misses age out, got %s.", failed, a.State)
			}
			t.Logf("\t%s\tTest 1:\tShould not count misses outside the window.", success)
		}

		t.Logf("\tTest 2:\tWhen unjailing a validator that is not jailed.")
		{
			r, err := validators.New(testGenesis(), quiet)
			if err != nil {
				t.Fatalf("\t%s\tTest 2:\tShould be able to build the registry: %v", failed, err)
			}

			if err := r.Unjail(accountA, 100); err == nil {
				t.Fatalf("\t%s\tTest 2:\tShould refuse to unjail an active validator.", failed)
			}
			t.Logf("\t%s\tTest 2:\tShould refuse to unjail an active validator.", success)
		}
	}
}

func Test_Tombstone(t *testing.T) {
	t.Log("Given the need to permanently remove double signers.")
	{
		t.Logf("\tTest 0:\tWhen a validator double signs.")
		{
			r, err := validators.New(testGenesis(), quiet)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to build the registry: %v", failed, err)
			}

			r.RecordDoubleSign(accountA)

			a, _ := r.Get(accountA)
			if a.State != validators.StateTombstoned {
				t.Fatalf("\t%s\tTest 0:\tShould be tombstoned, got %s.", failed, a.State)
			}
			if a.Reputation != validators.ReputationMin {
				t.Fatalf("\t%s\tTest 0:\tShould have reputation floored, got %.1f.", failed, a.Reputation)
			}
			t.Logf("\t%s\tTest 0:\tShould tombstone and floor the reputation.", success)

			// No stake change brings a tombstoned validator back.
			r.SetStake(accountA, 10000)
			if a, _ := r.Get(accountA); a.State != validators.StateTombstoned {
				t.Fatalf("\t%s\tTest 0:\tShould stay tombstoned regardless of stake, got %s.", failed, a.State)
			}
			t.Logf("\t%s\tTest 0:\tShould stay tombstoned regardless of stake.", success)
		}
	}
}

func Test_ReputationSignals(t *testing.T) {
	t.Log("Given the need to blend performance signals into a bounded score.")
	{
		t.Logf("\tTest 0:\tWhen recording productions and misses.")
		{
			r, err := validators.New(testGenesis(), quiet)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to build the registry: %v", failed, err)
			}

			for i := 0; i < 20; i++ {
				r.RecordProposed(accountA, uint64(i))
			}

			a, _ := r.Get(accountA)
			if a.Reputation <= validators.ReputationDefault {
				t.Fatalf("\t%s\tTest 0:\tShould raise reputation above the default, got %.1f.", failed, a.Reputation)
			}
			if a.ProposedBlocks != 20 {
				t.Fatalf("\t%s\tTest 0:\tShould count 20 productions, got %d.", failed, a.ProposedBlocks)
			}
			t.Logf("\t%s\tTest 0:\tShould raise reputation on production.", success)

			r.RecordMissed(accountB, 5)
			b, _ := r.Get(accountB)
			if b.Reputation >= validators.ReputationDefault {
				t.Fatalf("\t%s\tTest 0:\tShould lower reputation on a miss, got %.1f.", failed, b.Reputation)
			}
			t.Logf("\t%s\tTest 0:\tShould lower reputation on a miss.", success)
		}

		t.Logf("\tTest 1:\tWhen mapping reputation onto the selection multiplier.")
		{
			v := validators.Validator{Reputation: validators.ReputationMax}
			if v.Multiplier() != validators.MultiplierMax {
				t.Fatalf("\t%s\tTest 1:\tShould map max reputation to %.1f, got %.2f.", failed, validators.MultiplierMax, v.Multiplier())
			}

			v.Reputation = validators.ReputationMin
			if v.Multiplier() != validators.MultiplierMin {
				t.Fatalf("\t%s\tTest 1:\tShould map min reputation to %.1f, got %.2f.", failed, validators.MultiplierMin, v.Multiplier())
			}
			t.Logf("\t%s\tTest 1:\tShould keep the multiplier within its bounds.", success)
		}
	}
}

// =============================================================================

func quiet(v string, args ...any) {}
