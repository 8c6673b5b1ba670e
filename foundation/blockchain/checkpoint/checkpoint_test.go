package checkpoint_test

import (
	"testing"

	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/checkpoint"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/database"
	"github.com/ethereum/go-ethereum/crypto"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

// =============================================================================

func Test_CreateAndLookup(t *testing.T) {
	t.Log("Given the need to create checkpoints and look them up by height.")
	{
		t.Logf("\tTest 0:\tWhen creating linked checkpoints and reloading the directory.")
		{
			dir := t.TempDir()

			mgr, err := checkpoint.New(checkpoint.Config{Dir: dir, Interval: 10}, quiet)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to open the manager: %v", failed, err)
			}

			cp10, err := mgr.Create(10, "0xaaa")
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to create a checkpoint: %v", failed, err)
			}
			if cp10.PrevHash != "" {
				t.Fatalf("\t%s\tTest 0:\tShould have no predecessor on the first checkpoint.", failed)
			}

			cp20, err := mgr.Create(20, "0xbbb")
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to create a second checkpoint: %v", failed, err)
			}
			if cp20.PrevHash != cp10.Hash() {
				t.Fatalf("\t%s\tTest 0:\tShould link to the previous checkpoint.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould link checkpoints into a chain.", success)

			if _, err := mgr.Create(15, "0xccc"); err == nil {
				t.Fatalf("\t%s\tTest 0:\tShould refuse a checkpoint below the latest.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould refuse a checkpoint below the latest.", success)

			cp, exists := mgr.NearestBelow(19)
			if !exists || cp.Height != 10 {
				t.Fatalf("\t%s\tTest 0:\tShould find checkpoint 10 below height 19.", failed)
			}
			if _, exists := mgr.NearestBelow(9); exists {
				t.Fatalf("\t%s\tTest 0:\tShould find nothing below height 9.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould answer nearest-below queries.", success)

			// Reload the directory into a fresh manager.
			mgr2, err := checkpoint.New(checkpoint.Config{Dir: dir, Interval: 10}, quiet)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to reload the manager: %v", failed, err)
			}

			latest, exists := mgr2.Latest()
			if !exists || latest.Height != 20 || latest.BlockHash != "0xbbb" {
				t.Fatalf("\t%s\tTest 0:\tShould reload the latest checkpoint.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould reload checkpoints from disk.", success)

			all := mgr2.All()
			if len(all) != 2 || all[0].Height != 20 || all[1].Height != 10 {
				t.Fatalf("\t%s\tTest 0:\tShould list checkpoints most recent first.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould list checkpoints most recent first.", success)
		}
	}
}

func Test_Verify(t *testing.T) {
	t.Log("Given the need to verify checkpoint trust.")
	{
		t.Logf("\tTest 0:\tWhen trust comes from an allowlist.")
		{
			mgr, err := checkpoint.New(checkpoint.Config{
				Dir: t.TempDir(),
				Allowlist: map[uint64]string{
					10: "0xaaa",
				},
			}, quiet)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to open the manager: %v", failed, err)
			}

			if !mgr.Verify(checkpoint.Checkpoint{Height: 10, BlockHash: "0xaaa"}) {
				t.Fatalf("\t%s\tTest 0:\tShould accept an allowlisted checkpoint.", failed)
			}
			if mgr.Verify(checkpoint.Checkpoint{Height: 10, BlockHash: "0xbad"}) {
				t.Fatalf("\t%s\tTest 0:\tShould reject a checkpoint with the wrong hash.", failed)
			}
			if mgr.Verify(checkpoint.Checkpoint{Height: 30, BlockHash: "0xaaa"}) {
				t.Fatalf("\t%s\tTest 0:\tShould reject a height missing from the allowlist.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould verify against the allowlist.", success)
		}

		t.Logf("\tTest 1:\tWhen trust comes from a signing key.")
		{
			privateKey, err := crypto.GenerateKey()
			if err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to generate a key: %v", failed, err)
			}
			trustedID := database.PublicKeyToAccountID(privateKey.PublicKey)

			mgr, err := checkpoint.New(checkpoint.Config{
				Dir:        t.TempDir(),
				PrivateKey: privateKey,
				TrustedID:  trustedID,
			}, quiet)
			if err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to open the manager: %v", failed, err)
			}

			cp, err := mgr.Create(10, "0xaaa")
			if err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to create a signed checkpoint: %v", failed, err)
			}
			if cp.Sig == "" {
				t.Fatalf("\t%s\tTest 1:\tShould carry a signature.", failed)
			}

			if !mgr.Verify(cp) {
				t.Fatalf("\t%s\tTest 1:\tShould accept its own signed checkpoint.", failed)
			}
			t.Logf("\t%s\tTest 1:\tShould accept a checkpoint signed by the trusted key.", success)

			tampered := cp
			tampered.BlockHash = "0xbad"
			if mgr.Verify(tampered) {
				t.Fatalf("\t%s\tTest 1:\tShould reject a tampered checkpoint.", failed)
			}
			t.Logf("\t%s\tTest 1:\tShould reject a tampered checkpoint.", success)

			unsigned := checkpoint.Checkpoint{Height: 20, BlockHash: "0xbbb"}
			if mgr.Verify(unsigned) {
				t.Fatalf("\t%s\tTest 1:\tShould reject an unsigned checkpoint.", failed)
			}
			t.Logf("\t%s\tTest 1:\tShould reject an unsigned checkpoint.", success)
		}
	}
}

func Test_Truncate(t *testing.T) {
	t.Log("Given the need to drop checkpoints above a restore height.")
	{
		t.Logf("\tTest 0:\tWhen truncating to height 15.")
		{
			dir := t.TempDir()

			mgr, err := checkpoint.New(checkpoint.Config{Dir: dir}, quiet)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to open the manager: %v", failed, err)
			}

			mgr.Create(10, "0xaaa")
			mgr.Create(20, "0xbbb")
			mgr.Create(30, "0xccc")

			if err := mgr.Truncate(15); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to truncate: %v", failed, err)
			}

			latest, exists := mgr.Latest()
			if !exists || latest.Height != 10 {
				t.Fatalf("\t%s\tTest 0:\tShould keep only checkpoint 10.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould drop checkpoints above the height.", success)

			// The files must be gone too.
			mgr2, err := checkpoint.New(checkpoint.Config{Dir: dir}, quiet)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to reload the manager: %v", failed, err)
			}
			if all := mgr2.All(); len(all) != 1 {
				t.Fatalf("\t%s\tTest 0:\tShould reload only one checkpoint, got %d.", failed, len(all))
			}
			t.Logf("\t%s\tTest 0:\tShould remove the dropped record files.", success)
		}
	}
}

// =============================================================================

func quiet(v string, args ...any) {}
