package cmd

import (
	"fmt"
	"log"

	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/checkpoint"
	"github.com/spf13/cobra"
)

var checkpointHeight uint64

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Manage trusted checkpoints",
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the recorded checkpoints, most recent first",
	Run:   checkpointListRun,
}

var checkpointCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a checkpoint for a stored block",
	Run:   checkpointCreateRun,
}

var checkpointVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the stored chain against every checkpoint",
	Run:   checkpointVerifyRun,
}

func init() {
	checkpointCreateCmd.Flags().Uint64VarP(&checkpointHeight, "height", "H", 0, "Height of the block to checkpoint.")
	checkpointCmd.AddCommand(checkpointListCmd, checkpointCreateCmd, checkpointVerifyCmd)
	rootCmd.AddCommand(checkpointCmd)
}

func openCheckpoints() (*checkpoint.Manager, error) {
	ev := func(v string, args ...any) {}
	return checkpoint.New(checkpoint.Config{Dir: checkpointDir}, ev)
}

func checkpointListRun(cmd *cobra.Command, args []string) {
	mgr, err := openCheckpoints()
	if err != nil {
		log.Fatal(err)
	}

	for _, cp := range mgr.All() {
		fmt.Printf("height %d  block %s  created %s\n", cp.Height, cp.BlockHash, cp.CreatedAt.Format("2006-01-02 15:04:05"))
	}
}

func checkpointCreateRun(cmd *cobra.Command, args []string) {
	db, err := openDatabase()
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	block, err := db.GetBlock(checkpointHeight)
	if err != nil {
		log.Fatal(err)
	}

	mgr, err := openCheckpoints()
	if err != nil {
		log.Fatal(err)
	}

	cp, err := mgr.Create(checkpointHeight, block.Hash())
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("checkpoint created: height %d  block %s\n", cp.Height, cp.BlockHash)
}

func checkpointVerifyRun(cmd *cobra.Command, args []string) {
	db, err := openDatabase()
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	mgr, err := openCheckpoints()
	if err != nil {
		log.Fatal(err)
	}

	for _, cp := range mgr.All() {
		block, err := db.GetBlock(cp.Height)
		if err != nil {
			log.Fatal(err)
		}

		if block.Hash() != cp.BlockHash {
			log.Fatalf("MISMATCH at height %d: checkpoint %s, stored %s", cp.Height, cp.BlockHash, block.Hash())
		}
		fmt.Printf("height %d  ok\n", cp.Height)
	}
}
