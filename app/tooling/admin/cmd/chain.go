package cmd

import (
	"fmt"
	"log"

	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/database"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/database/storage"
	"github.com/spf13/cobra"
)

var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "Print the stored chain block by block",
	Run:   chainRun,
}

func init() {
	rootCmd.AddCommand(chainCmd)
}

func chainRun(cmd *cobra.Command, args []string) {
	db, err := openDatabase()
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	iter := db.ForEach()
	for block, err := iter.Next(); !iter.Done(); block, err = iter.Next() {
		if err != nil {
			log.Fatal(err)
		}

		fmt.Printf("height %d  hash %s  validator %s  trans %d  time %d\n",
			block.Header.Height, block.Hash(), block.Header.ValidatorID,
			len(block.Trans.Values()), block.Header.TimeStamp)
	}
}

// openDatabase opens the block storage read path with a quiet event handler.
func openDatabase() (*database.Database, error) {
	ev := func(v string, args ...any) {}

	strg, err := storage.New(dbPath, ev)
	if err != nil {
		return nil, err
	}

	return database.New(strg, ev)
}
