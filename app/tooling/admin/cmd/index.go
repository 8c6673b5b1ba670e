package cmd

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/database/storage"
	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "rebuild-index",
	Short: "Rebuild the chain index by scanning the block log",
	Run:   indexRun,
}

func init() {
	rootCmd.AddCommand(indexCmd)
}

func indexRun(cmd *cobra.Command, args []string) {

	// Removing the index file forces a full scan of the block log on open.
	idxPath := filepath.Join(dbPath, "blocks.idx")
	if err := os.Remove(idxPath); err != nil && !os.IsNotExist(err) {
		log.Fatal(err)
	}

	ev := func(v string, args ...any) {
		fmt.Printf(v+"\n", args...)
	}

	strg, err := storage.New(dbPath, ev)
	if err != nil {
		log.Fatal(err)
	}
	defer strg.Close()

	if err := strg.Flush(); err != nil {
		log.Fatal(err)
	}

	height, exists := strg.Height()
	if !exists {
		fmt.Println("index rebuilt: chain is empty")
		return
	}
	fmt.Printf("index rebuilt: tip height %d\n", height)
}
