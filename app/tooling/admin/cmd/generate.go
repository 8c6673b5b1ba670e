package cmd

import (
	"fmt"
	"log"

	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/database"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

var keyPath string

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new validator key pair",
	Run:   generateRun,
}

func init() {
	generateCmd.Flags().StringVarP(&keyPath, "key-path", "k", "zblock/accounts/validator.ecdsa", "Path to write the private key.")
	rootCmd.AddCommand(generateCmd)
}

func generateRun(cmd *cobra.Command, args []string) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		log.Fatal(err)
	}

	if err := crypto.SaveECDSA(keyPath, privateKey); err != nil {
		log.Fatal(err)
	}

	fmt.Printf("account: %s\n", database.PublicKeyToAccountID(privateKey.PublicKey))
}
