package public

import (
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/database"
)

// Tip represents the current head of the chain.
type Tip struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
}

// Balance represents an account and the sum of its unspent outputs.
type Balance struct {
	Account database.AccountID `json:"account"`
	Balance uint64             `json:"balance"`
}

// NextProducer represents the validator selected for the next height.
type NextProducer struct {
	Height  uint64             `json:"height"`
	Account database.AccountID `json:"account"`
}

// Block represents the view of a block returned by the API.
type Block struct {
	Hash   string               `json:"hash"`
	Header database.BlockHeader `json:"header"`
	Trans  []database.Tx        `json:"trans"`
	Sig    string               `json:"sig"`
}

// toBlockModel converts a chain block into its API view.
func toBlockModel(block database.Block) Block {
	bd := database.NewBlockData(block)
	return Block{
		Hash:   bd.Hash,
		Header: bd.Header,
		Trans:  bd.Trans,
		Sig:    bd.Sig,
	}
}
