package database

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/signature"
)

// TxInput references an unspent output of a prior transaction that this
// transaction consumes.
type TxInput struct {
	TxHash      string `json:"tx_hash"`   // Hash of the transaction that created the output.
	OutputIndex uint32 `json:"out_index"` // Index of the output within that transaction.
}

// TxOutput is a spendable output created by a transaction.
type TxOutput struct {
	ToID   AccountID `json:"to"`     // Account that may spend this output.
	Amount uint64    `json:"amount"` // Value carried by the output.
}

// =============================================================================

// Tx is the transactional information between two parties. Transactions
// arrive from the mempool already signature-checked; the engine carries the
// signature for auditability but does not re-verify it on apply.
type Tx struct {
	ChainID   uint16     `json:"chain_id"`  // Chain the transaction is bound to.
	Nonce     uint64     `json:"nonce"`     // Strictly increasing id per sender.
	FromID    AccountID  `json:"from"`      // Account sending the funds.
	ToID      AccountID  `json:"to"`        // Account receiving the funds.
	Amount    uint64     `json:"amount"`    // Monetary value moved by this transaction.
	Fee       uint64     `json:"fee"`       // Fee credited to the block producer.
	TimeStamp uint64     `json:"timestamp"` // Time the transaction was created, in milliseconds.
	Inputs    []TxInput  `json:"inputs"`    // Outputs consumed. Empty for the coinbase.
	Outputs   []TxOutput `json:"outputs"`   // Outputs created.
	V         *big.Int   `json:"v"`         // Recovery identifier.
	R         *big.Int   `json:"r"`         // First coordinate of the ECDSA signature.
	S         *big.Int   `json:"s"`         // Second coordinate of the ECDSA signature.
}

// NewTx constructs an unsigned transaction spending the specified inputs.
func NewTx(chainID uint16, nonce uint64, fromID, toID AccountID, amount, fee uint64, inputs []TxInput, outputs []TxOutput) (Tx, error) {
	if !fromID.IsAccountID() {
		return Tx{}, fmt.Errorf("from account is not properly formatted")
	}
	if !toID.IsAccountID() {
		return Tx{}, fmt.Errorf("to account is not properly formatted")
	}
	if len(inputs) == 0 {
		return Tx{}, fmt.Errorf("transaction must spend at least one input")
	}

	tx := Tx{
		ChainID:   chainID,
		Nonce:     nonce,
		FromID:    fromID,
		ToID:      toID,
		Amount:    amount,
		Fee:       fee,
		TimeStamp: uint64(time.Now().UTC().UnixMilli()),
		Inputs:    inputs,
		Outputs:   outputs,
	}

	return tx, nil
}

// NewCoinbaseTx constructs the reward transaction that is the implicit
// first entry of each block. It has no inputs.
func NewCoinbaseTx(chainID uint16, beneficiary AccountID, reward uint64, timeStamp uint64) Tx {
	return Tx{
		ChainID:   chainID,
		ToID:      beneficiary,
		Amount:    reward,
		TimeStamp: timeStamp,
		Outputs: []TxOutput{
			{ToID: beneficiary, Amount: reward},
		},
	}
}

// Sign uses the specified private key to sign the transaction.
func (tx Tx) Sign(privateKey *ecdsa.PrivateKey) (Tx, error) {
	v, r, s, err := signature.Sign(tx.sigPayload(), privateKey)
	if err != nil {
		return Tx{}, err
	}

	tx.V, tx.R, tx.S = v, r, s

	return tx, nil
}

// FromAccount extracts the account id that signed the transaction.
func (tx Tx) FromAccount() (AccountID, error) {
	address, err := signature.FromAddress(tx.sigPayload(), tx.V, tx.R, tx.S)
	return AccountID(address), err
}

// IsCoinbase reports whether this is the reward transaction of a block.
func (tx Tx) IsCoinbase() bool {
	return len(tx.Inputs) == 0
}

// HashHex returns the unique hex encoded hash for this transaction.
func (tx Tx) HashHex() string {
	return signature.Hash(tx)
}

// Hash implements the merkle Hashable interface for providing a hash
// of a transaction.
func (tx Tx) Hash() ([]byte, error) {
	return hex.DecodeString(tx.HashHex()[2:])
}

// Equals implements the merkle Hashable interface for providing an
// equality check between two transactions.
func (tx Tx) Equals(otherTx Tx) bool {
	if tx.IsCoinbase() || otherTx.IsCoinbase() {
		return tx.IsCoinbase() == otherTx.IsCoinbase() &&
			tx.ToID == otherTx.ToID && tx.TimeStamp == otherTx.TimeStamp
	}

	txSig := signature.ToSignatureBytes(tx.V, tx.R, tx.S)
	otherTxSig := signature.ToSignatureBytes(otherTx.V, otherTx.R, otherTx.S)

	return tx.Nonce == otherTx.Nonce && bytes.Equal(txSig, otherTxSig)
}

// String implements the fmt.Stringer interface for logging.
func (tx Tx) String() string {
	return fmt.Sprintf("%s:%d", tx.FromID, tx.Nonce)
}

// sigPayload is the portion of the transaction covered by the signature.
func (tx Tx) sigPayload() Tx {
	tx.V, tx.R, tx.S = nil, nil, nil
	return tx
}
