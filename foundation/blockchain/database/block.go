package database

import (
	"crypto/ecdsa"
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/merkle"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/signature"
)

// BlockHeader represents common information required for each block. The
// block hash covers the header only so the chain can be verified from
// headers alone.
type BlockHeader struct {
	Height        uint64    `json:"height"`          // Position of the block in the chain. Genesis is height 0.
	PrevBlockHash string    `json:"prev_block_hash"` // Hash of the parent block. All zero for genesis.
	TimeStamp     uint64    `json:"timestamp"`       // Time the block was produced, in milliseconds. Strictly increasing.
	Nonce         uint64    `json:"nonce"`           // Random value mixed into the next selection seed.
	ValidatorID   AccountID `json:"validator"`       // Validator that produced and signed the block.
	Difficulty    uint64    `json:"difficulty"`      // Per-block difficulty, accumulated as a fork tie-break.
	TransRoot     string    `json:"trans_root"`      // Merkle root hash of the transactions in this block.
}

// Block represents a group of transactions batched together with the
// producing validator's signature over the header.
type Block struct {
	Header BlockHeader
	Trans  *merkle.Tree[Tx]
	V      *big.Int
	R      *big.Int
	S      *big.Int
}

// NewBlock constructs the next block in the chain from the previous block
// and an ordered set of transactions. The coinbase must already be the
// first transaction. The block still needs to be signed.
func NewBlock(validatorID AccountID, difficulty uint64, prevBlock Block, trans []Tx) (Block, error) {
	tree, err := merkle.NewTree(trans)
	if err != nil {
		return Block{}, err
	}

	// The block nonce is chosen at random by the producer. It exists only
	// to feed the selection seed for the following height.
	nBig, err := rand.Int(rand.Reader, big.NewInt(math.MaxInt64))
	if err != nil {
		return Block{}, err
	}

	nb := Block{
		Header: BlockHeader{
			Height:        prevBlock.Header.Height + 1,
			PrevBlockHash: prevBlock.Hash(),
			TimeStamp:     uint64(time.Now().UTC().UnixMilli()),
			Nonce:         nBig.Uint64(),
			ValidatorID:   validatorID,
			Difficulty:    difficulty,
			TransRoot:     tree.RootHex(),
		},
		Trans: tree,
	}

	return nb, nil
}

// Hash returns the unique hash for the block, computed over the canonical
// binary encoding of the header.
func (b Block) Hash() string {
	if b.Header.Height == 0 && b.Header.PrevBlockHash == "" {
		return signature.ZeroHash
	}

	return signature.HashBytes(encodeHeader(b.Header))
}

// Sign uses the specified private key to sign the block header.
func (b Block) Sign(privateKey *ecdsa.PrivateKey) (Block, error) {
	v, r, s, err := signature.Sign(b.Header, privateKey)
	if err != nil {
		return Block{}, err
	}

	b.V, b.R, b.S = v, r, s

	return b, nil
}

// Producer extracts the account id that signed the block.
func (b Block) Producer() (AccountID, error) {
	address, err := signature.FromAddress(b.Header, b.V, b.R, b.S)
	return AccountID(address), err
}

// SignatureString returns the block signature as a string.
func (b Block) SignatureString() string {
	return signature.SignatureString(b.V, b.R, b.S)
}

// =============================================================================

// ValidateLinkage checks block structure against its parent: height
// monotonicity, parent hash, timestamp ordering and the merkle root. It
// does not check proposer legitimacy; the selection engine owns that.
func (b Block) ValidateLinkage(prevBlock Block) error {

	// Genesis gets a distinguished validation path.
	if b.Header.Height == 0 {
		if b.Header.PrevBlockHash != signature.ZeroHash {
			return &InvalidBlockError{Height: 0, Hash: b.Hash(), Reason: "genesis previous hash is not zero"}
		}
		if b.Header.TransRoot != b.Trans.RootHex() {
			return &InvalidBlockError{Height: 0, Hash: b.Hash(), Reason: "genesis merkle root does not match transactions"}
		}
		return nil
	}

	nextHeight := prevBlock.Header.Height + 1
	if b.Header.Height != nextHeight {
		return &HeightMismatchError{Got: b.Header.Height, Want: nextHeight}
	}

	if b.Header.PrevBlockHash != prevBlock.Hash() {
		return &ChainDiscontinuityError{Height: b.Header.Height, PrevHash: b.Header.PrevBlockHash, TipHash: prevBlock.Hash()}
	}

	if b.Header.TimeStamp <= prevBlock.Header.TimeStamp {
		return &InvalidBlockError{Height: b.Header.Height, Hash: b.Hash(), Reason: "timestamp not after parent"}
	}

	if b.Header.TransRoot != b.Trans.RootHex() {
		return &InvalidBlockError{Height: b.Header.Height, Hash: b.Hash(), Reason: "merkle root does not match transactions"}
	}

	return nil
}

// =============================================================================

// BlockData represents what is serialized into the block log.
type BlockData struct {
	Hash   string      `json:"hash"`
	Header BlockHeader `json:"header"`
	Trans  []Tx        `json:"trans"`
	Sig    string      `json:"sig"`
}

// NewBlockData constructs the value to serialize to disk.
func NewBlockData(block Block) BlockData {
	bd := BlockData{
		Hash:   block.Hash(),
		Header: block.Header,
		Trans:  block.Trans.Values(),
	}

	if block.R != nil {
		bd.Sig = block.SignatureString()
	}

	return bd
}

// ToBlock converts a BlockData into a Block.
func ToBlock(blockData BlockData) (Block, error) {
	tree, err := merkle.NewTree(blockData.Trans)
	if err != nil {
		return Block{}, err
	}

	nb := Block{
		Header: blockData.Header,
		Trans:  tree,
	}

	if blockData.Sig != "" {
		v, r, s, err := signature.ToVRSFromHexSignature(blockData.Sig)
		if err != nil {
			return Block{}, err
		}
		nb.V, nb.R, nb.S = v, r, s
	}

	return nb, nil
}
