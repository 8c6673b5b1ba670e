// Package merkle provides a merkle tree implementation for transaction
// validation support in the blockchain.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"errors"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Hashable represents the behavior concrete data must exhibit to be used in
// the merkle tree.
type Hashable[T any] interface {
	Hash() ([]byte, error)
	Equals(other T) bool
}

// =============================================================================

// Tree represents a merkle tree over values of some type T that exhibits
// the behavior defined by the Hashable constraint. The tree is built with
// sha256 and the last leaf is duplicated when the leaf count is odd.
type Tree[T Hashable[T]] struct {
	root   *node[T]
	leafs  []*node[T]
	values []T
}

// node represents a leaf or interior node in the tree.
type node[T Hashable[T]] struct {
	parent *node[T]
	left   *node[T]
	right  *node[T]
	hash   []byte
	value  T
	leaf   bool
}

// NewTree constructs a merkle tree from the specified set of values.
func NewTree[T Hashable[T]](values []T) (*Tree[T], error) {
	if len(values) == 0 {
		return nil, errors.New("cannot construct tree with no content")
	}

	t := Tree[T]{
		values: values,
	}

	// Hash every value into a leaf node.
	leafs := make([]*node[T], 0, len(values)+1)
	for _, value := range values {
		hash, err := value.Hash()
		if err != nil {
			return nil, err
		}
		leafs = append(leafs, &node[T]{hash: hash, value: value, leaf: true})
	}

	// An odd leaf count duplicates the final leaf to keep the tree balanced.
	if len(leafs)%2 == 1 {
		last := leafs[len(leafs)-1]
		leafs = append(leafs, &node[T]{hash: last.hash, value: last.value, leaf: true})
	}

	// Build the interior levels bottom up until a single root remains.
	level := leafs
	for len(level) > 1 {
		next := make([]*node[T], 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left, right := i, i+1
			if right == len(level) {
				right = i
			}

			n := node[T]{
				left:  level[left],
				right: level[right],
				hash:  interiorHash(level[left].hash, level[right].hash),
			}
			level[left].parent = &n
			level[right].parent = &n
			next = append(next, &n)
		}
		level = next
	}

	t.root = level[0]
	t.leafs = leafs

	return &t, nil
}

// Values returns the set of values the tree was built from, without the
// duplicated leaf.
func (t *Tree[T]) Values() []T {
	return t.values
}

// MerkleRoot returns the raw merkle root hash.
func (t *Tree[T]) MerkleRoot() []byte {
	return t.root.hash
}

// RootHex converts the merkle root byte hash to a hex encoded string.
func (t *Tree[T]) RootHex() string {
	return hexutil.Encode(t.root.hash)
}

// Proof returns the set of sibling hashes plus the order of concatenating
// those hashes to prove the specified value is in the tree. An order value
// of 0 says the proof hash is concatenated first, 1 second.
func (t *Tree[T]) Proof(value T) ([][]byte, []int64, error) {
	for _, leaf := range t.leafs {
		if !leaf.value.Equals(value) {
			continue
		}

		var proof [][]byte
		var order []int64

		n := leaf
		for n.parent != nil {
			if bytes.Equal(n.parent.left.hash, n.hash) {
				proof = append(proof, n.parent.right.hash)
				order = append(order, 1)
			} else {
				proof = append(proof, n.parent.left.hash)
				order = append(order, 0)
			}
			n = n.parent
		}

		return proof, order, nil
	}

	return nil, nil, errors.New("unable to find value in tree")
}

// Verify re-hashes the tree from the leaves up and reports whether the
// stored hashes are consistent with the values they cover.
func (t *Tree[T]) Verify() error {
	hash, err := t.root.calculate()
	if err != nil {
		return err
	}

	if !bytes.Equal(hash, t.root.hash) {
		return errors.New("root hash invalid")
	}

	return nil
}

// VerifyData reports whether the given value is in the tree and the hashes
// on its critical path are valid.
func (t *Tree[T]) VerifyData(value T) error {
	for _, leaf := range t.leafs {
		if !leaf.value.Equals(value) {
			continue
		}

		for n := leaf.parent; n != nil; n = n.parent {
			if !bytes.Equal(interiorHash(n.left.hash, n.right.hash), n.hash) {
				return errors.New("hash mismatch on critical path")
			}
		}

		return nil
	}

	return errors.New("unable to find value in tree")
}

// =============================================================================

// calculate walks down the tree re-hashing every level below the node.
func (n *node[T]) calculate() ([]byte, error) {
	if n.leaf {
		return n.value.Hash()
	}

	left, err := n.left.calculate()
	if err != nil {
		return nil, err
	}

	right, err := n.right.calculate()
	if err != nil {
		return nil, err
	}

	return interiorHash(left, right), nil
}

// interiorHash produces the hash for an interior node from its children.
func interiorHash(left, right []byte) []byte {
	h := sha256.New()
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}
