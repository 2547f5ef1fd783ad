package merkle

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Tree is a binary Merkle tree over 32-byte leaves.
//
// Leaves are sorted ascending and deduplicated before the tree is built, and
// inner nodes hash their children in sorted order. Any two nodes fed the same
// set of leaves therefore agree on the root regardless of insertion order.
//
// Nodes are stored in a flat array: the root at index 0, the children of i at
// 2i+1 and 2i+2, and the n leaves in the last n slots in descending order.
type Tree struct {
	nodes  []common.Hash // nodes is the flat tree, root first
	leaves int           // leaves is the number of distinct leaves
}

// New builds a tree from the given leaf hashes.
func New(hashes []common.Hash) *Tree {
	sorted := sortedUnique(hashes)
	n := len(sorted)

	t := &Tree{leaves: n}
	if n == 0 {
		return t
	}

	t.nodes = make([]common.Hash, 2*n-1)

	for i, h := range sorted {
		t.nodes[len(t.nodes)-1-i] = h
	}

	for i := n - 2; i >= 0; i-- {
		t.nodes[i] = SortedHashPair(t.nodes[2*i+1], t.nodes[2*i+2])
	}

	return t
}

// Root returns the tree root. ok is false for an empty tree.
func (t *Tree) Root() (root common.Hash, ok bool) {
	if len(t.nodes) == 0 {
		return common.Hash{}, false
	}

	return t.nodes[0], true
}

// Len returns the number of distinct leaves.
func (t *Tree) Len() int {
	return t.leaves
}

// Leaf returns the i-th leaf in ascending order.
func (t *Tree) Leaf(i int) (common.Hash, bool) {
	if i < 0 || i >= t.leaves {
		return common.Hash{}, false
	}

	return t.nodes[len(t.nodes)-1-i], true
}

// Index returns the sorted position of leaf, or -1 if it is not in the tree.
func (t *Tree) Index(leaf common.Hash) int {
	for i := 0; i < t.leaves; i++ {
		if t.nodes[len(t.nodes)-1-i] == leaf {
			return i
		}
	}

	return -1
}

// Proof returns the sibling path from the i-th leaf up to the root.
func (t *Tree) Proof(i int) ([]common.Hash, bool) {
	if i < 0 || i >= t.leaves {
		return nil, false
	}

	var proof []common.Hash

	for pos := len(t.nodes) - 1 - i; pos > 0; pos = (pos - 1) / 2 {
		// odd positions are left children, their sibling is on the right
		sibling := pos - 1
		if pos%2 == 1 {
			sibling = pos + 1
		}

		proof = append(proof, t.nodes[sibling])
	}

	return proof, true
}

// VerifyProof checks that leaf and proof hash up to root.
func VerifyProof(leaf common.Hash, proof []common.Hash, root common.Hash) bool {
	h := leaf

	for _, p := range proof {
		h = SortedHashPair(p, h)
	}

	return h == root
}

// SortedHashPair returns keccak256(min(a,b) || max(a,b)).
func SortedHashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}

	return crypto.Keccak256Hash(a[:], b[:])
}

// SingleHash returns keccak256 of a 32-byte value.
func SingleHash(v common.Hash) common.Hash {
	return crypto.Keccak256Hash(v[:])
}

// sortedUnique returns a sorted copy of hashes with duplicates removed.
func sortedUnique(hashes []common.Hash) []common.Hash {
	sorted := make([]common.Hash, len(hashes))
	copy(sorted, hashes)

	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})

	out := sorted[:0]
	for _, h := range sorted {
		if len(out) > 0 && out[len(out)-1] == h {
			continue
		}
		out = append(out, h)
	}

	return out
}
