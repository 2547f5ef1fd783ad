package merkle

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
)

// Commit holds the values a node submits to bind itself to a round root
// without revealing it.
type Commit struct {
	Root         common.Hash // Root is the Merkle root of the valid leaves
	Random       common.Hash // Random is the per-round secret nonce
	MaskedRoot   common.Hash // MaskedRoot is Root XOR Random
	HashedRandom common.Hash // HashedRandom is keccak256(Random)
}

// NewCommit derives commit values for root using 32 random bytes from rng.
// A nil rng uses crypto/rand.
func NewCommit(root common.Hash, rng io.Reader) (*Commit, error) {
	if rng == nil {
		rng = rand.Reader
	}

	var random common.Hash
	if _, err := io.ReadFull(rng, random[:]); err != nil {
		return nil, fmt.Errorf("read random:\n%w", err)
	}

	return &Commit{
		Root:         root,
		Random:       random,
		MaskedRoot:   Xor32(root, random),
		HashedRandom: SingleHash(random),
	}, nil
}

// EmptyCommit derives commit values for the all-zero root.
func EmptyCommit(rng io.Reader) (*Commit, error) {
	return NewCommit(common.Hash{}, rng)
}

// Check recomputes MaskedRoot XOR Random and compares it with Root.
func (c *Commit) Check() bool {
	return Xor32(c.MaskedRoot, c.Random) == c.Root
}

// IsEmpty reports whether the commit carries the zero root.
func (c *Commit) IsEmpty() bool {
	return c.Root == (common.Hash{})
}

// Xor32 returns the byte-wise XOR of two 32-byte values.
func Xor32(a, b common.Hash) common.Hash {
	var out common.Hash
	for i := range out {
		out[i] = a[i] ^ b[i]
	}

	return out
}
