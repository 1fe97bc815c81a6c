// Package merkle implements the binary hash tree backing segment
// commitments. Leaves are record commitments; the root is the segment
// commitment; a witness is the sibling path from a leaf to the root.
package merkle

import (
	"crypto/sha256"
	"fmt"
)

// HashSize is the size of every node in the tree.
const HashSize = sha256.Size

// Hash is one tree node.
type Hash [HashSize]byte

// Leaf hashes raw record bytes into a leaf commitment.
func Leaf(record []byte) Hash {
	return sha256.Sum256(record)
}

func interior(left, right Hash) Hash {
	var buf [2 * HashSize]byte
	copy(buf[:HashSize], left[:])
	copy(buf[HashSize:], right[:])
	return sha256.Sum256(buf[:])
}

// Tree is a complete binary hash tree over a power-of-two leaf count.
type Tree struct {
	// levels[0] holds the leaves, the last level holds the root.
	levels [][]Hash
}

// NewTree builds a tree over the given leaves. The leaf count must be a
// power of two; the archive format fixes it per segment, so there is no
// padding logic here.
func NewTree(leaves []Hash) (*Tree, error) {
	n := len(leaves)
	if n == 0 || n&(n-1) != 0 {
		return nil, fmt.Errorf("leaf count %d is not a power of two", n)
	}

	level := make([]Hash, n)
	copy(level, leaves)
	levels := [][]Hash{level}

	for len(level) > 1 {
		next := make([]Hash, len(level)/2)
		for i := range next {
			next[i] = interior(level[2*i], level[2*i+1])
		}
		levels = append(levels, next)
		level = next
	}

	return &Tree{levels: levels}, nil
}

// Root returns the tree root.
func (t *Tree) Root() Hash {
	return t.levels[len(t.levels)-1][0]
}

// Depth returns the number of witness hashes per leaf.
func (t *Tree) Depth() int {
	return len(t.levels) - 1
}

// Witness returns the sibling path for the leaf at the given index, ordered
// bottom-up.
func (t *Tree) Witness(index int) ([]Hash, error) {
	if index < 0 || index >= len(t.levels[0]) {
		return nil, fmt.Errorf("leaf index %d out of range [0,%d)", index, len(t.levels[0]))
	}

	path := make([]Hash, 0, t.Depth())
	for _, level := range t.levels[:len(t.levels)-1] {
		path = append(path, level[index^1])
		index >>= 1
	}
	return path, nil
}

// VerifyWitness checks a bottom-up sibling path from leaf to root.
func VerifyWitness(leaf Hash, index int, path []Hash, root Hash) bool {
	if index < 0 || index >= 1<<len(path) {
		return false
	}

	node := leaf
	for _, sibling := range path {
		if index&1 == 0 {
			node = interior(node, sibling)
		} else {
			node = interior(sibling, node)
		}
		index >>= 1
	}
	return node == root
}
