// Package merkle implements the two merkle constructions the protocol
// relies on: one-shot merklization of an item list with inclusion paths
// (chunk parts, transactions, receipt groups) and the append-only partial
// merkle tree over all blocks of the canonical chain.
package merkle

import (
	"github.com/shardlabs/tessera/crypto/hash"
)

// PathItem is one step of a merkle inclusion proof.
type PathItem struct {
	Hash      [32]byte
	IsLeft    bool
}

// Path proves inclusion of one leaf under a merkle root.
type Path []PathItem

// Merklize computes the merkle root of the given items and an inclusion
// path for every item. A single item is its own root with an empty path;
// zero items produce the zero root.
func Merklize(items [][]byte) ([32]byte, []Path) {
	n := len(items)
	if n == 0 {
		return [32]byte{}, nil
	}
	level := make([][32]byte, n)
	for i, it := range items {
		level[i] = hash.Hash(it)
	}
	paths := make([]Path, n)
	// Index of the node currently covering each leaf.
	pos := make([]int, n)
	for i := range pos {
		pos[i] = i
	}
	for len(level) > 1 {
		next := make([][32]byte, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next[i/2] = hash.Combine(level[i], level[i+1])
			} else {
				// Odd node is promoted unchanged.
				next[i/2] = level[i]
			}
		}
		for leaf := range paths {
			p := pos[leaf]
			sibling := p ^ 1
			if sibling < len(level) {
				paths[leaf] = append(paths[leaf], PathItem{
					Hash:   level[sibling],
					IsLeft: sibling < p,
				})
			}
			pos[leaf] = p / 2
		}
		level = next
	}
	return level[0], paths
}

// VerifyPath checks that item is included under root via path.
func VerifyPath(root [32]byte, path Path, item []byte) bool {
	h := hash.Hash(item)
	for _, step := range path {
		if step.IsLeft {
			h = hash.Combine(step.Hash, h)
		} else {
			h = hash.Combine(h, step.Hash)
		}
	}
	return h == root
}

// PartialMerkleTree is the accumulator over the canonical chain's block
// hashes. It stores one hash per complete subtree, so inserting the n-th
// leaf touches O(log n) nodes. The number of leaves equals the number of
// blocks on the canonical chain, which makes Size the source of block
// ordinals.
type PartialMerkleTree struct {
	path [][32]byte
	size uint64
}

// NewPartialMerkleTree returns an empty tree.
func NewPartialMerkleTree() *PartialMerkleTree {
	return &PartialMerkleTree{}
}

// Insert appends a leaf, merging complete subtrees along the carry chain
// of the size counter.
func (t *PartialMerkleTree) Insert(elem [32]byte) {
	node := elem
	s := t.size
	for s%2 == 1 {
		last := t.path[len(t.path)-1]
		t.path = t.path[:len(t.path)-1]
		node = hash.Combine(last, node)
		s /= 2
	}
	t.path = append(t.path, node)
	t.size++
}

// Root folds the stored subtree hashes right to left. An empty tree has the
// zero root.
func (t *PartialMerkleTree) Root() [32]byte {
	if len(t.path) == 0 {
		return [32]byte{}
	}
	res := t.path[len(t.path)-1]
	for i := len(t.path) - 2; i >= 0; i-- {
		res = hash.Combine(t.path[i], res)
	}
	return res
}

// Size is the number of leaves inserted so far.
func (t *PartialMerkleTree) Size() uint64 {
	return t.size
}

// Copy returns an independent clone; the original may keep growing without
// affecting the copy.
func (t *PartialMerkleTree) Copy() *PartialMerkleTree {
	path := make([][32]byte, len(t.path))
	copy(path, t.path)
	return &PartialMerkleTree{path: path, size: t.size}
}
