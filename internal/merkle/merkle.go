// Package merkle builds and incrementally maintains a binary Merkle tree
// over a sorted set of (path, content-hash) leaves, and derives inclusion
// proofs with the duplicate-self rule for odd-length levels.
package merkle

import (
	"crypto/sha256"
	"errors"
	"sort"

	"github.com/bcherng/fim-agent/internal/hasher"
)

// Leaf is a tracked file: its path and content digest.
type Leaf struct {
	Path string
	Hash hasher.Digest
}

// Tree is a root-first list of levels: Levels[0] is the root level (a
// single node unless the tree is empty), Levels[len-1] is the leaf level in
// sorted-path order. A nil Tree represents the empty-file-set case.
type Tree struct {
	Levels [][]hasher.Digest
}

// Root returns the tree's root digest, or the zero digest if t is nil/empty.
func (t *Tree) Root() hasher.Digest {
	if t == nil || len(t.Levels) == 0 || len(t.Levels[0]) == 0 {
		return hasher.Digest{}
	}
	return t.Levels[0][0]
}

// Proof is an inclusion proof for one leaf: its index in sorted-leaf order,
// the ordered sibling digests from the leaf level upward, and the root the
// proof verifies against.
type Proof struct {
	Index    int
	Siblings []hasher.Digest
	Root     hasher.Digest
}

func combine(left, right hasher.Digest) hasher.Digest {
	h := sha256.New()
	h.Write(left[:])
	h.Write(right[:])
	var out hasher.Digest
	copy(out[:], h.Sum(nil))
	return out
}

// Build sorts files by path and folds the leaves upward pairwise, duplicating
// the last node of any odd-length level as its own right sibling, producing
// a root-first level list. It returns the tree and the path-sorted leaves
// (the canonical tracked-file order the caller should retain). An empty
// input yields a nil tree.
func Build(files []Leaf) (*Tree, []Leaf) {
	if len(files) == 0 {
		return nil, files
	}

	sorted := make([]Leaf, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	leaves := make([]hasher.Digest, len(sorted))
	for i, l := range sorted {
		leaves[i] = l.Hash
	}

	levels := [][]hasher.Digest{leaves}
	current := leaves
	for len(current) > 1 {
		next := make([]hasher.Digest, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			left := current[i]
			right := left
			if i+1 < len(current) {
				right = current[i+1]
			}
			next = append(next, combine(left, right))
		}
		levels = append([][]hasher.Digest{next}, levels...)
		current = next
	}

	return &Tree{Levels: levels}, sorted
}

// ErrLeafSetChanged is returned by Update when leafIndex is out of range for
// the tree's leaf level — the precondition that the leaf set is unchanged
// (only content) has been violated.
var ErrLeafSetChanged = errors.New("merkle: leaf index out of range, rebuild required")

// Update overwrites the leaf at leafIndex with newHash and recomputes only
// the ancestor spine up to the root — O(log n) hash operations. It mutates
// and returns t. The precondition is that the leaf set (paths) is unchanged;
// callers that add or remove tracked files must call Build instead.
func Update(t *Tree, leafIndex int, newHash hasher.Digest) (*Tree, error) {
	if t == nil || len(t.Levels) == 0 {
		return t, ErrLeafSetChanged
	}
	leafLevel := len(t.Levels) - 1
	if leafIndex < 0 || leafIndex >= len(t.Levels[leafLevel]) {
		return t, ErrLeafSetChanged
	}

	t.Levels[leafLevel][leafIndex] = newHash
	idx := leafIndex

	for level := leafLevel; level > 0; level-- {
		parentIdx := idx / 2
		leftIdx := parentIdx * 2
		rightIdx := leftIdx + 1

		cur := t.Levels[level]
		left := cur[leftIdx]
		right := left
		if rightIdx < len(cur) {
			right = cur[rightIdx]
		}

		t.Levels[level-1][parentIdx] = combine(left, right)
		idx = parentIdx
	}

	return t, nil
}

// Prove locates path among the sorted leaves and walks up the tree
// collecting the sibling (or the node's own digest when no true sibling
// exists at that level) at each level, returning a self-contained proof.
// It returns nil if the tree is empty or path is not present.
func Prove(t *Tree, files []Leaf, path string) *Proof {
	if t == nil || len(t.Levels) == 0 || len(files) == 0 {
		return nil
	}

	index := -1
	for i, l := range files {
		if l.Path == path {
			index = i
			break
		}
	}
	if index == -1 {
		return nil
	}

	var siblings []hasher.Digest
	current := index
	for level := len(t.Levels) - 1; level > 0; level-- {
		lvl := t.Levels[level]
		isLeft := current%2 == 0
		siblingIdx := current + 1
		if !isLeft {
			siblingIdx = current - 1
		}
		if siblingIdx < len(lvl) {
			siblings = append(siblings, lvl[siblingIdx])
		} else {
			siblings = append(siblings, lvl[current])
		}
		current /= 2
	}

	return &Proof{Index: index, Siblings: siblings, Root: t.Root()}
}

// VerifyProof recomputes the root from leafHash and p's sibling list,
// applying the duplicate-self rule implicitly (the caller-supplied sibling
// already encodes self-duplication), and reports whether it matches p.Root.
func VerifyProof(leafHash hasher.Digest, p *Proof) bool {
	if p == nil {
		return false
	}
	current := leafHash
	idx := p.Index
	for _, sibling := range p.Siblings {
		if idx%2 == 0 {
			current = combine(current, sibling)
		} else {
			current = combine(sibling, current)
		}
		idx /= 2
	}
	return current == p.Root
}
