package merkle

import (
	"math/rand"
	"testing"

	"github.com/bcherng/fim-agent/internal/hasher"
)

func leaf(path, content string) Leaf {
	return Leaf{Path: path, Hash: hasher.HashBytes([]byte(content))}
}

func TestBuild_TwoFiles(t *testing.T) {
	tree, sorted := Build([]Leaf{leaf("a.txt", "A"), leaf("b.txt", "B")})
	if len(sorted) != 2 || sorted[0].Path != "a.txt" || sorted[1].Path != "b.txt" {
		t.Fatalf("unexpected sorted order: %+v", sorted)
	}
	wantRoot := combine(leaf("a.txt", "A").Hash, leaf("b.txt", "B").Hash)
	if tree.Root() != wantRoot {
		t.Fatalf("root mismatch")
	}
}

func TestBuild_Empty(t *testing.T) {
	tree, files := Build(nil)
	if tree != nil || files != nil {
		t.Fatalf("expected nil tree and files")
	}
	if !tree.Root().IsZero() {
		t.Fatal("expected zero root for nil tree")
	}
}

func TestBuild_SingleFile(t *testing.T) {
	tree, _ := Build([]Leaf{leaf("a.txt", "A")})
	if tree.Root() != leaf("a.txt", "A").Hash {
		t.Fatal("single-leaf root should equal the leaf hash")
	}
	proof := Prove(tree, []Leaf{leaf("a.txt", "A")}, "a.txt")
	if len(proof.Siblings) != 0 {
		t.Fatalf("expected empty sibling list, got %d", len(proof.Siblings))
	}
}

// The root depends only on the file set, not on insertion order.
func TestBuild_DeterministicAcrossOrder(t *testing.T) {
	a := []Leaf{leaf("a.txt", "A"), leaf("b.txt", "B"), leaf("c.txt", "C")}
	b := []Leaf{leaf("c.txt", "C"), leaf("a.txt", "A"), leaf("b.txt", "B")}

	t1, _ := Build(a)
	t2, _ := Build(b)

	if t1.Root() != t2.Root() {
		t.Fatal("root should not depend on insertion order")
	}
}

// An in-place leaf update yields the same root as a full rebuild.
func TestUpdate_MatchesRebuild(t *testing.T) {
	files := []Leaf{leaf("a.txt", "A"), leaf("b.txt", "B")}
	tree, sorted := Build(files)

	newHash := hasher.HashBytes([]byte("AA"))
	updated, err := Update(tree, 0, newHash)
	if err != nil {
		t.Fatal(err)
	}

	changed := make([]Leaf, len(sorted))
	copy(changed, sorted)
	changed[0].Hash = newHash
	rebuilt, _ := Build(changed)

	if updated.Root() != rebuilt.Root() {
		t.Fatal("update result should equal rebuild result")
	}
}

// Every produced proof verifies against the published root, for every
// leaf across a range of tree sizes (including odd-length levels).
func TestProve_Soundness(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for size := 1; size <= 9; size++ {
		var files []Leaf
		for i := 0; i < size; i++ {
			files = append(files, leaf(randPath(rng, i), randContent(rng)))
		}
		tree, sorted := Build(files)
		for _, l := range sorted {
			p := Prove(tree, sorted, l.Path)
			if p == nil {
				t.Fatalf("size %d: missing proof for %s", size, l.Path)
			}
			if !VerifyProof(l.Hash, p) {
				t.Fatalf("size %d: proof failed for %s", size, l.Path)
			}
		}
	}
}

func randPath(rng *rand.Rand, i int) string {
	letters := "abcdefghijklmnop"
	return string(letters[i%len(letters)]) + ".txt"
}

func randContent(rng *rand.Rand) string {
	return string(rune('A' + rng.Intn(26)))
}

func TestUpdate_OutOfRange(t *testing.T) {
	tree, _ := Build([]Leaf{leaf("a.txt", "A")})
	_, err := Update(tree, 5, hasher.Digest{})
	if err != ErrLeafSetChanged {
		t.Fatalf("err = %v, want ErrLeafSetChanged", err)
	}
}

func TestProve_AbsentFile(t *testing.T) {
	tree, sorted := Build([]Leaf{leaf("a.txt", "A")})
	if Prove(tree, sorted, "missing.txt") != nil {
		t.Fatal("expected nil proof for absent path")
	}
}
