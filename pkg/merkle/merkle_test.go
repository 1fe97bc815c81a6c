package merkle

import (
	"testing"
)

func testLeaves(n int) []Hash {
	leaves := make([]Hash, n)
	for i := range leaves {
		leaves[i] = Leaf([]byte{byte(i), byte(i >> 8)})
	}
	return leaves
}

func TestNewTreeRejectsBadLeafCounts(t *testing.T) {
	for _, n := range []int{0, 3, 6, 255} {
		if _, err := NewTree(testLeaves(n)); err == nil {
			t.Errorf("NewTree with %d leaves succeeded, want error", n)
		}
	}
}

func TestTreeDepth(t *testing.T) {
	cases := map[int]int{1: 0, 2: 1, 8: 3, 256: 8}
	for n, depth := range cases {
		tree, err := NewTree(testLeaves(n))
		if err != nil {
			t.Fatalf("NewTree(%d): %v", n, err)
		}
		if got := tree.Depth(); got != depth {
			t.Errorf("Depth with %d leaves = %d, want %d", n, got, depth)
		}
	}
}

func TestWitnessVerifies(t *testing.T) {
	leaves := testLeaves(16)
	tree, err := NewTree(leaves)
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	root := tree.Root()

	for i := range leaves {
		path, err := tree.Witness(i)
		if err != nil {
			t.Fatalf("Witness(%d): %v", i, err)
		}
		if len(path) != tree.Depth() {
			t.Fatalf("Witness(%d) has %d hashes, want %d", i, len(path), tree.Depth())
		}
		if !VerifyWitness(leaves[i], i, path, root) {
			t.Errorf("witness for leaf %d does not verify", i)
		}
	}
}

func TestWitnessRejectsTampering(t *testing.T) {
	leaves := testLeaves(8)
	tree, err := NewTree(leaves)
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	root := tree.Root()

	path, err := tree.Witness(3)
	if err != nil {
		t.Fatalf("Witness: %v", err)
	}

	if VerifyWitness(leaves[4], 3, path, root) {
		t.Error("wrong leaf verified")
	}
	if VerifyWitness(leaves[3], 4, path, root) {
		t.Error("wrong index verified")
	}

	bad := make([]Hash, len(path))
	copy(bad, path)
	bad[1][0] ^= 1
	if VerifyWitness(leaves[3], 3, bad, root) {
		t.Error("corrupted path verified")
	}

	badRoot := root
	badRoot[31] ^= 1
	if VerifyWitness(leaves[3], 3, path, badRoot) {
		t.Error("wrong root verified")
	}
}

func TestWitnessIndexOutOfRange(t *testing.T) {
	tree, err := NewTree(testLeaves(4))
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	for _, i := range []int{-1, 4, 100} {
		if _, err := tree.Witness(i); err == nil {
			t.Errorf("Witness(%d) succeeded, want error", i)
		}
	}
}
